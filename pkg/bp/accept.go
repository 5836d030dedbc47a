package bp

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/storage"
)

// Accept returns the next delivered payload, waiting up to timeout.
// The returned buffer belongs to the channel; pass it to
// [Channel.AckPayload] when done.
func (ch *Channel) Accept(timeout int, flags *Flags) ([]byte, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}

	ch.payloadMu.Lock()
	handle := ch.payloadHandle
	ch.payloadMu.Unlock()

	obj, err := ch.store.Dequeue(handle, timeout)
	if errors.Is(err, storage.ErrTimeout) {
		return nil, ErrTimeout
	}

	if err != nil {
		flags.Set(FlagStoreFailure)

		return nil, fmt.Errorf("%w: dequeue payload: %w", ErrStoreFailed, err)
	}

	out := ch.getBuffer(len(obj.Data))
	copy(out, obj.Data)

	_ = ch.store.Relinquish(handle, obj.SID)
	ch.stats.delivered.Add(1)

	return out, nil
}
