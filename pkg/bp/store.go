package bp

import (
	"fmt"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
)

// Store encapsulates payload as a bundle and enqueues it on the
// outbound store. The bundle's creation time is stamped from the
// channel clock and its expiration derived from the lifetime option.
func (ch *Channel) Store(payload []byte, timeout int, flags *Flags) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	if payload == nil {
		return fmt.Errorf("nil payload: %w", ErrParameter)
	}

	ch.bundleMu.Lock()
	defer ch.bundleMu.Unlock()

	data, err := ch.template.Encode(payload, true, ch.now(), flags)
	if err != nil {
		return err
	}

	if err := ch.store.Enqueue(ch.bundleHandle, bpv6.EncodeStored(data), payload, timeout); err != nil {
		return fmt.Errorf("%w: enqueue bundle: %w", ErrStoreFailed, err)
	}

	ch.stats.generated.Add(1)

	return nil
}
