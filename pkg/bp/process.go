package bp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// Process parses one inbound bundle. Expired bundles are discarded
// with [ErrExpired]. Aggregate custody signals acknowledge this
// channel's in-flight bundles and wake any loader waiting on a full
// active table. Data bundles land on the inbound payload store for
// [Channel.Accept]; those carrying a CTEB additionally feed the DACS
// aggregator so custody is acknowledged back to the source.
func (ch *Channel) Process(wire []byte, timeout int, flags *Flags) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	if len(wire) == 0 {
		return fmt.Errorf("empty bundle: %w", ErrParameter)
	}

	ch.stats.received.Add(1)

	sysnow := ch.now()

	r, err := bpv6.Decode(wire, sysnow, flags)
	if err != nil {
		if errors.Is(err, bpv6.ErrExpired) {
			ch.stats.expired.Add(1)
		}

		return err
	}

	switch r.Disposition {
	case bpv6.CustodySignal:
		return ch.processSignal(r.Record, flags)

	case bpv6.CustodyAccept:
		ch.dacsMu.Lock()
		err := ch.dacs.acknowledge(r.Custody.Node, r.Custody.Service, r.Custody.CID, sysnow, flags)
		ch.dacsMu.Unlock()

		if err != nil {
			ch.log.Warn("custody acknowledgment failed",
				zap.Uint64("cid", r.Custody.CID), zap.Error(err))

			return err
		}

		return ch.enqueuePayload(r.Payload, timeout)

	default: // bpv6.Delivered
		return ch.enqueuePayload(r.Payload, timeout)
	}
}

// processSignal applies an aggregate custody signal to the active
// table, relinquishing every acknowledged bundle.
func (ch *Channel) processSignal(record []byte, flags *Flags) error {
	ch.activeMu.Lock()
	defer ch.activeMu.Unlock()

	count, err := bpv6.DecodeACS(record, flags, func(cid uint64) {
		sid := ch.active.acknowledge(cid)
		if sid == storage.SIDVacant {
			flags.Set(FlagUnknownCID)

			return
		}

		_ = ch.store.Relinquish(ch.bundleHandle, sid)
	})

	if count > 0 {
		ch.stats.acknowledged.Add(uint32(count))
		ch.stats.active.Store(ch.active.inFlight())
		ch.wakeWrapWaiters()
		ch.log.Debug("custody signal processed", zap.Int("acknowledged", count))
	}

	if err != nil {
		return err
	}

	return nil
}

// enqueuePayload spools a delivered payload for Accept.
func (ch *Channel) enqueuePayload(payload []byte, timeout int) error {
	ch.payloadMu.Lock()
	defer ch.payloadMu.Unlock()

	if err := ch.store.Enqueue(ch.payloadHandle, payload, nil, timeout); err != nil {
		return fmt.Errorf("%w: enqueue payload: %w", ErrStoreFailed, err)
	}

	return nil
}
