package bp

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// Load returns the next bundle to transmit. Custody signals go first,
// then timed-out or expired active bundles are handled oldest-first,
// then a fresh bundle is dequeued from the outbound store, waiting up
// to timeout. Bundles requesting custody receive their custody ID and
// active-table slot here, immediately before handoff.
//
// The returned buffer belongs to the channel; pass it to
// [Channel.AckBundle] once transmitted. A loaded custody signal sets
// FlagRouteNeeded: its destination is the custody source, not the
// channel route.
func (ch *Channel) Load(timeout int, flags *Flags) ([]byte, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	retxTimeout := uint64(ch.attr.Timeout)
	reuse := ch.attr.CIDReuse
	rate := uint64(ch.attr.DACSRate)
	wrap := ch.attr.WrapResponse
	ch.mu.Unlock()

	sysnow := ch.now()

	var (
		data        *bpv6.BundleData
		sid         = storage.SIDVacant
		storeHandle int
		ati         = -1
		newcid      = true
		reuseCID    uint64
		wrapWait    bool
		blocked     bool
	)

	// Custody signals take priority over data bundles.
	ch.dacsMu.Lock()

	if err := ch.dacs.check(sysnow, rate, flags); err != nil {
		flags.Set(FlagStoreFailure)
		ch.log.Warn("custody signal check failed", zap.Error(err))
	}

	obj, dacsErr := ch.store.Dequeue(ch.dacsHandle, storage.Check)
	ch.dacsMu.Unlock()

	switch {
	case dacsErr == nil:
		storeHandle = ch.dacsHandle

		d, err := bpv6.DecodeStored(obj.Data)
		if err != nil {
			_ = ch.store.Relinquish(storeHandle, obj.SID)

			return nil, fmt.Errorf("%w: custody signal: %w", ErrStoreFailed, err)
		}

		data = d
		sid = obj.SID

		flags.Set(bpv6.FlagRouteNeeded)
	case errors.Is(dacsErr, storage.ErrTimeout):
		// Nothing pending; fall through to data bundles.
	default:
		flags.Set(FlagStoreFailure)
		ch.log.Warn("custody signal dequeue failed", zap.Error(dacsErr))
	}

	if data == nil {
		storeHandle = ch.bundleHandle
		data, sid, ati, newcid, reuseCID, wrapWait, blocked = ch.scanActive(sysnow, retxTimeout, reuse, wrap, flags)
	}

	if wrapWait {
		ch.waitForAcknowledgment()
	}

	if blocked {
		// Wrap policy BLOCK: the wait was the one concession; if the
		// slot is still occupied the caller retries.
		ch.activeMu.Lock()
		occupied := ch.active.sid[ch.active.index(ch.active.currentCID)] != storage.SIDVacant
		ch.activeMu.Unlock()

		if occupied {
			return nil, ErrActiveTableFull
		}
	}

	// Dequeue a fresh bundle if the scan produced no candidate.
	for data == nil {
		obj, err := ch.store.Dequeue(storeHandle, timeout)
		if errors.Is(err, storage.ErrTimeout) {
			return nil, ErrTimeout
		}

		if err != nil {
			flags.Set(FlagStoreFailure)

			return nil, fmt.Errorf("%w: dequeue bundle: %w", ErrStoreFailed, err)
		}

		d, derr := bpv6.DecodeStored(obj.Data)
		if derr != nil {
			_ = ch.store.Relinquish(storeHandle, obj.SID)
			flags.Set(FlagStoreFailure)
			ch.stats.lost.Add(1)

			continue
		}

		if d.ExpTime != 0 && sysnow >= d.ExpTime {
			_ = ch.store.Relinquish(storeHandle, obj.SID)
			ch.stats.expired.Add(1)

			continue
		}

		data = d
		sid = obj.SID
	}

	return ch.emitBundle(data, sid, storeHandle, ati, newcid, reuseCID, sysnow, flags)
}

// scanActive walks the active table oldest-first, expiring and
// retransmitting as needed, and applies the wrap policy when the next
// custody ID would land on an occupied slot. It returns the candidate
// bundle, if any, along with the slot bookkeeping the transmit step
// needs.
func (ch *Channel) scanActive(sysnow, retxTimeout uint64, reuse bool, wrap WrapPolicy, flags *Flags) (
	data *bpv6.BundleData, sid storage.SID, ati int, newcid bool, reuseCID uint64, wrapWait, blocked bool,
) {
	newcid = true
	ati = -1

	ch.activeMu.Lock()
	defer ch.activeMu.Unlock()

	for data == nil && ch.active.oldestCID < ch.active.currentCID {
		ati = ch.active.index(ch.active.oldestCID)
		sid = ch.active.sid[ati]

		if sid == storage.SIDVacant {
			ch.active.oldestCID++

			continue
		}

		d, ok := ch.retrieveActive(sid, ati, flags)
		if !ok {
			continue
		}

		switch {
		case d.ExpTime != 0 && sysnow >= d.ExpTime:
			_ = ch.store.Relinquish(ch.bundleHandle, sid)
			ch.active.vacate(ati)
			ch.active.oldestCID++
			ch.stats.expired.Add(1)
			ch.log.Debug("active bundle expired", zap.Uint32("cid", ch.active.oldestCID-1))

		case retxTimeout != 0 && sysnow >= ch.active.retx[ati]+retxTimeout:
			// Timed out; retransmit. With CID reuse the slot and ID
			// survive, otherwise the slot is vacated and the bundle
			// re-emitted under the next custody ID.
			reuseCID = uint64(ch.active.oldestCID)
			ch.active.oldestCID++
			ch.stats.retransmitted.Add(1)

			if reuse {
				newcid = false
			} else {
				ch.active.vacate(ati)
			}

			data = d

		default:
			// The oldest bundle is still live, so nothing ahead of it
			// can be due. Before dequeuing fresh data, make sure the
			// next custody ID has a free slot; a full table means the
			// occupant is that same oldest bundle.
			wi := ch.active.index(ch.active.currentCID)
			wsid := ch.active.sid[wi]

			if wsid != storage.SIDVacant {
				flags.Set(FlagActiveTableWrap)
				data, sid, wrapWait, blocked = ch.applyWrapPolicy(wrap, wi, wsid, flags)
			}

			return data, sid, ati, newcid, reuseCID, wrapWait, blocked
		}
	}

	return data, sid, ati, newcid, reuseCID, wrapWait, blocked
}

// retrieveActive fetches and decodes an active bundle; on failure the
// slot is abandoned and the scan moves on.
func (ch *Channel) retrieveActive(sid storage.SID, ati int, flags *Flags) (*bpv6.BundleData, bool) {
	obj, err := ch.store.Retrieve(ch.bundleHandle, sid, storage.Check)
	if err == nil {
		if d, derr := bpv6.DecodeStored(obj.Data); derr == nil {
			return d, true
		}
	}

	_ = ch.store.Relinquish(ch.bundleHandle, sid)
	ch.active.vacate(ati)
	flags.Set(FlagStoreFailure)
	ch.stats.lost.Add(1)
	ch.log.Warn("active bundle unretrievable", zap.Uint64("sid", uint64(sid)))

	return nil, false
}

// applyWrapPolicy resolves a custody-ID wrap onto an occupied slot.
// Callers hold activeMu.
func (ch *Channel) applyWrapPolicy(wrap WrapPolicy, wi int, wsid storage.SID, flags *Flags) (
	data *bpv6.BundleData, sid storage.SID, wrapWait, blocked bool,
) {
	switch wrap {
	case WrapResend:
		// Force-retransmit the occupant (the oldest bundle) under a
		// fresh custody ID, then give acknowledgments a moment to
		// catch up.
		ch.active.oldestCID++

		obj, err := ch.store.Retrieve(ch.bundleHandle, wsid, storage.Check)
		if err == nil {
			if d, derr := bpv6.DecodeStored(obj.Data); derr == nil {
				ch.stats.retransmitted.Add(1)

				return d, wsid, true, false
			}
		}

		_ = ch.store.Relinquish(ch.bundleHandle, wsid)
		ch.active.vacate(wi)
		flags.Set(FlagStoreFailure)
		ch.stats.lost.Add(1)

		return nil, storage.SIDVacant, false, false

	case WrapBlock:
		return nil, storage.SIDVacant, true, true

	default: // WrapDrop
		ch.active.oldestCID++
		_ = ch.store.Relinquish(ch.bundleHandle, wsid)
		ch.active.vacate(wi)
		ch.stats.lost.Add(1)
		ch.log.Debug("dropped wrapped bundle", zap.Uint64("sid", uint64(wsid)))

		return nil, storage.SIDVacant, false, false
	}
}

// waitForAcknowledgment blocks up to the wrap timeout for Process to
// free active-table slots.
func (ch *Channel) waitForAcknowledgment() {
	ch.activeMu.Lock()
	notify := ch.wrapNotify
	ch.activeMu.Unlock()

	select {
	case <-notify:
	case <-time.After(defaultWrapTimeout):
	}
}

// emitBundle assigns the custody ID, copies the wire image into a
// pooled buffer, and finalizes counters.
func (ch *Channel) emitBundle(data *bpv6.BundleData, sid storage.SID, storeHandle, ati int, newcid bool, reuseCID, sysnow uint64, flags *Flags) ([]byte, error) {
	ch.activeMu.Lock()
	defer ch.activeMu.Unlock()

	if data.CTEBOffset != 0 {
		if newcid {
			cid, slot := ch.active.assign(sid, sysnow)
			ati = slot
			data.SetCID(uint64(cid), flags)
		} else {
			// Reused custody ID: restamp the retransmit time and make
			// sure the wire carries the slot's ID even when the store
			// returned a pristine copy.
			ch.active.retx[ati] = sysnow
			data.SetCID(reuseCID, flags)
		}
	}

	out := ch.getBuffer(data.BundleSize)
	copy(out, data.Header[:data.BundleSize])
	ch.stats.transmitted.Add(1)

	// Without custody transfer there is nothing to retransmit; the
	// stored copy is done.
	if data.CTEBOffset == 0 {
		_ = ch.store.Relinquish(storeHandle, sid)
	}

	ch.stats.active.Store(ch.active.inFlight())

	return out, nil
}
