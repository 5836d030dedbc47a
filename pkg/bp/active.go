package bp

import "github.com/calvinalkan/bpagent/pkg/storage"

// activeTable tracks in-flight custody-tracked bundles. Slot i holds
// the storage ID and last-transmit time of the bundle whose custody ID
// is congruent to i modulo the table size. Two monotonic counters
// bound the live window: oldestCID is the lowest possibly-outstanding
// custody ID and currentCID the next to assign, with
// currentCID-oldestCID never exceeding the table size.
//
// The channel's active-table lock guards every access.
type activeTable struct {
	sid  []storage.SID
	retx []uint64

	oldestCID  uint32
	currentCID uint32
}

func newActiveTable(size int) *activeTable {
	return &activeTable{
		sid:  make([]storage.SID, size),
		retx: make([]uint64, size),
	}
}

// index returns the slot for a custody ID.
func (t *activeTable) index(cid uint32) int {
	return int(cid % uint32(len(t.sid)))
}

// inFlight reports the number of possibly-outstanding custody IDs.
func (t *activeTable) inFlight() uint32 {
	return t.currentCID - t.oldestCID
}

// assign claims the next custody ID for sid and stamps its transmit
// time.
func (t *activeTable) assign(sid storage.SID, now uint64) (cid uint32, slot int) {
	cid = t.currentCID
	slot = t.index(cid)
	t.sid[slot] = sid
	t.retx[slot] = now
	t.currentCID++

	return cid, slot
}

// vacate clears a slot.
func (t *activeTable) vacate(slot int) {
	t.sid[slot] = storage.SIDVacant
}

// acknowledge frees the slot a custody ID occupies, returning the
// storage ID it held, or SIDVacant if the slot was already free.
func (t *activeTable) acknowledge(cid uint64) storage.SID {
	slot := int(cid % uint64(len(t.sid)))
	sid := t.sid[slot]
	t.sid[slot] = storage.SIDVacant

	return sid
}
