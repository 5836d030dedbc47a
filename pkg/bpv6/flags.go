package bpv6

import "strings"

// Flags is the soft-condition word carried through every data-plane
// call. Conditions are OR-ed in and never fail the call by themselves;
// callers inspect the word after the call returns.
type Flags uint16

// Soft-condition bits.
const (
	// FlagNonCompliant marks a valid bundle the agent could not fully
	// comply with (e.g. custody requested without a CTEB).
	FlagNonCompliant Flags = 0x0001
	// FlagIncomplete marks a bundle containing a block that was not
	// recognized and was skipped.
	FlagIncomplete Flags = 0x0002
	// FlagUnreliableTime marks a suspicious system time reading.
	FlagUnreliableTime Flags = 0x0004
	// FlagFillOverflow marks a CID gap too wide for one fill value.
	FlagFillOverflow Flags = 0x0008
	// FlagTooManyFills marks a truncated custody signal.
	FlagTooManyFills Flags = 0x0010
	// FlagCIDWentBackwards marks a custody ID lower than every custody
	// ID already acknowledged for the same source.
	FlagCIDWentBackwards Flags = 0x0020
	// FlagRouteNeeded marks a loaded bundle that must be routed by the
	// caller before transmission.
	FlagRouteNeeded Flags = 0x0040
	// FlagStoreFailure marks a storage service failure that was
	// recovered from locally.
	FlagStoreFailure Flags = 0x0080
	// FlagUnknownCID marks an acknowledgment for a custody ID with no
	// active-table entry.
	FlagUnknownCID Flags = 0x0100
	// FlagSDNVOverflow marks an SDNV value too large for its variable
	// or fixed width.
	FlagSDNVOverflow Flags = 0x0200
	// FlagSDNVIncomplete marks an SDNV cut short by its buffer.
	FlagSDNVIncomplete Flags = 0x0400
	// FlagActiveTableWrap marks a custody ID wrapping onto an occupied
	// active-table slot.
	FlagActiveTableWrap Flags = 0x0800
	// FlagDuplicates marks multiple in-flight bundles sharing a CID.
	FlagDuplicates Flags = 0x1000
	// FlagRBTreeFull marks a custody tree flushed because it ran out
	// of range slots.
	FlagRBTreeFull Flags = 0x2000
)

// Set ORs condition bits into the word. Safe on a nil receiver so
// callers that do not care can pass nil.
func (f *Flags) Set(bits Flags) {
	if f != nil {
		*f |= bits
	}
}

// Has reports whether all of bits are set.
func (f Flags) Has(bits Flags) bool { return f&bits == bits }

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FlagNonCompliant, "noncompliant"},
	{FlagIncomplete, "incomplete"},
	{FlagUnreliableTime, "unreliabletime"},
	{FlagFillOverflow, "filloverflow"},
	{FlagTooManyFills, "toomanyfills"},
	{FlagCIDWentBackwards, "cidwentbackwards"},
	{FlagRouteNeeded, "routeneeded"},
	{FlagStoreFailure, "storefailure"},
	{FlagUnknownCID, "unknowncid"},
	{FlagSDNVOverflow, "sdnvoverflow"},
	{FlagSDNVIncomplete, "sdnvincomplete"},
	{FlagActiveTableWrap, "activetablewrap"},
	{FlagDuplicates, "duplicates"},
	{FlagRBTreeFull, "rbtreefull"},
}

// String renders the set bits as a comma-separated list.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.bit) {
			parts = append(parts, fn.name)
		}
	}

	return strings.Join(parts, ",")
}

// raw exposes the word for the sdnv package, which predates the typed
// bitset.
func (f *Flags) raw() *uint16 {
	if f == nil {
		return nil
	}

	return (*uint16)(f)
}
