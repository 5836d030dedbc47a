package bp

import "github.com/calvinalkan/bpagent/pkg/bpv6"

// Flags is the soft-condition word shared with the codec; see the
// bpv6 package for the full bit inventory.
type Flags = bpv6.Flags

// Soft-condition bits, re-exported for callers of the data-plane API.
const (
	FlagNonCompliant     = bpv6.FlagNonCompliant
	FlagIncomplete       = bpv6.FlagIncomplete
	FlagUnreliableTime   = bpv6.FlagUnreliableTime
	FlagFillOverflow     = bpv6.FlagFillOverflow
	FlagTooManyFills     = bpv6.FlagTooManyFills
	FlagCIDWentBackwards = bpv6.FlagCIDWentBackwards
	FlagRouteNeeded      = bpv6.FlagRouteNeeded
	FlagStoreFailure     = bpv6.FlagStoreFailure
	FlagUnknownCID       = bpv6.FlagUnknownCID
	FlagSDNVOverflow     = bpv6.FlagSDNVOverflow
	FlagSDNVIncomplete   = bpv6.FlagSDNVIncomplete
	FlagActiveTableWrap  = bpv6.FlagActiveTableWrap
	FlagDuplicates       = bpv6.FlagDuplicates
	FlagRBTreeFull       = bpv6.FlagRBTreeFull
)
