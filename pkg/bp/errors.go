package bp

import (
	"errors"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// Engine-level error classification. Wire-level and storage-level
// sentinels are re-exported so callers classify every failure through
// one taxonomy with errors.Is.
var (
	// ErrTimeout indicates the caller's timeout lapsed with nothing
	// to return.
	ErrTimeout = storage.ErrTimeout
	// ErrParameter indicates an invalid argument.
	ErrParameter = errors.New("bp: parameter error")
	// ErrUnsupported indicates a requested mode this agent does not
	// implement.
	ErrUnsupported = errors.New("bp: unsupported")
	// ErrDropped indicates a bundle deliberately discarded.
	ErrDropped = errors.New("bp: bundle dropped")
	// ErrInvalidHandle indicates an operation on a closed channel.
	ErrInvalidHandle = errors.New("bp: channel closed")
	// ErrStoreFailed indicates a storage service failure fatal to the
	// call.
	ErrStoreFailed = errors.New("bp: storage service failed")
	// ErrDuplicateCID indicates a custody ID already being tracked.
	ErrDuplicateCID = errors.New("bp: duplicate custody id")
	// ErrCustodyTreeFull indicates a custody tree that cannot take
	// another range.
	ErrCustodyTreeFull = errors.New("bp: custody tree full")
	// ErrActiveTableFull indicates a custody ID wrap onto an occupied
	// slot that the wrap policy could not clear.
	ErrActiveTableFull = errors.New("bp: active table full")
	// ErrCIDNotFound indicates an acknowledgment for an unknown
	// custody ID.
	ErrCIDNotFound = errors.New("bp: custody id not found")

	// Wire-level sentinels, re-exported from the codec.
	ErrExpired        = bpv6.ErrExpired
	ErrWrongVersion   = bpv6.ErrWrongVersion
	ErrParse          = bpv6.ErrParse
	ErrUnknownRecord  = bpv6.ErrUnknownRecord
	ErrBundleTooLarge = bpv6.ErrBundleTooLarge
	ErrIntegrity      = bpv6.ErrIntegrity
	ErrInvalidEID     = bpv6.ErrInvalidEID
	ErrInvalidCipher  = bpv6.ErrInvalidCipher
)
