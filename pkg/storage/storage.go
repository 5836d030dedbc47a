// Package storage defines the pluggable storage service the channel
// engine stores bundles through, plus three implementations:
//
//   - [RAM]: in-memory queues, the default for relays that may lose
//     bundles on restart.
//   - [File]: one file per object in a spool directory, written
//     atomically; queue order survives restarts.
//   - [SQLite]: objects in a single database file.
//
// A service is a small capability object: queue-plus-key-value hybrid
// semantics behind eight operations. Dequeue is FIFO per handle. An
// object dequeued for transmission remains retrievable by its storage
// ID until relinquished, which is how custody-tracked bundles survive
// for retransmission.
//
// All implementations are safe for concurrent use by multiple
// goroutines.
package storage

import "errors"

// SID is an opaque storage ID. The zero SID never names an object.
type SID uint64

// SIDVacant is the reserved "no object" SID.
const SIDVacant SID = 0

// Timeout sentinels. Positive values are seconds.
const (
	// Pend blocks until the operation can complete.
	Pend = -1
	// Check polls and returns immediately.
	Check = 0
)

// Error classification. Implementations may wrap these with context;
// callers classify with errors.Is.
var (
	// ErrTimeout indicates the timeout lapsed with nothing to return.
	ErrTimeout = errors.New("storage: timeout")
	// ErrNotFound indicates no object exists under the SID.
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidHandle indicates an unknown or destroyed queue handle.
	ErrInvalidHandle = errors.New("storage: invalid handle")
)

// Object is one stored entry handed back by Dequeue or Retrieve.
type Object struct {
	Handle int
	SID    SID
	Data   []byte
}

// Service is the eight-operation storage contract injected into a
// channel at open.
type Service interface {
	// Create allocates a queue and returns its handle. The parameter
	// is passed through from the channel attributes.
	Create(parm any) (int, error)

	// Destroy releases a queue and every object in it.
	Destroy(handle int) error

	// Enqueue appends the logical concatenation of header and payload
	// as one object at the queue tail.
	Enqueue(handle int, header, payload []byte, timeout int) error

	// Dequeue removes the oldest queued object and returns it. The
	// object remains retrievable by SID until relinquished.
	Dequeue(handle int, timeout int) (*Object, error)

	// Retrieve returns the object stored under sid.
	Retrieve(handle int, sid SID, timeout int) (*Object, error)

	// Release drops the reference Retrieve took.
	Release(handle int, sid SID) error

	// Relinquish permanently removes the object stored under sid.
	Relinquish(handle int, sid SID) error

	// Count returns the number of objects the queue holds, both
	// queued and dequeued-but-not-relinquished.
	Count(handle int) int
}

// waitChan is the broadcast primitive queue implementations use for
// blocking dequeues: enqueue closes the current channel and installs a
// fresh one; waiters select on the channel they captured.
type waitChan chan struct{}

// Compile-time interface satisfaction checks.
var (
	_ Service = (*RAM)(nil)
	_ Service = (*File)(nil)
	_ Service = (*SQLite)(nil)
)
