package bp

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// Channel is one independent bundle agent endpoint. It owns a bundle
// template, a DACS aggregator, an active table, and three storage
// queues (outbound bundles, inbound payloads, outbound custody
// signals), all released by Close.
//
// Locking, one lock per concern so the three data-plane goroutines
// interleave freely:
//
//  1. mu — lifecycle (closed state) and option reads/writes.
//  2. bundleMu — the outbound bundle template and its store handle;
//     held by Store.
//  3. payloadMu — the inbound payload store handle.
//  4. dacsMu — the aggregator state and the custody-signal store
//     handle. Load never sleeps while holding it.
//  5. activeMu — active-table arrays and CID counters. wrapNotify is
//     the condition Load waits on when the table wraps; Process
//     broadcasts it after acknowledgments free slots.
type Channel struct {
	log   *zap.Logger
	store storage.Service
	route Route

	mu   sync.Mutex
	attr Attributes

	closed bool

	bundleMu     sync.Mutex
	template     *bpv6.Template
	bundleHandle int

	payloadMu     sync.Mutex
	payloadHandle int

	dacsMu     sync.Mutex
	dacs       *aggregator
	dacsHandle int

	activeMu   sync.Mutex
	active     *activeTable
	wrapNotify chan struct{}

	stats counters

	bufPool sync.Pool
}

// Open creates a channel for route over the injected storage service.
// Zero-valued sizing attributes take their defaults; invalid
// combinations fail with [ErrParameter], [ErrUnsupported], or
// [ErrInvalidCipher].
func Open(route Route, store storage.Service, attr Attributes) (*Channel, error) {
	if store == nil {
		return nil, fmt.Errorf("storage service is nil: %w", ErrParameter)
	}

	attr = attr.withDefaults()
	if err := attr.validate(); err != nil {
		return nil, err
	}

	ch := &Channel{
		log:          attr.Logger,
		store:        store,
		route:        route,
		attr:         attr,
		bundleHandle: -1,
		payloadHandle: -1,
		dacsHandle:   -1,
		active:       newActiveTable(attr.ActiveTableSize),
		wrapNotify:   make(chan struct{}),
	}

	var err error

	ch.bundleHandle, err = store.Create(attr.StorageServiceParm)
	if err == nil {
		ch.payloadHandle, err = store.Create(attr.StorageServiceParm)
	}

	if err == nil {
		ch.dacsHandle, err = store.Create(attr.StorageServiceParm)
	}

	if err != nil {
		ch.destroyHandles()

		return nil, fmt.Errorf("%w: create store handles: %w", ErrStoreFailed, err)
	}

	ch.template = bpv6.NewTemplate(route)
	ch.applyTemplateOptions()

	ch.dacs, err = newAggregator(route, &ch.attr, store, ch.dacsHandle, ch.log)
	if err != nil {
		ch.destroyHandles()

		return nil, err
	}

	ch.log.Info("channel open",
		zap.String("local", IPNToEID(route.LocalNode, route.LocalService)),
		zap.String("destination", IPNToEID(route.DestinationNode, route.DestinationService)),
		zap.Int("active_table_size", attr.ActiveTableSize))

	return ch, nil
}

// applyTemplateOptions copies the template-shaping attributes onto the
// bundle template. Callers hold mu or are still inside Open.
func (ch *Channel) applyTemplateOptions() {
	ch.template.Lifetime = ch.attr.Lifetime
	ch.template.RequestCustody = !ch.attr.DisableCustody
	ch.template.AdminRecord = ch.attr.AdminRecord
	ch.template.IntegrityCheck = !ch.attr.DisableIntegrity
	ch.template.AllowFragmentation = ch.attr.AllowFragmentation
	ch.template.CipherSuite = ch.attr.CipherSuite
	ch.template.MaxLength = ch.attr.MaxLength
	ch.template.Invalidate()
}

func (ch *Channel) destroyHandles() {
	for _, handle := range []int{ch.bundleHandle, ch.payloadHandle, ch.dacsHandle} {
		if handle >= 0 {
			_ = ch.store.Destroy(handle)
		}
	}
}

// Close releases the channel's storage handles. Operations on a
// closed channel fail with [ErrInvalidHandle]. Close is idempotent.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil
	}

	ch.closed = true

	var errs []error

	for _, handle := range []int{ch.bundleHandle, ch.payloadHandle, ch.dacsHandle} {
		if err := ch.store.Destroy(handle); err != nil {
			errs = append(errs, err)
		}
	}

	ch.log.Info("channel closed")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: destroy store handles: %w", ErrStoreFailed, err)
	}

	return nil
}

// checkOpen fails fast on a closed channel.
func (ch *Channel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return ErrInvalidHandle
	}

	return nil
}

// now reads the channel clock.
func (ch *Channel) now() uint64 { return ch.attr.Now() }

// LatchStats snapshots the channel counters, refreshing the live store
// counts and the active-table window.
func (ch *Channel) LatchStats() (Stats, error) {
	if err := ch.checkOpen(); err != nil {
		return Stats{}, err
	}

	s := ch.stats.snapshot()
	s.Bundles = uint32(ch.store.Count(ch.bundleHandle))
	s.Payloads = uint32(ch.store.Count(ch.payloadHandle))
	s.Records = uint32(ch.store.Count(ch.dacsHandle))

	ch.activeMu.Lock()
	s.Active = ch.active.inFlight()
	ch.activeMu.Unlock()

	return s, nil
}

// wakeWrapWaiters broadcasts the active-table condition. Callers hold
// activeMu.
func (ch *Channel) wakeWrapWaiters() {
	close(ch.wrapNotify)
	ch.wrapNotify = make(chan struct{})
}

// getBuffer returns a pooled buffer of length n.
func (ch *Channel) getBuffer(n int) []byte {
	if v := ch.bufPool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			return buf[:n]
		}
	}

	return make([]byte, n)
}

// AckBundle returns a buffer handed out by Load to the channel's
// pool. Callers must not touch the buffer afterward.
func (ch *Channel) AckBundle(bundle []byte) {
	if bundle != nil {
		ch.bufPool.Put(&bundle)
	}
}

// AckPayload returns a buffer handed out by Accept to the channel's
// pool. Callers must not touch the buffer afterward.
func (ch *Channel) AckPayload(payload []byte) {
	if payload != nil {
		ch.bufPool.Put(&payload)
	}
}
