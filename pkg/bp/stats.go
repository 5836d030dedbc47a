package bp

import "sync/atomic"

// Stats is a latched snapshot of channel counters. All counters are
// monotonic except Bundles, Payloads, Records, and Active, which are
// read from live sources at latch time.
type Stats struct {
	// Lost counts storage or copy failures that dropped a bundle.
	Lost uint32
	// Expired counts bundles removed because their lifetime elapsed.
	Expired uint32
	// Acknowledged counts custody IDs freed by custody signals.
	Acknowledged uint32
	// Transmitted counts bundles handed to the caller, including
	// re-sends.
	Transmitted uint32
	// Retransmitted counts timed-out bundles sent again.
	Retransmitted uint32
	// Received counts bundles given to Process.
	Received uint32
	// Generated counts bundles built by Store.
	Generated uint32
	// Delivered counts payloads returned by Accept.
	Delivered uint32
	// Bundles is the outbound store's current object count.
	Bundles uint32
	// Payloads is the inbound payload store's current object count.
	Payloads uint32
	// Records is the custody-signal store's current object count.
	Records uint32
	// Active is the active-table window: the next custody ID to assign
	// minus the oldest possibly-outstanding one.
	Active uint32
}

// counters hold the live values behind Stats. Updates happen on the
// data-plane hot paths under different channel locks, so each counter
// is independently atomic.
type counters struct {
	lost          atomic.Uint32
	expired       atomic.Uint32
	acknowledged  atomic.Uint32
	transmitted   atomic.Uint32
	retransmitted atomic.Uint32
	received      atomic.Uint32
	generated     atomic.Uint32
	delivered     atomic.Uint32
	active        atomic.Uint32
}

// snapshot latches the monotonic counters.
func (c *counters) snapshot() Stats {
	return Stats{
		Lost:          c.lost.Load(),
		Expired:       c.expired.Load(),
		Acknowledged:  c.acknowledged.Load(),
		Transmitted:   c.transmitted.Load(),
		Retransmitted: c.retransmitted.Load(),
		Received:      c.received.Load(),
		Generated:     c.generated.Load(),
		Delivered:     c.delivered.Load(),
		Active:        c.active.Load(),
	}
}
