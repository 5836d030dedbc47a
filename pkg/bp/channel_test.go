package bp

import (
	"errors"
	"sync"
	"testing"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// fakeClock drives channel time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  uint64
}

func (c *fakeClock) now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) advance(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t += seconds
}

var (
	routeAtoB = Route{LocalNode: 42, LocalService: 7, DestinationNode: 84, DestinationService: 9}
	routeBtoA = Route{LocalNode: 84, LocalService: 9, DestinationNode: 42, DestinationService: 7}
)

// openTest opens a channel over a fresh RAM store with a fake clock.
func openTest(t *testing.T, route Route, mutate func(*Attributes)) (*Channel, *fakeClock) {
	t.Helper()

	clock := &fakeClock{}
	attr := DefaultAttributes()
	attr.Now = clock.now

	if mutate != nil {
		mutate(&attr)
	}

	ch, err := Open(route, storage.NewRAM(), attr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = ch.Close() })

	return ch, clock
}

func mustStore(t *testing.T, ch *Channel, payload string) {
	t.Helper()

	var flags Flags
	if err := ch.Store([]byte(payload), storage.Check, &flags); err != nil {
		t.Fatalf("store %q: %v", payload, err)
	}
}

func mustLoad(t *testing.T, ch *Channel) ([]byte, Flags) {
	t.Helper()

	var flags Flags

	wire, err := ch.Load(storage.Check, &flags)
	if err != nil {
		t.Fatalf("load: %v (flags %s)", err, flags)
	}

	return wire, flags
}

// loadedCID decodes the custody ID a loaded bundle carries.
func loadedCID(t *testing.T, wire []byte) uint64 {
	t.Helper()

	var flags Flags

	r, err := bpv6.Decode(wire, 0, &flags)
	if err != nil {
		t.Fatalf("decode loaded bundle: %v", err)
	}

	if r.Disposition != bpv6.CustodyAccept {
		t.Fatalf("loaded bundle disposition %d, want CustodyAccept", r.Disposition)
	}

	return r.Custody.CID
}

func Test_Load_Times_Out_When_Stored_Bundle_Expired(t *testing.T) {
	t.Parallel()

	ch, clock := openTest(t, routeAtoB, func(a *Attributes) { a.Lifetime = 1 })

	mustStore(t, ch, "short lived")
	clock.advance(2)

	var flags Flags

	_, err := ch.Load(storage.Check, &flags)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("load: %v, want ErrTimeout", err)
	}

	stats, err := ch.LatchStats()
	if err != nil {
		t.Fatal(err)
	}

	if stats.Expired != 1 {
		t.Fatalf("expired = %d, want 1", stats.Expired)
	}

	if stats.Bundles != 0 {
		t.Fatalf("bundles in store = %d, want 0", stats.Bundles)
	}
}

func Test_Load_Retransmits_Occupant_When_Table_Wraps_With_Resend(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, func(a *Attributes) {
		a.ActiveTableSize = 4
		a.WrapResponse = WrapResend
	})

	for i := 0; i < 5; i++ {
		mustStore(t, ch, "wrap me")
	}

	for i := 0; i < 4; i++ {
		wire, flags := mustLoad(t, ch)
		if flags.Has(FlagActiveTableWrap) {
			t.Fatalf("load %d: unexpected wrap flag", i)
		}

		if cid := loadedCID(t, wire); cid != uint64(i) {
			t.Fatalf("load %d: cid %d", i, cid)
		}
	}

	wire, flags := mustLoad(t, ch)

	if !flags.Has(FlagActiveTableWrap) {
		t.Fatal("fifth load: wrap flag not set")
	}

	if cid := loadedCID(t, wire); cid != 4 {
		t.Fatalf("fifth load: cid %d, want 4", cid)
	}

	stats, _ := ch.LatchStats()
	if stats.Retransmitted != 1 {
		t.Fatalf("retransmitted = %d, want 1", stats.Retransmitted)
	}

	if ch.active.inFlight() > 4 {
		t.Fatalf("in flight %d exceeds table size", ch.active.inFlight())
	}
}

func Test_Load_Fails_When_Table_Wraps_With_Block(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, func(a *Attributes) {
		a.ActiveTableSize = 1
		a.WrapResponse = WrapBlock
		a.Timeout = 0 // never retransmit
	})

	mustStore(t, ch, "first")
	mustStore(t, ch, "second")
	mustLoad(t, ch)

	var flags Flags

	_, err := ch.Load(storage.Check, &flags)
	if !errors.Is(err, ErrActiveTableFull) {
		t.Fatalf("load: %v, want ErrActiveTableFull", err)
	}

	if !flags.Has(FlagActiveTableWrap) {
		t.Fatal("wrap flag not set")
	}
}

func Test_Load_Discards_Occupant_When_Table_Wraps_With_Drop(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, func(a *Attributes) {
		a.ActiveTableSize = 1
		a.WrapResponse = WrapDrop
		a.Timeout = 0
	})

	mustStore(t, ch, "first")
	mustStore(t, ch, "second")
	mustLoad(t, ch)

	wire, flags := mustLoad(t, ch)

	if !flags.Has(FlagActiveTableWrap) {
		t.Fatal("wrap flag not set")
	}

	if cid := loadedCID(t, wire); cid != 1 {
		t.Fatalf("cid = %d, want 1", cid)
	}

	stats, _ := ch.LatchStats()
	if stats.Lost != 1 {
		t.Fatalf("lost = %d, want 1", stats.Lost)
	}

	// Only the second bundle remains in storage.
	if stats.Bundles != 1 {
		t.Fatalf("bundles = %d, want 1", stats.Bundles)
	}
}

func Test_Acknowledgment_Frees_Slots_And_Advances_Oldest(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, nil)

	for i := 0; i < 3; i++ {
		mustStore(t, ch, "tracked")
		mustLoad(t, ch)
	}

	// Acknowledge CIDs 0-1 with a crafted custody signal.
	var flags Flags

	record, _ := bpv6.EncodeACS([]bpv6.Range{{Lo: 0, Hi: 1}}, 64, &flags)

	if err := ch.processSignal(record, &flags); err != nil {
		t.Fatalf("process signal: %v", err)
	}

	stats, _ := ch.LatchStats()
	if stats.Acknowledged != 2 {
		t.Fatalf("acknowledged = %d, want 2", stats.Acknowledged)
	}

	mustStore(t, ch, "next")

	wire, _ := mustLoad(t, ch)
	if cid := loadedCID(t, wire); cid != 3 {
		t.Fatalf("next cid = %d, want 3", cid)
	}

	// The scan walked oldest past the two freed slots.
	ch.activeMu.Lock()
	oldest := ch.active.oldestCID
	ch.activeMu.Unlock()

	if oldest != 2 {
		t.Fatalf("oldest cid = %d, want 2", oldest)
	}
}

func Test_Acknowledgment_Sets_UnknownCID_When_Slot_Vacant(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, nil)

	var flags Flags

	record, _ := bpv6.EncodeACS([]bpv6.Range{{Lo: 9, Hi: 9}}, 64, &flags)

	if err := ch.processSignal(record, &flags); err != nil {
		t.Fatalf("process signal: %v", err)
	}

	if !flags.Has(FlagUnknownCID) {
		t.Fatal("unknowncid flag not set")
	}
}

func Test_Load_Reuses_CID_And_Slot_When_CIDReuse_Enabled(t *testing.T) {
	t.Parallel()

	ch, clock := openTest(t, routeAtoB, func(a *Attributes) {
		a.CIDReuse = true
		a.Timeout = 1
	})

	mustStore(t, ch, "again")

	wire, _ := mustLoad(t, ch)
	if cid := loadedCID(t, wire); cid != 0 {
		t.Fatalf("first cid = %d, want 0", cid)
	}

	clock.advance(2)

	retx, _ := mustLoad(t, ch)

	if cid := loadedCID(t, retx); cid != 0 {
		t.Fatalf("retransmit cid = %d, want 0", cid)
	}

	stats, _ := ch.LatchStats()
	if stats.Retransmitted != 1 {
		t.Fatalf("retransmitted = %d, want 1", stats.Retransmitted)
	}

	ch.activeMu.Lock()
	slotTime := ch.active.retx[0]
	ch.activeMu.Unlock()

	if slotTime != 2 {
		t.Fatalf("retx stamp = %d, want 2", slotTime)
	}
}

func Test_Load_Assigns_New_CID_When_CIDReuse_Disabled(t *testing.T) {
	t.Parallel()

	ch, clock := openTest(t, routeAtoB, func(a *Attributes) {
		a.Timeout = 1
	})

	mustStore(t, ch, "fresh cid")

	wire, _ := mustLoad(t, ch)
	first := loadedCID(t, wire)

	clock.advance(2)

	retx, _ := mustLoad(t, ch)
	second := loadedCID(t, retx)

	if second <= first {
		t.Fatalf("retransmit cid %d not greater than %d", second, first)
	}

	stats, _ := ch.LatchStats()
	if stats.Retransmitted != 1 {
		t.Fatalf("retransmitted = %d, want 1", stats.Retransmitted)
	}
}

func Test_Payload_Roundtrips_Between_Two_Channels(t *testing.T) {
	t.Parallel()

	chA, _ := openTest(t, routeAtoB, nil)
	chB, _ := openTest(t, routeBtoA, func(a *Attributes) { a.DACSRate = 0 })

	payload := "across the gap"

	mustStore(t, chA, payload)

	wire, _ := mustLoad(t, chA)

	var flags Flags
	if err := chB.Process(wire, storage.Check, &flags); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := chB.Accept(storage.Check, &flags)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if string(got) != payload {
		t.Fatalf("accepted %q, want %q", got, payload)
	}

	chB.AckPayload(got)

	// B owes A a custody signal; it loads ahead of data and needs
	// routing.
	signal, sigFlags := mustLoad(t, chB)
	if !sigFlags.Has(FlagRouteNeeded) {
		t.Fatal("custody signal load did not set routeneeded")
	}

	route, err := RouteInfo(signal)
	if err != nil {
		t.Fatal(err)
	}

	if route.DestinationNode != 42 || route.DestinationService != 7 {
		t.Fatalf("signal destination %d.%d, want 42.7", route.DestinationNode, route.DestinationService)
	}

	if err := chA.Process(signal, storage.Check, &flags); err != nil {
		t.Fatalf("process signal: %v", err)
	}

	statsA, _ := chA.LatchStats()
	if statsA.Acknowledged != 1 {
		t.Fatalf("A acknowledged = %d, want 1", statsA.Acknowledged)
	}

	statsB, _ := chB.LatchStats()
	if statsB.Delivered != 1 || statsB.Received != 1 {
		t.Fatalf("B delivered=%d received=%d", statsB.Delivered, statsB.Received)
	}
}

func Test_Load_Relinquishes_Bundle_When_Custody_Disabled(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, nil)

	off := 0
	if err := ch.Config(ModeWrite, OptRequestCustody, &off); err != nil {
		t.Fatalf("config: %v", err)
	}

	mustStore(t, ch, "fire and forget")

	wire, _ := mustLoad(t, ch)

	var flags Flags

	r, err := bpv6.Decode(wire, 0, &flags)
	if err != nil {
		t.Fatal(err)
	}

	if r.Disposition != bpv6.Delivered {
		t.Fatalf("disposition = %d, want Delivered", r.Disposition)
	}

	stats, _ := ch.LatchStats()
	if stats.Bundles != 0 {
		t.Fatalf("bundles = %d, want 0 (relinquished on load)", stats.Bundles)
	}

	if stats.Active != 0 {
		t.Fatalf("active = %d, want 0", stats.Active)
	}
}

func Test_Active_Window_Invariant_Holds_Across_Ops(t *testing.T) {
	t.Parallel()

	const tableSize = 8

	ch, _ := openTest(t, routeAtoB, func(a *Attributes) {
		a.ActiveTableSize = tableSize
		a.WrapResponse = WrapDrop
		a.Timeout = 0
	})

	check := func() {
		ch.activeMu.Lock()
		defer ch.activeMu.Unlock()

		inFlight := ch.active.currentCID - ch.active.oldestCID
		if inFlight > tableSize {
			t.Fatalf("in flight %d exceeds %d", inFlight, tableSize)
		}
	}

	nextAck := uint64(0)

	for i := 0; i < 30; i++ {
		mustStore(t, ch, "op")
		mustLoad(t, ch)
		check()

		if i%3 == 2 {
			var flags Flags

			record, _ := bpv6.EncodeACS([]bpv6.Range{{Lo: nextAck, Hi: nextAck + 1}}, 64, &flags)
			if err := ch.processSignal(record, &flags); err != nil {
				t.Fatal(err)
			}

			nextAck += 2
			check()
		}
	}

	stats, _ := ch.LatchStats()
	if stats.Active != uint32(ch.active.currentCID-ch.active.oldestCID) {
		t.Fatalf("latched active %d != window %d", stats.Active, ch.active.currentCID-ch.active.oldestCID)
	}
}

func Test_Config_Reads_Back_Written_Options(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, nil)

	cases := []struct {
		opt Option
		val int
	}{
		{OptLifetime, 120},
		{OptRequestCustody, 0},
		{OptIntegrityCheck, 0},
		{OptTimeout, 30},
		{OptMaxLength, 2048},
		{OptCIDReuse, 1},
		{OptDACSRate, 9},
		{OptCipherSuite, bpv6.BIBCRC32Castagnoli},
	}

	for _, c := range cases {
		v := c.val
		if err := ch.Config(ModeWrite, c.opt, &v); err != nil {
			t.Fatalf("write opt %d: %v", c.opt, err)
		}

		var got int
		if err := ch.Config(ModeRead, c.opt, &got); err != nil {
			t.Fatalf("read opt %d: %v", c.opt, err)
		}

		if got != c.val {
			t.Fatalf("opt %d = %d, want %d", c.opt, got, c.val)
		}
	}

	bad := 7
	if err := ch.Config(ModeWrite, OptRequestCustody, &bad); !errors.Is(err, ErrParameter) {
		t.Fatalf("bool write 7: %v, want ErrParameter", err)
	}

	if err := ch.Config(ModeWrite, OptCipherSuite, &bad); !errors.Is(err, ErrInvalidCipher) {
		t.Fatalf("cipher write 7: %v, want ErrInvalidCipher", err)
	}
}

func Test_Operations_Fail_When_Channel_Closed(t *testing.T) {
	t.Parallel()

	ch, _ := openTest(t, routeAtoB, nil)

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	var flags Flags

	if err := ch.Store([]byte("x"), storage.Check, &flags); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("store: %v, want ErrInvalidHandle", err)
	}

	if _, err := ch.Load(storage.Check, &flags); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("load: %v, want ErrInvalidHandle", err)
	}

	if _, err := ch.LatchStats(); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("latchstats: %v, want ErrInvalidHandle", err)
	}
}

func Test_Open_Rejects_Unsupported_Configurations(t *testing.T) {
	t.Parallel()

	attr := DefaultAttributes()
	attr.RetransmitOrder = RetxSmallestCID

	if _, err := Open(routeAtoB, storage.NewRAM(), attr); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("smallest-cid order: %v, want ErrUnsupported", err)
	}

	attr = DefaultAttributes()
	attr.ProtocolVersion = 7

	if _, err := Open(routeAtoB, storage.NewRAM(), attr); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("version 7: %v, want ErrUnsupported", err)
	}

	if _, err := Open(routeAtoB, nil, DefaultAttributes()); !errors.Is(err, ErrParameter) {
		t.Fatalf("nil store: %v, want ErrParameter", err)
	}
}
