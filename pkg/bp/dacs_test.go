package bp

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// openAggregator builds an aggregator over a fresh RAM queue.
func openAggregator(t *testing.T, mutate func(*Attributes)) (*aggregator, storage.Service, int) {
	t.Helper()

	svc := storage.NewRAM()

	handle, err := svc.Create(nil)
	if err != nil {
		t.Fatal(err)
	}

	attr := DefaultAttributes()
	if mutate != nil {
		mutate(&attr)
	}

	agg, err := newAggregator(routeBtoA, &attr, svc, handle, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	return agg, svc, handle
}

// drainSignal dequeues one emitted custody signal and decodes the
// acknowledged CIDs out of it.
func drainSignal(t *testing.T, svc storage.Service, handle int) []uint64 {
	t.Helper()

	obj, err := svc.Dequeue(handle, storage.Check)
	if err != nil {
		t.Fatalf("dequeue signal: %v", err)
	}

	data, err := bpv6.DecodeStored(obj.Data)
	if err != nil {
		t.Fatalf("decode stored signal: %v", err)
	}

	var flags Flags

	r, err := bpv6.Decode(data.Header[:data.BundleSize], 0, &flags)
	if err != nil {
		t.Fatalf("decode signal bundle: %v", err)
	}

	if r.Disposition != bpv6.CustodySignal {
		t.Fatalf("disposition %d, want CustodySignal", r.Disposition)
	}

	var cids []uint64

	if _, err := bpv6.DecodeACS(r.Record, &flags, func(cid uint64) { cids = append(cids, cid) }); err != nil {
		t.Fatalf("decode acs: %v", err)
	}

	return cids
}

func Test_Emitted_Signal_Decodes_To_Inserted_CIDs(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, nil)

	var flags Flags

	for _, cid := range []uint64{1, 2, 3, 5, 7, 8} {
		if err := agg.acknowledge(42, 7, cid, 0, &flags); err != nil {
			t.Fatalf("acknowledge %d: %v", cid, err)
		}
	}

	if flags != 0 {
		t.Fatalf("flags after in-order inserts: %s", flags)
	}

	// Cadence due at rate seconds.
	if err := agg.check(DefaultDACSRate, DefaultDACSRate, &flags); err != nil {
		t.Fatal(err)
	}

	got := drainSignal(t, svc, handle)

	want := []uint64{1, 2, 3, 5, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func Test_Acknowledge_Flags_Backwards_When_CIDs_Arrive_Out_Of_Order(t *testing.T) {
	t.Parallel()

	agg, _, _ := openAggregator(t, nil)

	var flags Flags

	for _, cid := range []uint64{5, 1, 2, 3} {
		if err := agg.acknowledge(42, 7, cid, 0, &flags); err != nil {
			t.Fatalf("acknowledge %d: %v", cid, err)
		}
	}

	if !flags.Has(FlagCIDWentBackwards) {
		t.Fatal("cidwentbackwards flag not set")
	}
}

func Test_Acknowledge_Flags_Duplicates_When_CID_Repeats(t *testing.T) {
	t.Parallel()

	agg, _, _ := openAggregator(t, nil)

	var flags Flags

	if err := agg.acknowledge(42, 7, 4, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if err := agg.acknowledge(42, 7, 4, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if !flags.Has(FlagDuplicates) {
		t.Fatal("duplicates flag not set")
	}
}

func Test_Acknowledge_Emits_Early_When_Gap_Exceeds_Max_Fill(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, nil)

	var flags Flags

	if err := agg.acknowledge(42, 7, 1, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if err := agg.acknowledge(42, 7, bpv6.MaxFill+100, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if !flags.Has(FlagFillOverflow) {
		t.Fatal("filloverflow flag not set")
	}

	// The pending tree flushed before the distant CID was recorded.
	got := drainSignal(t, svc, handle)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("flushed signal = %v, want [1]", got)
	}
}

func Test_Acknowledge_Flushes_When_Range_Slots_Exhausted(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, func(a *Attributes) { a.MaxGapsPerDACS = 2 })

	var flags Flags

	// Two disjoint ranges fill the tree; a third forces a flush.
	for _, cid := range []uint64{1, 5, 9} {
		if err := agg.acknowledge(42, 7, cid, 0, &flags); err != nil {
			t.Fatalf("acknowledge %d: %v", cid, err)
		}
	}

	if !flags.Has(FlagRBTreeFull) {
		t.Fatal("rbtreefull flag not set")
	}

	got := drainSignal(t, svc, handle)
	if len(got) != 2 || got[0] != 1 || got[1] != 5 {
		t.Fatalf("flushed signal = %v, want [1 5]", got)
	}
}

func Test_Oldest_Source_Evicted_When_Concurrent_Bound_Reached(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, func(a *Attributes) { a.MaxConcurrentDACS = 2 })

	var flags Flags

	if err := agg.acknowledge(10, 1, 100, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if err := agg.acknowledge(20, 1, 200, 0, &flags); err != nil {
		t.Fatal(err)
	}

	// A third source evicts the least recently acknowledged (10.1),
	// flushing its pending signal on the way out.
	if err := agg.acknowledge(30, 1, 300, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if agg.sources.Len() != 2 {
		t.Fatalf("sources = %d, want 2", agg.sources.Len())
	}

	if _, ok := agg.sources.Get(sourceKey(10, 1)); ok {
		t.Fatal("evicted source still indexed")
	}

	got := drainSignal(t, svc, handle)
	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("eviction flush = %v, want [100]", got)
	}
}

func Test_Ranges_Beyond_Fill_Budget_Stay_For_Next_Signal(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, func(a *Attributes) { a.MaxFillsPerDACS = 3 })

	var flags Flags

	for _, cid := range []uint64{1, 3, 5} {
		if err := agg.acknowledge(42, 7, cid, 0, &flags); err != nil {
			t.Fatal(err)
		}
	}

	if err := agg.check(DefaultDACSRate, DefaultDACSRate, &flags); err != nil {
		t.Fatal(err)
	}

	if !flags.Has(FlagTooManyFills) {
		t.Fatal("toomanyfills flag not set")
	}

	got := drainSignal(t, svc, handle)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("first signal = %v, want [1 3]", got)
	}

	// The unconsumed range goes out with the next emission.
	if err := agg.check(2*DefaultDACSRate, DefaultDACSRate, &flags); err != nil {
		t.Fatal(err)
	}

	got = drainSignal(t, svc, handle)
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("second signal = %v, want [5]", got)
	}
}

func Test_Check_Does_Nothing_When_Cadence_Not_Due(t *testing.T) {
	t.Parallel()

	agg, svc, handle := openAggregator(t, nil)

	var flags Flags

	if err := agg.acknowledge(42, 7, 1, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if err := agg.check(DefaultDACSRate-1, DefaultDACSRate, &flags); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Dequeue(handle, storage.Check); !errors.Is(err, storage.ErrTimeout) {
		t.Fatalf("early emission: %v, want ErrTimeout", err)
	}

	// The cadence boundary releases it.
	if err := agg.check(DefaultDACSRate, DefaultDACSRate, &flags); err != nil {
		t.Fatal(err)
	}

	if got := drainSignal(t, svc, handle); len(got) != 1 || got[0] != 1 {
		t.Fatalf("signal = %v, want [1]", got)
	}
}
