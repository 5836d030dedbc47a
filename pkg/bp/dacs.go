package bp

import (
	"fmt"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bpv6"
	"github.com/calvinalkan/bpagent/pkg/rhhash"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

// treeDegree sizes the interval tree nodes; trees stay small (bounded
// by max_gaps_per_dacs), so a low degree keeps them shallow and cheap.
const treeDegree = 8

// custodian aggregates acknowledgments owed to one custody source: a
// tree of contiguous custody-ID ranges already received, and the
// prebuilt bundle template the periodic signal is emitted through.
type custodian struct {
	node     bpv6.IPN
	service  bpv6.IPN
	tree     *btree.BTreeG[bpv6.Range]
	template *bpv6.Template
	lastSent uint64
	minSeen  uint64
	seenAny  bool
}

// aggregator is the per-channel DACS state: custody sources indexed by
// endpoint, each carrying its own gap/fill tree. The channel's DACS
// lock guards every access.
type aggregator struct {
	sources *rhhash.Table[*custodian]

	store  storage.Service
	handle int
	log    *zap.Logger

	route    Route
	maxFills int
	maxGaps  int
}

func newAggregator(route Route, attr *Attributes, store storage.Service, handle int, log *zap.Logger) (*aggregator, error) {
	sources, err := rhhash.New[*custodian](attr.MaxConcurrentDACS)
	if err != nil {
		return nil, fmt.Errorf("custodian index: %w", err)
	}

	return &aggregator{
		sources:  sources,
		store:    store,
		handle:   handle,
		log:      log,
		route:    route,
		maxFills: attr.MaxFillsPerDACS,
		maxGaps:  attr.MaxGapsPerDACS,
	}, nil
}

// sourceKey packs a custody source endpoint into the index key. CBHE
// node and service numbers fit 32 bits each.
func sourceKey(node, service bpv6.IPN) uint64 {
	return uint64(node)<<32 | uint64(service&0xFFFFFFFF)
}

func rangeLess(a, b bpv6.Range) bool { return a.Lo < b.Lo }

// source returns the custodian for (node, service), creating it if
// needed. Past the concurrent-source bound, the least recently
// acknowledged source is flushed and evicted to make room.
func (a *aggregator) source(node, service bpv6.IPN, now uint64, flags *Flags) (*custodian, error) {
	key := sourceKey(node, service)

	if c, ok := a.sources.Get(key); ok {
		// Touch: keep the time order tracking last acknowledgment.
		_ = a.sources.Add(key, c, true)

		return c, nil
	}

	if a.sources.Len() == a.sources.Cap() {
		victimKey, victim, _ := a.sources.Oldest()

		if err := a.emit(victim, now, flags); err != nil {
			return nil, err
		}

		_ = a.sources.Remove(victimKey)

		a.log.Debug("evicted custody source",
			zap.Uint64("node", uint64(victim.node)),
			zap.Uint64("service", uint64(victim.service)))
	}

	tmpl := bpv6.NewTemplate(Route{
		LocalNode:          a.route.LocalNode,
		LocalService:       a.route.LocalService,
		DestinationNode:    node,
		DestinationService: service,
	})
	tmpl.AdminRecord = true

	c := &custodian{
		node:     node,
		service:  service,
		tree:     btree.NewG(treeDegree, rangeLess),
		template: tmpl,
	}

	if err := a.sources.Add(key, c, false); err != nil {
		return nil, fmt.Errorf("custodian index: %w", err)
	}

	return c, nil
}

// acknowledge records custody of cid for the given source. Emission
// happens immediately when the tree cannot absorb the ID within its
// bounds, otherwise on the next periodic check.
func (a *aggregator) acknowledge(node, service bpv6.IPN, cid uint64, now uint64, flags *Flags) error {
	c, err := a.source(node, service, now, flags)
	if err != nil {
		return err
	}

	if c.seenAny && cid < c.minSeen {
		flags.Set(FlagCIDWentBackwards)
	}

	if !c.seenAny || cid < c.minSeen {
		c.minSeen = cid
		c.seenAny = true
	}

	// A gap too wide for one fill value cannot ride in the same
	// signal; emit what is pending and restart the tree at cid.
	if max, ok := c.tree.Max(); ok && cid > max.Hi+1 && cid-max.Hi-1 > bpv6.MaxFill {
		flags.Set(FlagFillOverflow)

		if err := a.emit(c, now, flags); err != nil {
			return err
		}
	}

	return a.insert(c, cid, now, flags)
}

// insert merges cid into the custodian's range tree.
func (a *aggregator) insert(c *custodian, cid uint64, now uint64, flags *Flags) error {
	var (
		prev    bpv6.Range
		hasPrev bool
	)

	c.tree.DescendLessOrEqual(bpv6.Range{Lo: cid}, func(r bpv6.Range) bool {
		prev, hasPrev = r, true

		return false
	})

	if hasPrev && cid <= prev.Hi {
		flags.Set(FlagDuplicates)

		return nil
	}

	var (
		next    bpv6.Range
		hasNext bool
	)

	c.tree.AscendGreaterOrEqual(bpv6.Range{Lo: cid + 1}, func(r bpv6.Range) bool {
		next, hasNext = r, true

		return false
	})

	growsLeft := hasPrev && prev.Hi+1 == cid
	growsRight := hasNext && next.Lo == cid+1

	if !growsLeft && !growsRight && c.tree.Len() >= a.maxGaps {
		// A fresh range will not fit; flush the tree first.
		flags.Set(FlagRBTreeFull)

		if err := a.emit(c, now, flags); err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTreeFull, err)
		}
	}

	merged := bpv6.Range{Lo: cid, Hi: cid}

	if growsLeft {
		c.tree.Delete(prev)
		merged.Lo = prev.Lo
	}

	if growsRight {
		c.tree.Delete(next)
		merged.Hi = next.Hi
	}

	c.tree.ReplaceOrInsert(merged)

	return nil
}

// fillCount returns the number of fill and gap values the tree would
// serialize to.
func (c *custodian) fillCount() int {
	if c.tree.Len() == 0 {
		return 0
	}

	return 2*c.tree.Len() - 1
}

// check emits any custody signal whose cadence or size bound is due.
func (a *aggregator) check(now uint64, rate uint64, flags *Flags) error {
	var firstErr error

	a.sources.All()(func(_ uint64, c *custodian) bool {
		if c.tree.Len() == 0 {
			return true
		}

		if now >= c.lastSent+rate || c.fillCount() >= a.maxFills {
			if err := a.emit(c, now, flags); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		return true
	})

	return firstErr
}

// emit serializes the custodian's pending ranges as an aggregate
// custody signal bundle and enqueues it on the custody-signal store.
// Ranges that do not fit within the fill bound stay in the tree for
// the next signal.
func (a *aggregator) emit(c *custodian, now uint64, flags *Flags) error {
	if c.tree.Len() == 0 {
		return nil
	}

	ranges := make([]bpv6.Range, 0, c.tree.Len())
	c.tree.Ascend(func(r bpv6.Range) bool {
		ranges = append(ranges, r)

		return true
	})

	record, consumed := bpv6.EncodeACS(ranges, a.maxFills, flags)

	data, err := c.template.Encode(record, true, now, flags)
	if err != nil {
		return fmt.Errorf("build custody signal: %w", err)
	}

	if err := a.store.Enqueue(a.handle, bpv6.EncodeStored(data), record, storage.Check); err != nil {
		return fmt.Errorf("%w: enqueue custody signal: %w", ErrStoreFailed, err)
	}

	for _, r := range ranges[:consumed] {
		c.tree.Delete(r)
	}

	c.lastSent = now

	a.log.Debug("custody signal enqueued",
		zap.Uint64("node", uint64(c.node)),
		zap.Uint64("service", uint64(c.service)),
		zap.Int("ranges", consumed))

	return nil
}
