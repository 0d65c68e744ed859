package objtrace

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objtrace/objtrace/utils"
)

type Options struct {
	// Parallel fans the mark phase out across NumWorkers goroutines.
	// Requires every token stream to be assembled up front; CollectGarbage
	// runs AssembleAll before the first parallel pass.
	Parallel   bool
	NumWorkers int
	// ObjectsPerSubTask is the chunk size above which discovered work is
	// carved off and dispatched instead of processed inline.
	ObjectsPerSubTask int
	// MinClusterSize discards clusters whose population ends up smaller:
	// below it, per-object tracking is cheaper than the cluster machinery.
	MinClusterSize int
	// SlowPassWarning logs a diagnostic when a full pass exceeds it.
	// Purely advisory, nothing is cancelled.
	SlowPassWarning time.Duration
	Logger          utils.Logger
}

func (o *Options) SetDefaults() {
	if o.NumWorkers == 0 {
		o.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if o.ObjectsPerSubTask == 0 {
		o.ObjectsPerSubTask = 128
	}
	if o.MinClusterSize == 0 {
		o.MinClusterSize = 5
	}
	if o.SlowPassWarning == 0 {
		o.SlowPassWarning = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

const passHistorySize = 32

// PassStats describes one completed reachability pass.
type PassStats struct {
	ID           uuid.UUID
	Started      time.Time
	Duration     time.Duration
	Visited      int64
	RefsFollowed int64
	Unreachable  int
	Clusters     int
}

// PassResult is what CollectGarbage hands back: the pass bookkeeping and
// the set of objects the pass failed to reach. The engine never frees
// anything itself; disposal is the lifecycle layer's call.
type PassResult struct {
	Stats       PassStats
	Unreachable []Ref
}

// Engine ties the object table, the type registry, the cluster container
// and the buffer pool into one explicitly-constructed service. One engine
// per object world; initialized once, torn down once.
type Engine struct {
	table    *Table
	reg      *TypeRegistry
	clusters *Clusters
	pool     *arrayPool
	opts     Options
	log      utils.Logger

	histMu  sync.Mutex
	history []PassStats
}

func New(opts Options) *Engine {
	opts.SetDefaults()
	table := NewTable()
	reg := NewTypeRegistry()
	pool := newArrayPool()
	return &Engine{
		table:    table,
		reg:      reg,
		clusters: newClusters(table, reg, pool, opts.Logger, opts.MinClusterSize),
		pool:     pool,
		opts:     opts,
		log:      opts.Logger,
	}
}

func (e *Engine) Table() *Table           { return e.table }
func (e *Engine) Registry() *TypeRegistry { return e.reg }
func (e *Engine) Clusters() *Clusters     { return e.clusters }

// NewObject allocates a payload with the given slot count and a table slot
// for it.
func (e *Engine) NewObject(t TypeID, slots int) Ref {
	return e.table.Allocate(&Object{Type: t, Data: make([]Slot, slots)})
}

// FreeObject releases the table slot. Callers own the ordering contract: an
// object must not be freed while a pass that could still reach it is
// running.
func (e *Engine) FreeObject(ix Ref) {
	e.table.Free(ix)
}

// AddRoot pins ix: it is never collected and seeds every pass.
func (e *Engine) AddRoot(ix Ref) {
	e.table.ItemAt(ix).SetFlag(FlagRootSet)
}

func (e *Engine) RemoveRoot(ix Ref) {
	e.table.ItemAt(ix).ClearFlag(FlagRootSet)
}

// MarkPendingKill schedules ix for removal: weak handles stop resolving to
// it immediately, strong references still keep it alive until freed.
func (e *Engine) MarkPendingKill(ix Ref) {
	e.table.ItemAt(ix).SetFlag(FlagPendingKill)
}

func (e *Engine) ClearPendingKill(ix Ref) {
	e.table.ItemAt(ix).ClearFlag(FlagPendingKill)
}

// reachProcessor is the mark-phase specialization: it CAS-marks discovered
// objects reachable and schedules the freshly marked ones. Clustered
// targets are resolved through their cluster's flattened edge sets instead
// of walking members.
type reachProcessor struct {
	table    *Table
	clusters *Clusters
}

func (p *reachProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	ix := slot.Ref
	if ix == NilRef {
		return
	}
	it := p.table.ItemAt(ix)
	if it.Object() == nil {
		if kind == refStrong {
			slot.Ref = NilRef // reference elimination
		}
		return
	}
	if owner := it.OwnerIndex(); owner != NilRef {
		p.markClusterRoot(sched, owner)
		return
	}
	if it.ClusterIndex() >= 0 {
		p.markClusterRoot(sched, ix)
		return
	}
	if it.TrySetFlag(FlagReachable) {
		sched.schedule(ix)
	}
}

// markClusterRoot marks a whole cluster unit reachable: the root stands for
// every member, referenced clusters are chased through the flattened edges,
// and mutable references are marked (and walked) individually.
func (p *reachProcessor) markClusterRoot(sched *scheduler, root Ref) {
	it := p.table.ItemAt(root)
	if !it.TrySetFlag(FlagReachable) {
		return
	}
	ci := it.ClusterIndex()
	if ci < 0 {
		panic(fmt.Sprintf("objtrace: cluster owner %d decodes to no cluster", root))
	}
	cl := p.clusters.At(ci)
	for _, rc := range cl.ReferencedClusters {
		p.markClusterRoot(sched, rc)
	}
	for _, m := range cl.MutableObjects {
		mIt := p.table.ItemAt(m)
		if mIt.Object() == nil {
			continue
		}
		if owner := mIt.OwnerIndex(); owner != NilRef {
			p.markClusterRoot(sched, owner)
			continue
		}
		// a mutable entry may have become a cluster root of its own since
		// this cluster was built; its flattened edges must be chased too
		if mIt.ClusterIndex() >= 0 {
			p.markClusterRoot(sched, m)
			continue
		}
		if mIt.TrySetFlag(FlagReachable) {
			sched.schedule(m)
		}
	}
}

// CollectGarbage runs one full reachability pass: dissolve pending
// clusters, clear pass flags, mark everything reachable from the root set,
// then sweep the table for what was missed. The pass always runs to
// completion; ctx only carries logging args, cancellation is not observed.
func (e *Engine) CollectGarbage(ctx context.Context) *PassResult {
	passID := uuid.New()
	ctx = utils.WithDefaultArgs(ctx, "pass", passID.String())
	started := time.Now()

	// clusters must never change shape mid-trace; this is the controlled
	// point where deferred dissolution happens
	e.clusters.DissolveClusters(false)

	// AssembleAll is a no-op for streams already materialized; running it
	// every pass picks up types registered since the last one
	if e.opts.Parallel {
		e.reg.AssembleAll()
	}

	capacity := e.table.Capacity()
	for ix := Ref(1); int32(ix) < capacity; ix++ {
		it := e.table.itemAtUnchecked(ix)
		if it.Object() != nil {
			it.ClearFlag(FlagReachable | FlagUnreachable)
		}
	}

	// seed: mark the root set (and the cluster units it pins) inline,
	// collecting the objects that actually need a token walk
	proc := &reachProcessor{table: e.table, clusters: e.clusters}
	var seedSched scheduler
	for ix := Ref(1); int32(ix) < capacity; ix++ {
		it := e.table.itemAtUnchecked(ix)
		if it.Object() == nil || !it.HasFlag(FlagRootSet) {
			continue
		}
		seed := Slot{Ref: ix}
		proc.handleReference(&seedSched, NilRef, &seed, refStable)
	}

	stats := newCollectStats()
	collect(e.table, e.reg, e.pool, stats,
		func() *reachProcessor { return &reachProcessor{table: e.table, clusters: e.clusters} },
		seedSched.discovered,
		e.opts.Parallel, e.opts.NumWorkers, e.opts.ObjectsPerSubTask, false)

	// sweep: everything not marked is unreachable; cluster members share
	// their root's verdict
	var unreachable []Ref
	for ix := Ref(1); int32(ix) < capacity; ix++ {
		it := e.table.itemAtUnchecked(ix)
		if it.Object() == nil || it.HasFlag(FlagReachable) {
			continue
		}
		if owner := it.OwnerIndex(); owner != NilRef {
			if e.table.ItemAt(owner).HasFlag(FlagReachable) {
				continue
			}
		}
		it.SetFlag(FlagUnreachable)
		unreachable = append(unreachable, ix)
	}

	elapsed := time.Since(started)
	if elapsed > e.opts.SlowPassWarning {
		e.log.WarnCtx(ctx, "slow reachability pass",
			"elapsed", elapsed, "visited", stats.visited.Value(), "capacity", capacity)
	}

	PassDuration.WithLabelValues("mark").Observe(elapsed.Seconds())
	ObjectsVisited.WithLabelValues("mark").Add(float64(stats.visited.Value()))
	ReferencesFollowed.WithLabelValues("mark").Add(float64(stats.refsSeen.Value()))
	UnreachableFound.Add(float64(len(unreachable)))

	res := &PassResult{
		Stats: PassStats{
			ID:           passID,
			Started:      started,
			Duration:     elapsed,
			Visited:      stats.visited.Value(),
			RefsFollowed: stats.refsSeen.Value(),
			Unreachable:  len(unreachable),
			Clusters:     e.clusters.Allocated(),
		},
		Unreachable: unreachable,
	}
	e.recordPass(res.Stats)
	e.log.DebugCtx(ctx, "reachability pass complete",
		"elapsed", elapsed, "visited", res.Stats.Visited, "unreachable", res.Stats.Unreachable)
	return res
}

func (e *Engine) recordPass(s PassStats) {
	e.histMu.Lock()
	e.history = append(e.history, s)
	if len(e.history) > passHistorySize {
		e.history = e.history[len(e.history)-passHistorySize:]
	}
	e.histMu.Unlock()
}

// History returns the retained stats of recent passes, oldest first.
func (e *Engine) History() []PassStats {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]PassStats, len(e.history))
	copy(out, e.history)
	return out
}

// CreateCluster, AddToCluster and the dissolve family are thin forwards to
// the cluster container; they exist so callers holding an Engine don't
// reach through it.
func (e *Engine) CreateCluster(root Ref) error { return e.clusters.CreateCluster(root) }

func (e *Engine) AddToCluster(anchor, obj Ref, asMutable bool) error {
	return e.clusters.AddToCluster(anchor, obj, asMutable)
}

func (e *Engine) DissolveCluster(ix Ref) error { return e.clusters.DissolveCluster(ix) }

// weakClearProcessor nulls weak slots whose target is gone: freed, serial
// recycled, flagged unreachable or pending kill.
type weakClearProcessor struct {
	table *Table
}

func (p *weakClearProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	if kind != refWeak || slot.Ref == NilRef {
		return
	}
	it := p.table.ItemAt(slot.Ref)
	if it.Object() == nil || it.SerialNumber() != uint32(slot.Raw) ||
		it.HasAnyFlag(FlagUnreachable|FlagPendingKill) {
		slot.Ref = NilRef
		slot.Raw = 0
	}
}

// ClearStaleWeakReferences scans every live object in weak mode and nulls
// the weak slots whose target died. Run it after CollectGarbage so the
// unreachable verdicts are current.
func (e *Engine) ClearStaleWeakReferences() {
	proc := &weakClearProcessor{table: e.table}
	w := &walker[*weakClearProcessor]{table: e.table, reg: e.reg, proc: proc, processWeak: true}
	capacity := e.table.Capacity()
	for ix := Ref(1); int32(ix) < capacity; ix++ {
		w.traceObject(ix)
	}
}

// edgeProcessor records outgoing strong edges of a single object without
// extending the traversal.
type edgeProcessor struct {
	out []Ref
}

func (p *edgeProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	if slot.Ref != NilRef && kind != refWeak {
		p.out = append(p.out, slot.Ref)
	}
}

// OutgoingRefs enumerates the direct strong references of ix via its token
// stream. Diagnostic surface; the snapshot store and the inspection shell
// are built on it.
func (e *Engine) OutgoingRefs(ix Ref) []Ref {
	it := e.table.ItemAt(ix)
	if it.Object() == nil {
		return nil
	}
	proc := &edgeProcessor{}
	w := &walker[*edgeProcessor]{table: e.table, reg: e.reg, proc: proc}
	w.traceObject(ix)
	return proc.out
}

// verifyProcessor re-traces the graph single-threaded and records any
// strong edge landing on an object the last pass flagged unreachable.
type verifyProcessor struct {
	table      *Table
	seen       map[Ref]struct{}
	violations []string
}

func (p *verifyProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	ix := slot.Ref
	if ix == NilRef || kind == refWeak {
		return
	}
	it := p.table.ItemAt(ix)
	if it.Object() == nil {
		return
	}
	if it.HasFlag(FlagUnreachable) {
		p.violations = append(p.violations,
			fmt.Sprintf("object %d reachable from %d but flagged unreachable", ix, referencer))
	}
	if _, ok := p.seen[ix]; ok {
		return
	}
	p.seen[ix] = struct{}{}
	sched.schedule(ix)
}

// Verify re-runs the trace from the root set, ignoring clusters, and
// reports any object that is reachable yet flagged unreachable by the last
// pass. Diagnostic, single-threaded, and oblivious to the reachability
// flags it checks.
func (e *Engine) Verify() error {
	proc := &verifyProcessor{table: e.table, seen: make(map[Ref]struct{})}
	var seeds []Ref
	capacity := e.table.Capacity()
	for ix := Ref(1); int32(ix) < capacity; ix++ {
		it := e.table.itemAtUnchecked(ix)
		if it.Object() != nil && it.HasFlag(FlagRootSet) {
			proc.seen[ix] = struct{}{}
			seeds = append(seeds, ix)
		}
	}
	stats := newCollectStats()
	collect(e.table, e.reg, e.pool, stats,
		func() *verifyProcessor { return proc },
		seeds, false, 0, 0, false)
	if len(proc.violations) > 0 {
		return fmt.Errorf("verify failed: %d violations, first: %s", len(proc.violations), proc.violations[0])
	}
	return nil
}

// DrainPools releases the recycled trace buffers between passes.
func (e *Engine) DrainPools() {
	e.pool.Drain()
}
