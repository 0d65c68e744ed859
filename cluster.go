package objtrace

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/objtrace/objtrace/utils"
)

var (
	ErrAlreadyClusterRoot = errors.New("object is already a cluster root")
	ErrAlreadyClustered   = errors.New("object already belongs to a cluster")
	ErrNotClustered       = errors.New("object does not belong to any cluster")
)

// Cluster is a precomputed group of objects the collector treats as one
// unit. Membership is fixed at creation; the only structural mutations
// afterwards are appending mutable references and complete dissolution.
type Cluster struct {
	// RootIndex anchors the cluster; NilRef marks a free slot.
	RootIndex Ref
	// Objects are the members exclusively owned by the cluster, sorted.
	Objects []Ref
	// MutableObjects are referenced but not owned: targets that were
	// ineligible for folding (still loading, rooted, opted out). Sorted.
	MutableObjects []Ref
	// ReferencedClusters holds the root indices of every cluster this
	// cluster points into, flattened transitively at creation time so
	// cross-cluster marking is O(1) at trace time.
	ReferencedClusters []Ref
	// ReferencedByClusters holds the reverse edges; dissolution cascades
	// along them.
	ReferencedByClusters []Ref
	// NeedsDissolving defers teardown to the next DissolveClusters sweep.
	NeedsDissolving bool
}

func (c *Cluster) isFree() bool { return c.RootIndex == NilRef }

// Clusters owns every cluster. Structural mutation (creation, dissolution)
// is single-threaded by contract and must happen outside a parallel trace
// window; flag-bit reads during a trace are lock-free via the object table.
type Clusters struct {
	table *Table
	reg   *TypeRegistry
	pool  *arrayPool
	log   utils.Logger
	stats *collectStats

	minClusterSize int

	clusters       []Cluster
	freeSlots      utils.Heap[int32]
	allocated      int
	needDissolving bool
}

func newClusters(table *Table, reg *TypeRegistry, pool *arrayPool, log utils.Logger, minSize int) *Clusters {
	return &Clusters{
		table:          table,
		reg:            reg,
		pool:           pool,
		log:            log,
		stats:          newCollectStats(),
		minClusterSize: minSize,
	}
}

// Allocated returns the number of live clusters.
func (c *Clusters) Allocated() int { return c.allocated }

// Count returns the number of cluster slots ever created, free ones included.
func (c *Clusters) Count() int { return len(c.clusters) }

// At returns the cluster in slot ci. The pointer is valid until the next
// allocation; callers must not hold it across structural mutations.
func (c *Clusters) At(ci int) *Cluster {
	if ci < 0 || ci >= len(c.clusters) {
		panic(fmt.Sprintf("objtrace: cluster index %d out of range [0, %d)", ci, len(c.clusters)))
	}
	return &c.clusters[ci]
}

// ForEach visits every live cluster.
func (c *Clusters) ForEach(fn func(ci int, cl *Cluster)) {
	for i := range c.clusters {
		if !c.clusters[i].isFree() {
			fn(i, &c.clusters[i])
		}
	}
}

// allocateCluster takes a slot from the free heap, lowest index first, or
// grows the slot array.
func (c *Clusters) allocateCluster(root Ref) int {
	var ci int
	if c.freeSlots.Len() > 0 {
		ci = int(c.freeSlots.Pop())
	} else {
		c.clusters = append(c.clusters, Cluster{})
		ci = len(c.clusters) - 1
	}
	c.clusters[ci].RootIndex = root
	c.allocated++
	return ci
}

// freeCluster severs this cluster's forward edges and returns the slot to
// the free heap. Reverse edges are the caller's business: dissolution walks
// them, discarding walks know there are none.
func (c *Clusters) freeCluster(ci int) {
	cl := &c.clusters[ci]
	for _, rc := range cl.ReferencedClusters {
		it := c.table.ItemAt(rc)
		if rcCi := it.ClusterIndex(); rcCi >= 0 {
			other := &c.clusters[rcCi]
			other.ReferencedByClusters = removeRef(other.ReferencedByClusters, cl.RootIndex)
		}
	}
	*cl = Cluster{}
	c.freeSlots.Push(int32(ci))
	c.allocated--
}

// rootOf resolves an object to its cluster root and slot: the object itself
// when it is a root, its owner when it is a member.
func (c *Clusters) rootOf(ix Ref) (Ref, int, error) {
	it := c.table.ItemAt(ix)
	if ci := it.ClusterIndex(); ci >= 0 {
		return ix, ci, nil
	}
	if owner := it.OwnerIndex(); owner != NilRef {
		rootIt := c.table.ItemAt(owner)
		ci := rootIt.ClusterIndex()
		if ci < 0 {
			panic(fmt.Sprintf("objtrace: owner %d of object %d is not a cluster root", owner, ix))
		}
		return owner, ci, nil
	}
	return NilRef, -1, ErrNotClustered
}

// clusterProcessor folds the reference closure of a root into a cluster.
// Runs strictly single-threaded.
type clusterProcessor struct {
	c      *Clusters
	rootIx Ref
	cl     *Cluster
}

func (p *clusterProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	ix := slot.Ref
	if ix == NilRef || ix == p.rootIx {
		return
	}
	it := p.c.table.ItemAt(ix)
	if it.Object() == nil {
		if kind == refStrong {
			slot.Ref = NilRef
		}
		return
	}
	if owner := it.OwnerIndex(); owner != NilRef {
		if owner == p.rootIx {
			return // already folded
		}
		p.addReferencedCluster(owner)
		return
	}
	if ci := it.ClusterIndex(); ci >= 0 {
		p.addReferencedCluster(ix)
		return
	}
	if !p.canFold(it) {
		p.cl.MutableObjects = appendUnique(p.cl.MutableObjects, ix)
		return
	}
	it.SetOwnerIndex(p.rootIx)
	p.cl.Objects = append(p.cl.Objects, ix)
	sched.schedule(ix)
}

// canFold is the clustering eligibility check: a complete, stable, unrooted
// object whose type did not opt out.
func (p *clusterProcessor) canFold(it *Item) bool {
	if it.HasAnyFlag(FlagLoading | FlagRootSet | FlagPendingKill) {
		return false
	}
	return !p.c.reg.Stream(it.Object().Type).noCluster
}

// addReferencedCluster records an edge to another cluster, merging that
// cluster's flattened edge sets instead of re-walking it.
func (p *clusterProcessor) addReferencedCluster(root Ref) {
	other := p.c.clusters[p.c.table.ItemAt(root).ClusterIndex()]
	p.cl.ReferencedClusters = appendUnique(p.cl.ReferencedClusters, root)
	for _, rc := range other.ReferencedClusters {
		if rc != p.rootIx {
			p.cl.ReferencedClusters = appendUnique(p.cl.ReferencedClusters, rc)
		}
	}
	for _, m := range other.MutableObjects {
		p.cl.MutableObjects = appendUnique(p.cl.MutableObjects, m)
	}
}

// CreateCluster groups root and everything exclusively reachable from it
// into a new cluster. A closure smaller than the configured minimum is
// discarded and every touched object reverts to standalone; that outcome is
// not an error.
func (c *Clusters) CreateCluster(root Ref) error {
	it := c.table.ItemAt(root)
	if it.Object() == nil {
		return errors.Wrapf(ErrNotClustered, "object %d is freed", root)
	}
	if it.ClusterIndex() >= 0 {
		return errors.Wrapf(ErrAlreadyClusterRoot, "object %d", root)
	}
	if it.OwnerIndex() != NilRef {
		return errors.Wrapf(ErrAlreadyClustered, "object %d owned by %d", root, it.OwnerIndex())
	}
	if it.HasAnyFlag(FlagLoading) {
		panic(fmt.Sprintf("objtrace: creating cluster from still-loading object %d", root))
	}

	ci := c.allocateCluster(root)
	cl := &c.clusters[ci]
	it.SetClusterIndex(ci)
	it.SetFlag(FlagClusterRoot)

	c.populate(root, cl)

	if len(cl.Objects)+1 < c.minClusterSize {
		// too small to pay off: undo everything
		for _, m := range cl.Objects {
			c.table.ItemAt(m).resetOwner()
		}
		it.ClearFlag(FlagClusterRoot)
		it.resetOwner()
		c.freeCluster(ci)
		return nil
	}

	c.linkReferenced(cl)
	clustersCreated.Inc()
	return nil
}

// populate runs the clustering walk from seed and normalizes the edge sets.
func (c *Clusters) populate(seed Ref, cl *Cluster) {
	proc := &clusterProcessor{c: c, rootIx: cl.RootIndex, cl: cl}
	collect(c.table, c.reg, c.pool, c.stats,
		func() *clusterProcessor { return proc },
		[]Ref{seed}, false, 0, 0, false)

	slices.Sort(cl.Objects)
	cl.Objects = slices.Compact(cl.Objects)
	slices.Sort(cl.MutableObjects)
	cl.MutableObjects = slices.Compact(cl.MutableObjects)
	slices.Sort(cl.ReferencedClusters)
	cl.ReferencedClusters = slices.Compact(cl.ReferencedClusters)
}

// linkReferenced makes every referenced cluster's reverse edge point back
// here. Idempotent.
func (c *Clusters) linkReferenced(cl *Cluster) {
	for _, rc := range cl.ReferencedClusters {
		rcCi := c.table.ItemAt(rc).ClusterIndex()
		if rcCi < 0 {
			panic(fmt.Sprintf("objtrace: referenced cluster root %d has no cluster", rc))
		}
		other := &c.clusters[rcCi]
		other.ReferencedByClusters = appendUnique(other.ReferencedByClusters, cl.RootIndex)
	}
}

// AddToCluster extends the cluster containing anchor with obj: either by
// folding obj's own reference closure in, or, asMutable, by recording it as
// referenced-not-owned without walking it at all.
func (c *Clusters) AddToCluster(anchor, obj Ref, asMutable bool) error {
	root, ci, err := c.rootOf(anchor)
	if err != nil {
		return errors.Wrapf(err, "anchor %d", anchor)
	}
	it := c.table.ItemAt(obj)
	if it.Object() == nil {
		return errors.Wrapf(ErrNotClustered, "object %d is freed", obj)
	}
	if it.HasAnyFlag(FlagLoading) {
		// clustering must never run on partially-initialized state
		panic(fmt.Sprintf("objtrace: adding still-loading object %d to cluster of %d", obj, root))
	}
	cl := &c.clusters[ci]
	if asMutable {
		cl.MutableObjects = insertSorted(cl.MutableObjects, obj)
		return nil
	}
	if it.OwnerIndex() == root {
		return nil
	}
	if it.OwnerIndex() != NilRef || it.ClusterIndex() >= 0 {
		return errors.Wrapf(ErrAlreadyClustered, "object %d", obj)
	}
	it.SetOwnerIndex(root)
	cl.Objects = append(cl.Objects, obj)
	c.populate(obj, cl)
	c.linkReferenced(cl)
	return nil
}

// DissolveCluster tears down the cluster containing ix and cascades to every
// cluster that referenced it, since their flattened edge snapshots are now
// stale. Dissolution is synchronous; there is no partially-dissolved state
// visible to the caller.
func (c *Clusters) DissolveCluster(ix Ref) error {
	root, ci, err := c.rootOf(ix)
	if err != nil {
		return err
	}
	c.dissolve(root, ci, false)
	return nil
}

// DissolveClusterAndMarkObjectsAsUnreachable is the harsh variant used when
// the root itself has become invalid: members are explicitly flagged
// unreachable before teardown, and every dependent cluster's root is
// force-flagged unreachable before the cascade recurses.
func (c *Clusters) DissolveClusterAndMarkObjectsAsUnreachable(ix Ref) error {
	root, ci, err := c.rootOf(ix)
	if err != nil {
		return err
	}
	c.dissolve(root, ci, true)
	return nil
}

func (c *Clusters) dissolve(root Ref, ci int, markUnreachable bool) {
	cl := &c.clusters[ci]
	for _, m := range cl.Objects {
		mIt := c.table.ItemAt(m)
		mIt.resetOwner()
		if markUnreachable {
			mIt.SetFlag(FlagUnreachable)
		}
	}
	rootIt := c.table.ItemAt(root)
	rootIt.ClearFlag(FlagClusterRoot)
	rootIt.resetOwner()

	dependents := slices.Clone(cl.ReferencedByClusters)
	c.freeCluster(ci)
	clustersDissolved.Inc()

	for _, rb := range dependents {
		rbIt := c.table.ItemAt(rb)
		rbCi := rbIt.ClusterIndex()
		if rbCi < 0 {
			continue // already gone through another cascade path
		}
		if markUnreachable {
			rbIt.SetFlag(FlagUnreachable)
		}
		c.dissolve(rb, rbCi, markUnreachable)
	}
}

// MarkForDissolve flags the cluster containing ix for the next sweep.
// Call it when a cluster member is mutated externally.
func (c *Clusters) MarkForDissolve(ix Ref) error {
	_, ci, err := c.rootOf(ix)
	if err != nil {
		return err
	}
	c.clusters[ci].NeedsDissolving = true
	c.needDissolving = true
	return nil
}

// DissolveClusters sweeps every cluster flagged for dissolution, or all of
// them when forced. Applied only at controlled points, never mid-trace.
func (c *Clusters) DissolveClusters(force bool) {
	if !force && !c.needDissolving {
		return
	}
	for ci := range c.clusters {
		cl := &c.clusters[ci]
		if cl.isFree() || !(force || cl.NeedsDissolving) {
			continue
		}
		c.dissolve(cl.RootIndex, ci, false)
	}
	c.needDissolving = false
}

// Verify checks the mutual-consistency invariants: every root item decodes
// to a cluster pointing back at it, every member's owner is its cluster's
// root, and no edge names a freed cluster.
func (c *Clusters) Verify() error {
	for ci := range c.clusters {
		cl := &c.clusters[ci]
		if cl.isFree() {
			continue
		}
		rootIt := c.table.ItemAt(cl.RootIndex)
		if rootIt.ClusterIndex() != ci {
			return fmt.Errorf("cluster %d root %d decodes to cluster %d", ci, cl.RootIndex, rootIt.ClusterIndex())
		}
		if !rootIt.HasFlag(FlagClusterRoot) {
			return fmt.Errorf("cluster %d root %d missing the cluster-root flag", ci, cl.RootIndex)
		}
		for _, m := range cl.Objects {
			if owner := c.table.ItemAt(m).OwnerIndex(); owner != cl.RootIndex {
				return fmt.Errorf("cluster %d member %d has owner %d, want %d", ci, m, owner, cl.RootIndex)
			}
		}
		for _, rc := range cl.ReferencedClusters {
			if c.table.ItemAt(rc).ClusterIndex() < 0 {
				return fmt.Errorf("cluster %d references dissolved cluster root %d", ci, rc)
			}
		}
		for _, rb := range cl.ReferencedByClusters {
			if c.table.ItemAt(rb).ClusterIndex() < 0 {
				return fmt.Errorf("cluster %d referenced by dissolved cluster root %d", ci, rb)
			}
		}
	}
	return nil
}

func removeRef(s []Ref, v Ref) []Ref {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func appendUnique(s []Ref, v Ref) []Ref {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

func insertSorted(s []Ref, v Ref) []Ref {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, i, v)
}
