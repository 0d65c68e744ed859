package objtrace

import "sync/atomic"

// Flags is the atomic per-slot flag word. Worker threads race to set
// FlagReachable on shared objects, so every mutation goes through a
// compare-and-swap loop.
type Flags uint32

const (
	// FlagReachable marks an object found alive during the current pass.
	FlagReachable Flags = 1 << iota
	// FlagUnreachable marks an object the last completed pass failed to reach.
	FlagUnreachable
	// FlagPendingKill marks an object scheduled for removal; weak handles
	// resolve to nil for it unless explicitly asked otherwise.
	FlagPendingKill
	// FlagRootSet marks an object that is never collected.
	FlagRootSet
	// FlagClusterRoot marks the anchor object of a cluster.
	FlagClusterRoot
	// FlagLoading marks an object whose reference picture is not stable yet.
	// Such objects are never folded into clusters.
	FlagLoading
)

// Item is one slot of the object table.
//
// The owner word is overloaded the same way the table index space is: zero
// means standalone, a positive value is the table index of the cluster root
// owning this object, and a negative value -(n+1) means this object is
// itself the root of cluster n.
type Item struct {
	obj    *Object
	flags  atomic.Uint32
	owner  atomic.Int32
	serial atomic.Uint32
}

func (it *Item) Object() *Object {
	return it.obj
}

func (it *Item) SerialNumber() uint32 {
	return it.serial.Load()
}

// FlagsValue returns the current flag word as a whole.
func (it *Item) FlagsValue() Flags {
	return Flags(it.flags.Load())
}

// HasFlag reports whether every bit of f is set.
func (it *Item) HasFlag(f Flags) bool {
	return Flags(it.flags.Load())&f == f
}

// HasAnyFlag reports whether any bit of f is set.
func (it *Item) HasAnyFlag(f Flags) bool {
	return Flags(it.flags.Load())&f != 0
}

// TrySetFlag sets f and reports whether this call was the one that set it.
// Returns false when another thread won the race or f was already set.
func (it *Item) TrySetFlag(f Flags) bool {
	for {
		old := it.flags.Load()
		if Flags(old)&f == f {
			return false
		}
		if it.flags.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

// SetFlag sets f unconditionally (still CAS-looped for concurrent readers).
func (it *Item) SetFlag(f Flags) {
	for {
		old := it.flags.Load()
		if it.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears f.
func (it *Item) ClearFlag(f Flags) {
	for {
		old := it.flags.Load()
		if it.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// OwnerIndex returns the table index of the cluster root owning this object,
// or 0 when the object is standalone or itself a cluster root.
func (it *Item) OwnerIndex() Ref {
	o := it.owner.Load()
	if o <= 0 {
		return NilRef
	}
	return Ref(o)
}

// SetOwnerIndex records the owning cluster root. Zero resets to standalone.
func (it *Item) SetOwnerIndex(root Ref) {
	it.owner.Store(int32(root))
}

// ClusterIndex returns the index of the cluster this object anchors,
// or -1 when the object is not a cluster root.
func (it *Item) ClusterIndex() int {
	o := it.owner.Load()
	if o >= 0 {
		return -1
	}
	return int(-o - 1)
}

// SetClusterIndex marks this object as the root of cluster n.
func (it *Item) SetClusterIndex(n int) {
	it.owner.Store(int32(-(n + 1)))
}

func (it *Item) resetOwner() {
	it.owner.Store(0)
}
