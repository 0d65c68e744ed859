package objtrace

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	tableChunkShift = 16
	tableChunkSize  = 1 << tableChunkShift // items per chunk
)

var ErrSlotInUse = fmt.Errorf("object table slot already in use")

// Table is the global object table: a growable, chunked array mapping dense
// indices to live object entries. Growth appends whole chunks and never moves
// existing items, so an *Item obtained through ItemAt stays valid until the
// table itself is torn down. Index 0 is reserved as the nil reference.
type Table struct {
	mu     sync.Mutex
	chunks []*[tableChunkSize]Item
	next   atomic.Int32 // first never-allocated index
	free   []Ref        // freed indices eligible for reuse
	serial atomic.Uint32
	live   atomic.Int64
}

func NewTable() *Table {
	t := &Table{}
	t.next.Store(1) // index 0 reserved
	t.grow(1)
	return t
}

// grow ensures capacity for index n-1. Caller holds t.mu or is the sole user.
func (t *Table) grow(n int32) {
	for int(n) > len(t.chunks)*tableChunkSize {
		t.chunks = append(t.chunks, new([tableChunkSize]Item))
	}
}

// Allocate assigns a table index to obj, reusing a freed slot when one is
// available. The slot's serial number is bumped so weak handles made against
// the previous occupant go stale.
func (t *Table) Allocate(obj *Object) Ref {
	if obj == nil {
		panic("objtrace: allocating table slot for nil object")
	}
	t.mu.Lock()
	var ix Ref
	if n := len(t.free); n > 0 {
		ix = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		ix = Ref(t.next.Load())
		t.grow(int32(ix) + 1)
		t.next.Add(1)
	}
	it := t.itemAtUnchecked(ix)
	if it.obj != nil {
		t.mu.Unlock()
		panic(ErrSlotInUse)
	}
	it.obj = obj
	it.flags.Store(0)
	it.resetOwner()
	it.serial.Store(t.serial.Add(1))
	t.mu.Unlock()
	t.live.Add(1)
	return ix
}

// Free releases the slot. Flags and the serial number are reset so any weak
// handle captured against the old occupant resolves to nil, even after the
// slot is reused.
func (t *Table) Free(ix Ref) {
	it := t.ItemAt(ix)
	t.mu.Lock()
	if it.obj == nil {
		t.mu.Unlock()
		panic(fmt.Sprintf("objtrace: double free of table index %d", ix))
	}
	it.obj = nil
	it.flags.Store(0)
	it.resetOwner()
	it.serial.Store(0)
	t.free = append(t.free, ix)
	t.mu.Unlock()
	t.live.Add(-1)
}

// itemAtUnchecked skips the range check ItemAt does. Callers have already
// validated ix against next, or iterate the table themselves.
func (t *Table) itemAtUnchecked(ix Ref) *Item {
	return &t.chunks[ix>>tableChunkShift][ix&(tableChunkSize-1)]
}

// ItemAt is the O(1) index-to-item lookup. An out-of-range index is a
// programming error and panics; a freed slot returns an item whose Object
// is nil.
func (t *Table) ItemAt(ix Ref) *Item {
	if ix == NilRef || int32(ix) >= t.next.Load() {
		panic(fmt.Sprintf("objtrace: object index %d out of range [1, %d)", ix, t.next.Load()))
	}
	return &t.chunks[ix>>tableChunkShift][ix&(tableChunkSize-1)]
}

// Object returns the payload at ix, or nil when the slot is freed.
func (t *Table) Object(ix Ref) *Object {
	return t.ItemAt(ix).obj
}

// IsValid reports whether ix names a live object: the slot is occupied, not
// flagged unreachable, and (unless evenIfPendingKill) not pending removal.
func (t *Table) IsValid(ix Ref, evenIfPendingKill bool) bool {
	if ix == NilRef || int32(ix) >= t.next.Load() {
		return false
	}
	it := t.itemAtUnchecked(ix)
	if it.obj == nil || it.HasAnyFlag(FlagUnreachable) {
		return false
	}
	if !evenIfPendingKill && it.HasAnyFlag(FlagPendingKill) {
		return false
	}
	return true
}

// Capacity returns one past the highest index ever allocated.
func (t *Table) Capacity() int32 {
	return t.next.Load()
}

// Live returns the number of occupied slots.
func (t *Table) Live() int64 {
	return t.live.Load()
}

// FreeSlots returns the number of freed slots awaiting reuse.
func (t *Table) FreeSlots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}
