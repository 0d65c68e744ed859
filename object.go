// Package objtrace implements a tracing garbage-collection engine for large
// heterogeneous object graphs: a chunked stable-address object table with
// generation-counted weak handles, compact per-type token streams describing
// where references live inside an instance, a stack-machine interpreter that
// replays those streams to discover reachable objects (optionally across a
// worker pool), and a cluster layer that collapses stable groups of objects
// into single GC-visible units.
package objtrace

// Ref is an index into the object table. Index 0 is reserved and acts as the
// nil reference; owner-index 0 likewise means "standalone".
type Ref uint32

// NilRef is the null object reference.
const NilRef Ref = 0

// TypeID identifies a registered object layout (token stream).
type TypeID uint32

// Object is the unit the engine manages. Payload state lives in Data, a flat
// slot array addressed by the type's token stream. Outer is the optional
// ownership link; it is always traced as a strong reference and folded into
// clusters together with the object itself.
type Object struct {
	Type  TypeID
	Outer Ref
	Data  []Slot
}

// Slot is one word of instance memory. A slot can carry an object reference,
// a raw scalar (also the serial number of a weak reference, or an optional's
// discriminant), or an out-of-line container buffer. Token streams tell the
// interpreter which interpretation applies at which offset; the engine never
// guesses.
type Slot struct {
	Ref Ref
	Raw uint64
	Buf *Buffer
}

// Buffer is the backing store of a container slot: the element payloads of a
// dynamic array-of-structs, the elements of a pointer array, or the dense
// backing of a map/set. Sparse containers carry an occupancy bitmap; a nil
// bitmap means every element is live.
type Buffer struct {
	Data  []Slot
	valid []uint64
}

// NewBuffer returns a dense buffer with n slots.
func NewBuffer(n int) *Buffer {
	return &Buffer{Data: make([]Slot, n)}
}

// NewSparseBuffer returns a buffer with n slots where no element is
// initially occupied. Use SetValid/ClearValid to manage occupancy.
func NewSparseBuffer(n int) *Buffer {
	return &Buffer{
		Data:  make([]Slot, n),
		valid: make([]uint64, (n+63)/64),
	}
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Sparse reports whether the buffer carries an occupancy bitmap.
func (b *Buffer) Sparse() bool {
	return b != nil && b.valid != nil
}

// ValidAt reports whether element i is occupied. Dense buffers are always
// fully occupied. The index is an element index, not a slot index; callers
// that pack multi-slot elements track validity per element.
func (b *Buffer) ValidAt(i int) bool {
	if b.valid == nil {
		return true
	}
	return b.valid[i>>6]&(1<<(uint(i)&63)) != 0
}

func (b *Buffer) SetValid(i int) {
	b.valid[i>>6] |= 1 << (uint(i) & 63)
}

func (b *Buffer) ClearValid(i int) {
	b.valid[i>>6] &^= 1 << (uint(i) & 63)
}

// validCount returns the number of occupied elements among the first n.
func (b *Buffer) validCount(n int) int32 {
	if b.valid == nil {
		return int32(n)
	}
	count := int32(0)
	for i := 0; i < n; i++ {
		if b.ValidAt(i) {
			count++
		}
	}
	return count
}
