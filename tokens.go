package objtrace

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash"
)

// RefOp is a token-stream opcode. The stream linearizes "where are the
// references in this layout" once per type; the interpreter replays it with
// no dynamic dispatch in the common case.
type RefOp uint8

const (
	OpNone RefOp = iota
	// OpObject is a plain strong reference slot. Elimination allowed.
	OpObject
	// OpClass is a reference to a type-like object that must never be
	// nulled, even under elimination semantics.
	OpClass
	// OpPersistentObject is a strong reference that survives elimination.
	OpPersistentObject
	// OpNoopPersistentObject and OpNoopClass keep stream shape for slots
	// whose target is known immortal; the interpreter skips them.
	OpNoopPersistentObject
	OpNoopClass
	// OpArrayObject iterates a dynamic buffer of reference slots.
	OpArrayObject
	// OpArrayStruct pushes a frame over a dynamic buffer of multi-slot
	// elements. Followed by stride and skip words.
	OpArrayStruct
	// OpFixedArray pushes a frame over count inline elements at the token
	// offset. Followed by stride and count words.
	OpFixedArray
	// OpMap and OpSet push a frame over a sparse buffer; tombstoned
	// elements are skipped via the buffer's occupancy bitmap. Followed by
	// stride and skip words.
	OpMap
	OpSet
	// OpOptional reads the discriminant slot stored after the payload; if
	// unset the recorded skip index bypasses the payload tokens. Followed
	// by stride and skip words.
	OpOptional
	// OpAddReferencedObjects invokes a registered callout with the whole
	// object, for layouts that cannot be statically described. Followed by
	// a callout-index word.
	OpAddReferencedObjects
	// OpAddStructReferencedObjects invokes a registered callout with the
	// slot window at the token offset. Followed by a callout-index word.
	OpAddStructReferencedObjects
	// Weak-family ops are processed only when the interpreter runs in
	// weak-reference mode; otherwise they are no-ops, since these
	// references must not keep an object alive by themselves.
	OpWeakObject
	OpArrayWeakObject
	OpSoftObject
	OpArraySoftObject
	OpLazyObject
	OpArrayLazyObject
	OpDelegate
	OpMulticastDelegate
	OpFieldPath
	// OpEndOfStream terminates the walk; reaching it with open frames is a
	// corrupted-stream condition.
	OpEndOfStream

	opCount
)

var opNames = [opCount]string{
	OpNone:                       "None",
	OpObject:                     "Object",
	OpClass:                      "Class",
	OpPersistentObject:           "PersistentObject",
	OpNoopPersistentObject:       "NoopPersistentObject",
	OpNoopClass:                  "NoopClass",
	OpArrayObject:                "ArrayObject",
	OpArrayStruct:                "ArrayStruct",
	OpFixedArray:                 "FixedArray",
	OpMap:                        "Map",
	OpSet:                        "Set",
	OpOptional:                   "Optional",
	OpAddReferencedObjects:       "AddReferencedObjects",
	OpAddStructReferencedObjects: "AddStructReferencedObjects",
	OpWeakObject:                 "WeakObject",
	OpArrayWeakObject:            "ArrayWeakObject",
	OpSoftObject:                 "SoftObject",
	OpArraySoftObject:            "ArraySoftObject",
	OpLazyObject:                 "LazyObject",
	OpArrayLazyObject:            "ArrayLazyObject",
	OpDelegate:                   "Delegate",
	OpMulticastDelegate:          "MulticastDelegate",
	OpFieldPath:                  "FieldPath",
	OpEndOfStream:                "EndOfStream",
}

func (op RefOp) String() string {
	if op < opCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("RefOp(%d)", uint8(op))
}

// weak reports whether the op belongs to the weak family.
func (op RefOp) weak() bool {
	return op >= OpWeakObject && op <= OpFieldPath
}

// RefInfo is one packed instruction: 5 bits opcode, 19 bits slot offset,
// 8 bits return count. The return count is the number of enclosing frames to
// pop after this token, attached by the builder to the last token of every
// container body.
type RefInfo uint32

const (
	refInfoOpShift    = 27
	refInfoOffsetBits = 19
	refInfoRetBits    = 8

	// MaxStreamOffset is the largest slot offset a token can address.
	MaxStreamOffset = 1<<refInfoOffsetBits - 1
	// MaxReturnCount bounds container nesting closed by a single token.
	MaxReturnCount = 1<<refInfoRetBits - 1
)

func MakeRefInfo(op RefOp, offset int32, ret uint8) RefInfo {
	if offset < 0 || offset > MaxStreamOffset {
		panic(fmt.Sprintf("objtrace: token offset %d out of range", offset))
	}
	return RefInfo(uint32(op)<<refInfoOpShift | uint32(offset)<<refInfoRetBits | uint32(ret))
}

func (i RefInfo) Op() RefOp          { return RefOp(i >> refInfoOpShift) }
func (i RefInfo) Offset() int32      { return int32(i>>refInfoRetBits) & MaxStreamOffset }
func (i RefInfo) ReturnCount() uint8 { return uint8(i) }

func (i RefInfo) withReturnCount(ret uint8) RefInfo {
	return i&^RefInfo(MaxReturnCount) | RefInfo(ret)
}

// skip word layout: skipIndex<<8 | innerReturnCount. The inner return count
// is the number of frames the skipped body would have popped for the
// container itself and everything nested in it; the pops that belong to
// outer containers are recovered at runtime from the last body token.
func makeSkipWord(skipIndex int32, inner uint8) uint32 {
	return uint32(skipIndex)<<refInfoRetBits | uint32(inner)
}

func skipWordIndex(w uint32) int32 { return int32(w >> refInfoRetBits) }
func skipWordInner(w uint32) uint8 { return uint8(w) }

// ObjectCalloutFunc enumerates references of an object whose layout cannot
// be statically described.
type ObjectCalloutFunc func(obj *Object, rc ReferenceCollector)

// StructCalloutFunc enumerates references of one inline struct window.
type StructCalloutFunc func(window []Slot, rc ReferenceCollector)

// TokenStream is the immutable per-type instruction sequence. Built once via
// StreamBuilder, optionally deduplicated by content hash, never mutated
// afterwards.
type TokenStream struct {
	name           string
	tokens         []uint32
	objectCallouts []ObjectCalloutFunc
	structCallouts []StructCalloutFunc
	hash           uint64
	assembled      bool
	noCluster      bool
}

// CanBeInCluster reports whether instances of this layout may be folded
// into a cluster.
func (s *TokenStream) CanBeInCluster() bool { return !s.noCluster }

// Name returns the debug name the stream was built with.
func (s *TokenStream) Name() string { return s.name }

// Len returns the number of 32-bit words in the stream.
func (s *TokenStream) Len() int { return len(s.tokens) }

// Hash returns the content hash of the packed instruction words, or 0 for
// streams carrying callouts (function identity defeats content hashing).
func (s *TokenStream) Hash() uint64 { return s.hash }

// Assembled reports whether the one-time assembly pass has run.
func (s *TokenStream) Assembled() bool { return s.assembled }

func (s *TokenStream) infoAt(i int32) RefInfo { return RefInfo(s.tokens[i]) }
func (s *TokenStream) wordAt(i int32) uint32  { return s.tokens[i] }

// skipReturnCount recovers the pop count for an empty container from the
// last token of the skipped body, per the recorded inner return count.
func (s *TokenStream) skipReturnCount(skipWord uint32) uint8 {
	skip := skipWordIndex(skipWord)
	last := s.infoAt(skip - 1)
	return last.ReturnCount() - skipWordInner(skipWord)
}

// assemble finalizes the stream: seals it and computes the dedup hash.
func (s *TokenStream) assemble() {
	if s.assembled {
		return
	}
	if len(s.objectCallouts) == 0 && len(s.structCallouts) == 0 {
		raw := make([]byte, 0, len(s.tokens)*4+1)
		for _, w := range s.tokens {
			raw = binary.LittleEndian.AppendUint32(raw, w)
		}
		if s.noCluster {
			raw = append(raw, 1)
		}
		s.hash = xxhash.Sum64(raw)
	}
	s.assembled = true
}
