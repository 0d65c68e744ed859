package objtrace

import "fmt"

// StreamBuilder assembles a TokenStream. Container bodies are bracketed by
// Begin*/End calls; End backpatches the return count of the body's last
// token and the container's skip word so empty containers can be bypassed
// with correct frame bookkeeping and non-empty ones pop correctly after the
// final element.
type StreamBuilder struct {
	s        *TokenStream
	lastInfo int32 // index of the most recently emitted info token
	open     []openContainer
	done     bool
}

type openContainer struct {
	op        RefOp
	patchIdx  int32 // index of the skip word; -1 for fixed arrays
	bodyStart int32
}

func NewStreamBuilder(name string) *StreamBuilder {
	return &StreamBuilder{
		s:        &TokenStream{name: name},
		lastInfo: -1,
	}
}

func (b *StreamBuilder) emitInfo(info RefInfo) {
	b.lastInfo = int32(len(b.s.tokens))
	b.s.tokens = append(b.s.tokens, uint32(info))
}

func (b *StreamBuilder) emitWord(w uint32) {
	b.s.tokens = append(b.s.tokens, w)
}

func (b *StreamBuilder) check(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("objtrace: stream %q: %s", b.s.name, fmt.Sprintf(format, args...)))
	}
}

// Ref emits a single-slot reference token: strong, class, persistent, the
// weak family, or the pointer-array ops that need no frame of their own.
func (b *StreamBuilder) Ref(offset int32, op RefOp) *StreamBuilder {
	b.check(!b.done, "token emitted after Finish")
	switch op {
	case OpObject, OpClass, OpPersistentObject, OpNoopPersistentObject, OpNoopClass,
		OpArrayObject, OpWeakObject, OpArrayWeakObject, OpSoftObject, OpArraySoftObject,
		OpLazyObject, OpArrayLazyObject, OpDelegate, OpMulticastDelegate, OpFieldPath:
	default:
		b.check(false, "op %s is not a plain reference token", op)
	}
	b.emitInfo(MakeRefInfo(op, offset, 0))
	return b
}

func (b *StreamBuilder) beginSkipContainer(op RefOp, offset, stride int32) {
	b.check(!b.done, "token emitted after Finish")
	b.check(stride >= 1, "%s stride %d < 1", op, stride)
	b.emitInfo(MakeRefInfo(op, offset, 0))
	b.emitWord(uint32(stride))
	patch := int32(len(b.s.tokens))
	b.emitWord(0) // skip word backpatched by End
	b.open = append(b.open, openContainer{op: op, patchIdx: patch, bodyStart: int32(len(b.s.tokens))})
}

// BeginArrayStruct opens a dynamic array-of-structs container over the
// buffer slot at offset; elements are stride slots wide.
func (b *StreamBuilder) BeginArrayStruct(offset, stride int32) *StreamBuilder {
	b.beginSkipContainer(OpArrayStruct, offset, stride)
	return b
}

// BeginMap opens a sparse container over the buffer slot at offset; one
// element (key and value together) is stride slots wide.
func (b *StreamBuilder) BeginMap(offset, stride int32) *StreamBuilder {
	b.beginSkipContainer(OpMap, offset, stride)
	return b
}

// BeginSet opens a sparse container over the buffer slot at offset.
func (b *StreamBuilder) BeginSet(offset, stride int32) *StreamBuilder {
	b.beginSkipContainer(OpSet, offset, stride)
	return b
}

// BeginOptional opens an optional: stride payload slots at offset, the
// discriminant in the slot right after the payload.
func (b *StreamBuilder) BeginOptional(offset, stride int32) *StreamBuilder {
	b.beginSkipContainer(OpOptional, offset, stride)
	return b
}

// BeginFixedArray opens a statically sized inline array at offset: count
// elements of stride slots each. No skip word is recorded since the count
// can never be zero.
func (b *StreamBuilder) BeginFixedArray(offset, stride, count int32) *StreamBuilder {
	b.check(!b.done, "token emitted after Finish")
	b.check(stride >= 1, "fixed array stride %d < 1", stride)
	b.check(count >= 1, "fixed array count %d < 1", count)
	b.emitInfo(MakeRefInfo(OpFixedArray, offset, 0))
	b.emitWord(uint32(stride))
	b.emitWord(uint32(count))
	b.open = append(b.open, openContainer{op: OpFixedArray, patchIdx: -1, bodyStart: int32(len(b.s.tokens))})
	return b
}

// End closes the innermost open container.
func (b *StreamBuilder) End() *StreamBuilder {
	b.check(len(b.open) > 0, "End without open container")
	oc := b.open[len(b.open)-1]
	b.open = b.open[:len(b.open)-1]
	b.check(b.lastInfo >= oc.bodyStart, "%s has an empty body", oc.op)

	last := b.s.infoAt(b.lastInfo)
	ret := last.ReturnCount()
	b.check(ret < MaxReturnCount, "return count overflow closing %s", oc.op)
	b.s.tokens[b.lastInfo] = uint32(last.withReturnCount(ret + 1))

	if oc.patchIdx >= 0 {
		skipIndex := int32(len(b.s.tokens))
		b.s.tokens[oc.patchIdx] = makeSkipWord(skipIndex, ret+1)
	}
	return b
}

// ObjectCallout registers fn and emits a call-out token handing the whole
// object to it during the walk.
func (b *StreamBuilder) ObjectCallout(fn ObjectCalloutFunc) *StreamBuilder {
	b.check(!b.done, "token emitted after Finish")
	b.check(fn != nil, "nil object callout")
	idx := len(b.s.objectCallouts)
	b.s.objectCallouts = append(b.s.objectCallouts, fn)
	b.emitInfo(MakeRefInfo(OpAddReferencedObjects, 0, 0))
	b.emitWord(uint32(idx))
	return b
}

// StructCallout registers fn and emits a call-out token handing the slot
// window starting at offset to it.
func (b *StreamBuilder) StructCallout(offset int32, fn StructCalloutFunc) *StreamBuilder {
	b.check(!b.done, "token emitted after Finish")
	b.check(fn != nil, "nil struct callout")
	idx := len(b.s.structCallouts)
	b.s.structCallouts = append(b.s.structCallouts, fn)
	b.emitInfo(MakeRefInfo(OpAddStructReferencedObjects, offset, 0))
	b.emitWord(uint32(idx))
	return b
}

// DisallowClustering marks instances of this layout ineligible for cluster
// folding; the cluster builder records them as mutable references instead.
func (b *StreamBuilder) DisallowClustering() *StreamBuilder {
	b.s.noCluster = true
	return b
}

// Finish seals the stream. The one-time assembly pass (content hashing,
// dedup eligibility) runs later, on registration or first use.
func (b *StreamBuilder) Finish() *TokenStream {
	b.check(!b.done, "Finish called twice")
	b.check(len(b.open) == 0, "%d containers left open", len(b.open))
	b.emitInfo(MakeRefInfo(OpEndOfStream, 0, 0))
	b.done = true
	return b.s
}
