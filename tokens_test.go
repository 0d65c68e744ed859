package objtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefInfo_Packing(t *testing.T) {
	info := MakeRefInfo(OpArrayStruct, 12345, 7)
	assert.Equal(t, OpArrayStruct, info.Op())
	assert.Equal(t, int32(12345), info.Offset())
	assert.Equal(t, uint8(7), info.ReturnCount())

	bumped := info.withReturnCount(8)
	assert.Equal(t, OpArrayStruct, bumped.Op())
	assert.Equal(t, int32(12345), bumped.Offset())
	assert.Equal(t, uint8(8), bumped.ReturnCount())
}

func TestRefInfo_OffsetLimits(t *testing.T) {
	info := MakeRefInfo(OpObject, MaxStreamOffset, 0)
	assert.Equal(t, int32(MaxStreamOffset), info.Offset())
	assert.Panics(t, func() { MakeRefInfo(OpObject, MaxStreamOffset+1, 0) })
}

func TestSkipWord(t *testing.T) {
	w := makeSkipWord(777, 3)
	assert.Equal(t, int32(777), skipWordIndex(w))
	assert.Equal(t, uint8(3), skipWordInner(w))
}

func TestRefOp_Weak(t *testing.T) {
	assert.True(t, OpWeakObject.weak())
	assert.True(t, OpFieldPath.weak())
	assert.False(t, OpObject.weak())
	assert.False(t, OpEndOfStream.weak())
}

func TestStreamBuilder_Validation(t *testing.T) {
	assert.Panics(t, func() {
		NewStreamBuilder("bad").Ref(0, OpArrayStruct)
	}, "container ops are not plain reference tokens")
	assert.Panics(t, func() {
		NewStreamBuilder("bad").End()
	}, "End without open container")
	assert.Panics(t, func() {
		NewStreamBuilder("bad").BeginArrayStruct(0, 2).End()
	}, "containers need a non-empty body")
	assert.Panics(t, func() {
		b := NewStreamBuilder("bad")
		b.BeginArrayStruct(0, 2).Ref(0, OpObject)
		b.Finish()
	}, "Finish with an open container")
}

func TestRegistry_DedupSharesIdenticalLayouts(t *testing.T) {
	reg := NewTypeRegistry()
	build := func(b *StreamBuilder) { b.Ref(0, OpObject).Ref(1, OpObject) }
	reg.Register(1, "A", build)
	reg.Register(2, "B", build)
	reg.Register(3, "C", func(b *StreamBuilder) { b.Ref(0, OpObject) })

	a, b, c := reg.Stream(1), reg.Stream(2), reg.Stream(3)
	assert.Same(t, a, b, "identical layouts share one stream")
	assert.NotSame(t, a, c)
}

func TestRegistry_NoClusterBreaksDedup(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "A", func(b *StreamBuilder) { b.Ref(0, OpObject) })
	reg.Register(2, "B", func(b *StreamBuilder) { b.DisallowClustering().Ref(0, OpObject) })

	a, b := reg.Stream(1), reg.Stream(2)
	assert.NotSame(t, a, b)
	assert.True(t, a.CanBeInCluster())
	assert.False(t, b.CanBeInCluster())
}

func TestRegistry_CalloutStreamsNeverDedup(t *testing.T) {
	reg := NewTypeRegistry()
	fn := func(obj *Object, c ReferenceCollector) {}
	reg.Register(1, "A", func(b *StreamBuilder) { b.ObjectCallout(fn) })
	reg.Register(2, "B", func(b *StreamBuilder) { b.ObjectCallout(fn) })

	a, b := reg.Stream(1), reg.Stream(2)
	assert.NotSame(t, a, b)
	assert.Zero(t, a.Hash())
}

func TestRegistry_AssembledStreamRequiresAssembly(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "A", func(b *StreamBuilder) { b.Ref(0, OpObject) })

	assert.Panics(t, func() { reg.AssembledStream(1) })
	reg.AssembleAll()
	assert.NotNil(t, reg.AssembledStream(1))
	assert.Panics(t, func() { reg.Stream(99) }, "unknown type is fatal")
}

func TestRegistry_DoubleRegisterPanics(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "A", func(b *StreamBuilder) {})
	assert.Panics(t, func() { reg.Register(1, "A", func(b *StreamBuilder) {}) })
}
