package objtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// traceEdges walks one object and returns the strong edges it reports.
func traceEdges(reg *TypeRegistry, table *Table, ix Ref) []Ref {
	proc := &edgeProcessor{}
	w := &walker[*edgeProcessor]{table: table, reg: reg, proc: proc}
	w.traceObject(ix)
	return proc.out
}

func TestWalk_PlainRefs(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.Ref(0, OpObject).Ref(1, OpClass).Ref(2, OpPersistentObject)
	})
	table := NewTable()
	a := table.Allocate(&Object{Type: 2, Data: nil})
	bcls := table.Allocate(&Object{Type: 2})
	p := table.Allocate(&Object{Type: 2})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})

	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Ref: a}, {Ref: bcls}, {Ref: p}}})
	assert.Equal(t, []Ref{a, bcls, p}, traceEdges(reg, table, obj))
}

func TestWalk_ArrayObject(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) { b.Ref(0, OpArrayObject) })
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	a := table.Allocate(&Object{Type: 2})
	b := table.Allocate(&Object{Type: 2})

	buf := NewBuffer(2)
	buf.Data[0].Ref = a
	buf.Data[1].Ref = b
	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: buf}}})
	assert.Equal(t, []Ref{a, b}, traceEdges(reg, table, obj))

	empty := table.Allocate(&Object{Type: 1, Data: []Slot{{}}})
	assert.Empty(t, traceEdges(reg, table, empty), "nil buffer is an empty array")
}

// Layout: [ArrayStruct stride=2 {ref at 0}] [ref at slot 1]. The trailing
// ref must be reached whether the array is populated or empty.
func registerArrayThenRef(reg *TypeRegistry) {
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginArrayStruct(0, 2).Ref(0, OpObject).End()
		b.Ref(1, OpObject)
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
}

func TestWalk_ArrayStruct(t *testing.T) {
	reg := NewTypeRegistry()
	registerArrayThenRef(reg)
	table := NewTable()
	x := table.Allocate(&Object{Type: 2})
	y := table.Allocate(&Object{Type: 2})
	tail := table.Allocate(&Object{Type: 2})

	buf := NewBuffer(4) // two elements, stride 2
	buf.Data[0].Ref = x
	buf.Data[2].Ref = y
	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: buf}, {Ref: tail}}})
	assert.Equal(t, []Ref{x, y, tail}, traceEdges(reg, table, obj))
}

func TestWalk_EmptyContainerMatchesAbsent(t *testing.T) {
	reg := NewTypeRegistry()
	registerArrayThenRef(reg)
	table := NewTable()
	tail := table.Allocate(&Object{Type: 2})

	withNil := table.Allocate(&Object{Type: 1, Data: []Slot{{}, {Ref: tail}}})
	withEmpty := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: NewBuffer(0)}, {Ref: tail}}})
	assert.Equal(t, []Ref{tail}, traceEdges(reg, table, withNil))
	assert.Equal(t, []Ref{tail}, traceEdges(reg, table, withEmpty))
}

// Nested containers: outer elements each carry an inner array plus a ref.
// The inner array being empty for some elements must not derail the outer
// loop's frame bookkeeping.
func TestWalk_NestedContainers(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginArrayStruct(0, 2) // element: [inner buffer, ref]
		b.BeginArrayStruct(0, 1).Ref(0, OpObject).End()
		b.Ref(1, OpObject)
		b.End()
		b.Ref(1, OpObject) // trailing, after the outer container
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	leaf := func() Ref { return table.Allocate(&Object{Type: 2}) }
	i1, e1, e2, tail := leaf(), leaf(), leaf(), leaf()

	inner1 := NewBuffer(1)
	inner1.Data[0].Ref = i1
	outer := NewBuffer(4)
	outer.Data[0].Buf = inner1 // element 0: populated inner
	outer.Data[1].Ref = e1
	outer.Data[2].Buf = nil // element 1: empty inner
	outer.Data[3].Ref = e2

	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: outer}, {Ref: tail}}})
	assert.Equal(t, []Ref{i1, e1, e2, tail}, traceEdges(reg, table, obj))
}

// An empty inner container sitting at the end of an outer element's body:
// skipping it must also retire the outer frame's element, since the pop
// that would normally do so lives on the skipped body's last token.
func TestWalk_EmptyInnerClosesOuterElement(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginArrayStruct(0, 1) // element: one inner buffer slot
		b.BeginArrayStruct(0, 1).Ref(0, OpObject).End()
		b.End()
		b.Ref(1, OpObject)
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	x := table.Allocate(&Object{Type: 2})
	tail := table.Allocate(&Object{Type: 2})

	inner := NewBuffer(1)
	inner.Data[0].Ref = x
	outer := NewBuffer(2)
	outer.Data[0].Buf = inner // element 0: populated
	outer.Data[1].Buf = nil   // element 1: empty, last in the outer loop

	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: outer}, {Ref: tail}}})
	assert.Equal(t, []Ref{x, tail}, traceEdges(reg, table, obj))
}

func TestWalk_Optional(t *testing.T) {
	reg := NewTypeRegistry()
	// payload: one ref slot at 0, discriminant at slot 1
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginOptional(0, 1).Ref(0, OpObject).End()
		b.Ref(2, OpObject)
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	inner := table.Allocate(&Object{Type: 2})
	tail := table.Allocate(&Object{Type: 2})

	engaged := table.Allocate(&Object{Type: 1,
		Data: []Slot{{Ref: inner}, {Raw: 1}, {Ref: tail}}})
	vacant := table.Allocate(&Object{Type: 1,
		Data: []Slot{{Ref: inner}, {Raw: 0}, {Ref: tail}}})
	assert.Equal(t, []Ref{inner, tail}, traceEdges(reg, table, engaged))
	assert.Equal(t, []Ref{tail}, traceEdges(reg, table, vacant),
		"a vacant optional's payload is not visited")
}

func TestWalk_FixedArray(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginFixedArray(0, 2, 3).Ref(0, OpObject).End()
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	leaf := func() Ref { return table.Allocate(&Object{Type: 2}) }
	a, b, c := leaf(), leaf(), leaf()

	obj := table.Allocate(&Object{Type: 1,
		Data: []Slot{{Ref: a}, {}, {Ref: b}, {}, {Ref: c}, {}}})
	assert.Equal(t, []Ref{a, b, c}, traceEdges(reg, table, obj))
}

func TestWalk_SparseMap(t *testing.T) {
	reg := NewTypeRegistry()
	// element: [key ref, value ref], stride 2
	reg.Register(1, "T", func(b *StreamBuilder) {
		b.BeginMap(0, 2).Ref(0, OpObject).Ref(1, OpObject).End()
	})
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	leaf := func() Ref { return table.Allocate(&Object{Type: 2}) }
	k0, v0, k2, v2 := leaf(), leaf(), leaf(), leaf()

	buf := NewSparseBuffer(6) // 3 elements, middle one vacant
	buf.Data[0].Ref = k0
	buf.Data[1].Ref = v0
	buf.Data[4].Ref = k2
	buf.Data[5].Ref = v2
	buf.SetValid(0)
	buf.SetValid(2)

	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: buf}}})
	assert.Equal(t, []Ref{k0, v0, k2, v2}, traceEdges(reg, table, obj),
		"vacant elements are skipped, occupied ones visited in order")

	// fully vacant map takes the skip path
	vacant := NewSparseBuffer(4)
	obj2 := table.Allocate(&Object{Type: 1, Data: []Slot{{Buf: vacant}}})
	assert.Empty(t, traceEdges(reg, table, obj2))

	// never-allocated map: no buffer at all, same skip path
	obj3 := table.Allocate(&Object{Type: 1, Data: []Slot{{}}})
	assert.Empty(t, traceEdges(reg, table, obj3))
}

func TestWalk_Callouts(t *testing.T) {
	reg := NewTypeRegistry()
	table := NewTable()
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	extra := table.Allocate(&Object{Type: 2})
	stable := table.Allocate(&Object{Type: 2})

	reg.Register(1, "T", func(b *StreamBuilder) {
		b.ObjectCallout(func(obj *Object, rc ReferenceCollector) {
			rc.AddReference(&obj.Data[0])
			rc.AddStableReference(stable)
		})
		b.StructCallout(1, func(window []Slot, rc ReferenceCollector) {
			rc.AddReference(&window[0])
		})
	})

	windowed := table.Allocate(&Object{Type: 2})
	obj := table.Allocate(&Object{Type: 1,
		Data: []Slot{{Ref: extra}, {Ref: windowed}}})
	assert.Equal(t, []Ref{extra, stable, windowed}, traceEdges(reg, table, obj))
}

func TestWalk_WeakOnlyInWeakMode(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) { b.Ref(0, OpWeakObject) })
	reg.Register(2, "Leaf", func(b *StreamBuilder) {})
	table := NewTable()
	target := table.Allocate(&Object{Type: 2})
	obj := table.Allocate(&Object{Type: 1,
		Data: []Slot{{Ref: target, Raw: uint64(table.ItemAt(target).SerialNumber())}}})

	assert.Empty(t, traceEdges(reg, table, obj))

	var weakSeen []Ref
	proc := &recordingProcessor{onRef: func(slot *Slot, kind refKind) {
		if kind == refWeak {
			weakSeen = append(weakSeen, slot.Ref)
		}
	}}
	w := &walker[*recordingProcessor]{table: table, reg: reg, proc: proc, processWeak: true}
	w.traceObject(obj)
	assert.Equal(t, []Ref{target}, weakSeen)
}

type recordingProcessor struct {
	onRef func(slot *Slot, kind refKind)
}

func (p *recordingProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	p.onRef(slot, kind)
}

func TestWalk_UnknownOpcodePanics(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register(1, "T", func(b *StreamBuilder) { b.Ref(0, OpObject) })
	stream := reg.Stream(1)
	// corrupt the first token's opcode in place
	stream.tokens[0] = uint32(MakeRefInfo(OpEndOfStream, 0, 0)) | 31<<refInfoOpShift

	table := NewTable()
	obj := table.Allocate(&Object{Type: 1, Data: []Slot{{}}})
	require.Panics(t, func() { traceEdges(reg, table, obj) })
}
