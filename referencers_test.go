package objtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindReferencers(t *testing.T) {
	e := newTestEngine(Options{})
	x := newLeaf(e)
	p1 := newNode(e)
	p2 := newNode(e)
	other := newLeaf(e)
	link(e, p1, 0, x)
	link(e, p2, 0, other)

	assert.Equal(t, []Ref{p1}, e.FindReferencers([]Ref{x}, nil))
	assert.Empty(t, e.FindReferencers([]Ref{x}, []Ref{p1}), "ignored objects are not reported")
	assert.Empty(t, e.FindReferencers(nil, nil))
}

func TestFindReferencers_MultipleTargetsAndKinds(t *testing.T) {
	e := newTestEngine(Options{})
	x := newLeaf(e)
	y := newLeaf(e)
	byStrong := newNode(e)
	byOuter := newNode(e)
	byWeak := newNode(e)
	byBoth := newNode(e)
	link(e, byStrong, 0, x)
	e.Table().Object(byOuter).Outer = y
	wr := MakeWeakRef(e.Table(), x)
	e.Table().Object(byWeak).Data[2] = Slot{Ref: wr.Index, Raw: uint64(wr.Serial)}
	link(e, byBoth, 0, x)
	link(e, byBoth, 1, y)

	got := e.FindReferencers([]Ref{x, y}, nil)
	assert.Equal(t, []Ref{byStrong, byOuter, byBoth}, got,
		"sorted, deduplicated, weak-only holders excluded")
}

func TestFindReferencers_TargetsNotSelfReported(t *testing.T) {
	e := newTestEngine(Options{})
	x := newNode(e)
	y := newLeaf(e)
	link(e, x, 0, x) // self reference
	link(e, x, 1, y)

	assert.Empty(t, e.FindReferencers([]Ref{x}, nil))
	assert.Empty(t, e.FindReferencers([]Ref{x, y}, nil),
		"references between targets stay internal")
}

func TestFindReferencers_Parallel(t *testing.T) {
	e := newTestEngine(Options{Parallel: true, NumWorkers: 4})
	x := newLeaf(e)
	var want []Ref
	for i := 0; i < 200; i++ {
		n := newNode(e)
		if i%3 == 0 {
			link(e, n, 0, x)
			want = append(want, n)
		}
	}
	require.Equal(t, want, e.FindReferencers([]Ref{x}, nil))
}
