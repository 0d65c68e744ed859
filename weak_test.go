package objtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeakRef_Resolve(t *testing.T) {
	table := NewTable()
	obj := &Object{Type: 1}
	ix := table.Allocate(obj)

	w := MakeWeakRef(table, ix)
	require.True(t, w.IsValid(table))
	assert.Same(t, obj, w.Get(table))

	table.Free(ix)
	assert.Nil(t, w.Get(table))
	assert.False(t, w.IsValid(table))
}

func TestWeakRef_StaleAfterReuse(t *testing.T) {
	table := NewTable()
	ix := table.Allocate(&Object{Type: 1})
	w := MakeWeakRef(table, ix)

	table.Free(ix)
	reused := table.Allocate(&Object{Type: 2})
	require.Equal(t, ix, reused, "slot is reused")

	assert.Nil(t, w.Get(table), "handle to the old occupant must not see the new one")
	fresh := MakeWeakRef(table, reused)
	assert.NotNil(t, fresh.Get(table))
}

func TestWeakRef_PendingKill(t *testing.T) {
	table := NewTable()
	obj := &Object{Type: 1}
	ix := table.Allocate(obj)
	w := MakeWeakRef(table, ix)

	table.ItemAt(ix).SetFlag(FlagPendingKill)
	assert.Nil(t, w.Get(table))
	assert.Same(t, obj, w.GetEvenIfPendingKill(table))
}

func TestWeakRef_UnreachableIsDead(t *testing.T) {
	table := NewTable()
	ix := table.Allocate(&Object{Type: 1})
	w := MakeWeakRef(table, ix)

	table.ItemAt(ix).SetFlag(FlagUnreachable)
	assert.Nil(t, w.Get(table))
	assert.Nil(t, w.GetEvenIfPendingKill(table))
}

func TestWeakRef_Nil(t *testing.T) {
	table := NewTable()
	assert.Equal(t, NilWeakRef, MakeWeakRef(table, NilRef))
	assert.Nil(t, NilWeakRef.Get(table))
	assert.False(t, NilWeakRef.IsValid(table))
}

func TestWeakRef_EqualTo(t *testing.T) {
	table := NewTable()
	a := table.Allocate(&Object{Type: 1})
	b := table.Allocate(&Object{Type: 1})

	wa := MakeWeakRef(table, a)
	wa2 := MakeWeakRef(table, a)
	wb := MakeWeakRef(table, b)
	assert.True(t, wa.EqualTo(table, wa2))
	assert.False(t, wa.EqualTo(table, wb))

	// two dead handles compare equal regardless of what they pointed at
	table.Free(a)
	table.Free(b)
	assert.True(t, wa.EqualTo(table, wb))
	assert.True(t, wa.EqualTo(table, NilWeakRef))
}
