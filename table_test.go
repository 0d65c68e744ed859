package objtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AllocateFree(t *testing.T) {
	table := NewTable()
	a := table.Allocate(&Object{Type: 1})
	b := table.Allocate(&Object{Type: 1})
	require.NotEqual(t, NilRef, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, int64(2), table.Live())

	table.Free(a)
	assert.Nil(t, table.Object(a))
	assert.Equal(t, int64(1), table.Live())
	assert.Equal(t, 1, table.FreeSlots())

	// freed slots are reused, LIFO
	c := table.Allocate(&Object{Type: 1})
	assert.Equal(t, a, c)
	assert.Equal(t, 0, table.FreeSlots())
}

func TestTable_SerialChangesOnReuse(t *testing.T) {
	table := NewTable()
	a := table.Allocate(&Object{Type: 1})
	s1 := table.ItemAt(a).SerialNumber()
	require.NotZero(t, s1)

	table.Free(a)
	assert.Zero(t, table.ItemAt(a).SerialNumber())

	b := table.Allocate(&Object{Type: 1})
	require.Equal(t, a, b)
	assert.NotEqual(t, s1, table.ItemAt(b).SerialNumber())
}

func TestTable_IndexZeroReserved(t *testing.T) {
	table := NewTable()
	a := table.Allocate(&Object{Type: 1})
	assert.Equal(t, Ref(1), a)
	assert.Panics(t, func() { table.ItemAt(NilRef) })
}

func TestTable_Panics(t *testing.T) {
	table := NewTable()
	assert.Panics(t, func() { table.Allocate(nil) })

	a := table.Allocate(&Object{Type: 1})
	table.Free(a)
	assert.Panics(t, func() { table.Free(a) }, "double free")
	assert.Panics(t, func() { table.ItemAt(Ref(table.Capacity())) }, "out of range")
}

func TestTable_IsValid(t *testing.T) {
	table := NewTable()
	a := table.Allocate(&Object{Type: 1})
	assert.True(t, table.IsValid(a, false))

	table.ItemAt(a).SetFlag(FlagPendingKill)
	assert.False(t, table.IsValid(a, false))
	assert.True(t, table.IsValid(a, true))

	table.Free(a)
	assert.False(t, table.IsValid(a, true))
	assert.False(t, table.IsValid(NilRef, true))
}

func TestTable_GrowsPastChunk(t *testing.T) {
	table := NewTable()
	// force a second chunk
	n := int32(1<<tableChunkShift) + 10
	var last Ref
	for i := int32(0); i < n; i++ {
		last = table.Allocate(&Object{Type: 1})
	}
	assert.Equal(t, Ref(n), last)
	assert.NotNil(t, table.Object(last))
	assert.Equal(t, int64(n), table.Live())
}
