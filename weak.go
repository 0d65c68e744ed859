package objtrace

// WeakRef is an (index, serial) handle that never keeps its target alive.
// It resolves to the live object while the slot's serial number still
// matches, and to nil once the slot has been freed or reused.
type WeakRef struct {
	Index  Ref
	Serial uint32
}

// NilWeakRef is the zero handle; it never resolves.
var NilWeakRef = WeakRef{}

// MakeWeakRef captures a weak handle to the object at ix.
// A nil index yields NilWeakRef.
func MakeWeakRef(t *Table, ix Ref) WeakRef {
	if ix == NilRef {
		return NilWeakRef
	}
	it := t.ItemAt(ix)
	if it.Object() == nil {
		return NilWeakRef
	}
	return WeakRef{Index: ix, Serial: it.SerialNumber()}
}

func (w WeakRef) resolve(t *Table, evenIfPendingKill bool) *Object {
	if w.Index == NilRef || w.Serial == 0 {
		return nil
	}
	if int32(w.Index) >= t.Capacity() {
		return nil
	}
	it := t.itemAtUnchecked(w.Index)
	if it.SerialNumber() != w.Serial {
		return nil
	}
	if !t.IsValid(w.Index, evenIfPendingKill) {
		return nil
	}
	return it.Object()
}

// Get resolves the handle, treating pending-kill objects as dead.
func (w WeakRef) Get(t *Table) *Object {
	return w.resolve(t, false)
}

// GetEvenIfPendingKill resolves the handle ignoring the pending-kill flag.
func (w WeakRef) GetEvenIfPendingKill(t *Table) *Object {
	return w.resolve(t, true)
}

// IsValid reports whether the handle still resolves.
func (w WeakRef) IsValid(t *Table) bool {
	return w.resolve(t, false) != nil
}

// EqualTo reports handle equality: exact field match, or both handles
// failing to resolve.
func (w WeakRef) EqualTo(t *Table, o WeakRef) bool {
	if w == o {
		return true
	}
	return w.resolve(t, true) == nil && o.resolve(t, true) == nil
}
