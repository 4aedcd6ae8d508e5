package flow

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
)

// Var is the built-in state leaf: one variable handle bound to a backend.
// It owns one reference per handle part; Release drops it.
type Var struct {
	backend backends.Backend
	tape    *ad.Tape // may be nil; required only for tracked handles
	handle  handles.Handle
}

// NewVar wraps a handle (stealing the caller's references) as a state leaf.
func NewVar(backend backends.Backend, h handles.Handle) *Var {
	return &Var{backend: backend, handle: h}
}

// NewTrackedVar is NewVar for handles carrying an AD node; the tape is
// needed to manage the node reference.
func NewTrackedVar(backend backends.Backend, tape *ad.Tape, h handles.Handle) *Var {
	return &Var{backend: backend, tape: tape, handle: h}
}

// FromSlice creates a Var holding the given dense lanes.
func FromSlice(backend backends.Backend, dtype dtypes.DType, values any) *Var {
	return NewVar(backend, handles.FromData(uint32(backend.FromSlice(dtype, values))))
}

// Literal creates a Var holding `value` uniformly over `size` lanes.
func Literal(backend backends.Backend, dtype dtypes.DType, value any, size int) *Var {
	return NewVar(backend, handles.FromData(uint32(backend.Literal(dtype, value, size))))
}

// LeafBackend implements Leaf.
func (v *Var) LeafBackend() backends.Backend { return v.backend }

// LeafHandle implements Leaf.
func (v *Var) LeafHandle() handles.Handle { return v.handle }

// WithLeafHandle implements Leaf.
func (v *Var) WithLeafHandle(h handles.Handle) Leaf {
	return &Var{backend: v.backend, tape: v.tape, handle: h}
}

// Handle returns the variable handle (borrowed).
func (v *Var) Handle() handles.Handle { return v.handle }

// Size returns the lane count.
func (v *Var) Size() int { return v.backend.Size(backends.VarId(v.handle.Data())) }

// DType returns the element type.
func (v *Var) DType() dtypes.DType { return v.backend.DType(backends.VarId(v.handle.Data())) }

// Read evaluates (if needed) and returns a dense copy of the lanes.
func (v *Var) Read() any { return v.backend.Read(backends.VarId(v.handle.Data())) }

// Release drops the Var's references.
func (v *Var) Release() {
	if v.handle.IsNull() {
		return
	}
	v.backend.DecRef(backends.VarId(v.handle.Data()))
	if v.handle.Tracked() && v.tape != nil {
		v.tape.DecRefNode(v.handle.Grad())
	}
	v.handle = 0
}

// String implements fmt.Stringer.
func (v *Var) String() string {
	return fmt.Sprintf("Var(%s)", v.handle)
}
