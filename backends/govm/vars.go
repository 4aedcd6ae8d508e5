package govm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// variable is one batched value: either a uniform literal (lit set, buf nil)
// or a dense buffer with one element per lane.
type variable struct {
	refs  int
	dtype dtypes.DType
	size  int
	state backends.VarState

	lit any // canonical scalar, set while state == VarStateLiteral
	buf any // dense Go slice, immutable once created

	// callInput marks variables wrapped by CallInput, so traces can
	// distinguish call-local values from closed-over ones.
	callInput bool
}

func (b *Backend) mustVar(v backends.VarId) *variable {
	data := b.vars[v]
	if data == nil {
		exceptions.Panicf("govm: use of invalid or released variable r%d", v)
	}
	return data
}

// register installs a variable with one reference owned by the caller, and
// schedules it for the next evaluation boundary.
func (b *Backend) register(data *variable) backends.VarId {
	if b.finalized {
		exceptions.Panicf("govm: backend already finalized")
	}
	id := b.nextId
	b.nextId++
	data.refs = 1
	b.vars[id] = data
	if data.state == backends.VarStateUnevaluated {
		b.pending = append(b.pending, id)
	}
	return id
}

// Literal creates a variable holding `value` uniformly over `size` lanes.
func (b *Backend) Literal(dtype dtypes.DType, value any, size int) backends.VarId {
	if !supportedDType(dtype) {
		exceptions.Panicf("govm: unsupported dtype %s", dtype)
	}
	if size < 0 {
		exceptions.Panicf("govm: invalid literal size %d", size)
	}
	return b.register(&variable{
		dtype: dtype,
		size:  size,
		state: backends.VarStateLiteral,
		lit:   convertTo(dtype, value),
	})
}

// LiteralZero creates an all-zero literal of the given dtype and size.
func (b *Backend) LiteralZero(dtype dtypes.DType, size int) backends.VarId {
	return b.Literal(dtype, zeroOf(dtype), size)
}

// FromSlice creates an evaluated variable from a dense Go slice. This is the
// entry point tests and user code use to feed concrete lane data in.
func (b *Backend) FromSlice(dtype dtypes.DType, values any) backends.VarId {
	size := sliceLen(values)
	buf := allocSlice(dtype, size)
	for i := 0; i < size; i++ {
		laneSet(buf, i, convertTo(dtype, laneGet(values, i)))
	}
	return b.register(&variable{
		dtype: dtype,
		size:  size,
		state: backends.VarStateEvaluated,
		buf:   buf,
	})
}

func sliceLen(values any) int {
	switch s := values.(type) {
	case []bool:
		return len(s)
	case []int32:
		return len(s)
	case []int64:
		return len(s)
	case []uint32:
		return len(s)
	case []float32:
		return len(s)
	case []float64:
		return len(s)
	}
	exceptions.Panicf("govm: unsupported slice type %T", values)
	return 0
}

// IncRef acquires one reference to the variable.
func (b *Backend) IncRef(v backends.VarId) {
	if v == backends.InvalidVarId {
		return
	}
	b.mustVar(v).refs++
}

// DecRef releases one reference; the variable is freed at zero.
func (b *Backend) DecRef(v backends.VarId) {
	if v == backends.InvalidVarId {
		return
	}
	data := b.mustVar(v)
	data.refs--
	if data.refs < 0 {
		exceptions.Panicf("govm: variable r%d over-released", v)
	}
	if data.refs == 0 {
		delete(b.vars, v)
	}
}

// RefCount returns the current reference count, 0 for unknown variables.
func (b *Backend) RefCount(v backends.VarId) int {
	data := b.vars[v]
	if data == nil {
		return 0
	}
	return data.refs
}

// Size returns the lane count of the variable.
func (b *Backend) Size(v backends.VarId) int {
	return b.mustVar(v).size
}

// DType returns the element type of the variable.
func (b *Backend) DType(v backends.VarId) dtypes.DType {
	return b.mustVar(v).dtype
}

// State returns the evaluation state of the variable.
func (b *Backend) State(v backends.VarId) backends.VarState {
	data := b.vars[v]
	if data == nil {
		return backends.VarStateInvalid
	}
	return data.state
}

// IsZeroLiteral reports whether v is a literal zero/"false" constant.
func (b *Backend) IsZeroLiteral(v backends.VarId) bool {
	if v == backends.InvalidVarId {
		return false
	}
	data := b.mustVar(v)
	return data.state == backends.VarStateLiteral && isZeroScalar(data.lit)
}

// laneAt reads one lane with size-1 broadcast.
func (data *variable) laneAt(i int) any {
	if data.state == backends.VarStateLiteral {
		return data.lit
	}
	if data.size == 1 {
		i = 0
	}
	return laneGet(data.buf, i)
}

// Read evaluates (if needed) and returns a dense copy of the lanes.
func (b *Backend) Read(v backends.VarId) any {
	b.Schedule(v)
	b.Eval()
	data := b.mustVar(v)
	buf := allocSlice(data.dtype, data.size)
	for i := 0; i < data.size; i++ {
		laneSet(buf, i, data.laneAt(i))
	}
	return buf
}

// ReadScalar evaluates (if needed) and returns one lane's value.
func (b *Backend) ReadScalar(v backends.VarId, lane int) any {
	b.Schedule(v)
	b.Eval()
	data := b.mustVar(v)
	if lane < 0 || (lane >= data.size && data.size != 1) {
		exceptions.Panicf("govm: lane %d out of range for variable r%d of size %d", lane, v, data.size)
	}
	return data.laneAt(lane)
}

// Schedule marks the variable for the next evaluation boundary. Literal and
// already evaluated variables need no launch.
func (b *Backend) Schedule(v backends.VarId) {
	data := b.mustVar(v)
	if data.state != backends.VarStateUnevaluated {
		return
	}
	// register already queued it; nothing else to do for this VM.
}

// Eval launches all pending computation. One call with pending work counts
// as one kernel launch: computations separated by Eval are never fused.
func (b *Backend) Eval() {
	if len(b.pending) == 0 {
		return
	}
	launched := 0
	for _, v := range b.pending {
		data := b.vars[v]
		if data == nil || data.state != backends.VarStateUnevaluated {
			continue // released or already launched
		}
		data.state = backends.VarStateEvaluated
		launched++
	}
	b.pending = b.pending[:0]
	if launched > 0 {
		b.kernelLaunches++
		klog.V(2).Infof("govm: kernel launch #%d (%d variables)", b.kernelLaunches, launched)
	}
}

// popMask removes the top of the mask stack, releasing its reference.
func (b *Backend) popMask() {
	var top backends.VarId
	top, b.maskStack = xslices.Pop(b.maskStack)
	b.DecRef(top)
}
