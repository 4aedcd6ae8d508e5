package flow

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
	"k8s.io/klog/v2"
)

// condHandle normalizes a condition value (*Var or handles.Handle) into a
// boolean batch handle, borrowed.
func condHandle(construct, name string, backend backends.Backend, cond any) handles.Handle {
	var h handles.Handle
	switch c := cond.(type) {
	case handles.Handle:
		h = c
	case *Var:
		h = c.Handle()
	default:
		coreerrors.Panicf(coreerrors.KindConfiguration, construct, name,
			"unsupported condition type %T, expected bool, *flow.Var or handles.Handle", cond)
	}
	if h.IsNull() {
		coreerrors.Panicf(coreerrors.KindUninitializedValue, construct, name,
			"the condition is a null handle")
	}
	if dt := backend.DType(backends.VarId(h.Data())); dt != dtypes.Bool {
		coreerrors.Panicf(coreerrors.KindConfiguration, construct, name,
			"the condition must be Bool, got %s", dt)
	}
	return h
}

// readScalarCond reads a batched condition back as one Go bool; it must be a
// single-lane batch.
func readScalarCond(construct, name string, backend backends.Backend, h handles.Handle) bool {
	data := backends.VarId(h.Data())
	if size := backend.Size(data); size != 1 {
		coreerrors.Panicf(coreerrors.KindShapeMismatch, construct, name,
			"scalar mode requires a single-lane condition, got %d lanes", size)
	}
	return backend.ReadScalar(data, 0).(bool)
}

// If runs trueFn or falseFn per lane of cond over a state value.
//
// A Go bool condition (or ModeScalar) takes the scalar fast path: exactly
// one of the two functions runs directly on the state, no tracing. Otherwise
// cond must be a boolean batch; both functions then run on deep copies of
// the state under the respective lane masks, their returned states must
// agree in shape, and the result is the per-lane merge.
//
// Ownership: If consumes the input state and returns the final state; the
// branch functions take ownership of the state they receive and return a
// state whose leaves they own. tape may be nil when no leaf is tracked.
func If(backend backends.Backend, tape *ad.Tape, name string, cond any, state any,
	trueFn, falseFn func(state any) any, mode Mode) any {
	mode.check("if", name)

	if b, ok := cond.(bool); ok && mode != ModeSymbolic && mode != ModeEvaluated {
		if b {
			return trueFn(state)
		}
		return falseFn(state)
	}
	condH := condHandle("if", name, backend, cond)
	if mode == ModeScalar {
		if readScalarCond("if", name, backend, condH) {
			return trueFn(state)
		}
		return falseFn(state)
	}

	klog.V(2).Infof("flow: if %q tracing both branches", name)
	tk := newTracker("if", name, backend, tape)
	var result any
	var branchResults []any
	body := func(branch bool) {
		fn := falseFn
		if branch {
			fn = trueFn
		}
		out := fn(copyState(tape, state))
		branchResults = append(branchResults, out)
		result = out
	}
	read := func() []handles.Handle { return tk.Read(result) }
	write := func(hs []handles.Handle) { result = tk.Write(result, hs) }
	backend.Cond(name, backends.VarId(condH.Data()), body, read, write)

	for _, br := range branchResults {
		releaseState(tape, br)
	}
	final, reusedInput := uncopy(tape, state, result)
	if !reusedInput {
		releaseState(tape, state)
	}
	return final
}
