package govm

import (
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
	"k8s.io/klog/v2"
)

// Evaluated-mode renditions of the structured control-flow constructs: this
// VM physically runs both branch sides (and every loop iteration) and merges
// results by mask. Termination scheduling lives here, not in package flow,
// whose contract is only the callback behavior.

// Cond runs body(true) and body(false) each under the respective lane mask
// and installs the per-lane blend of the two return-value sets.
func (b *Backend) Cond(name string, cond backends.VarId, body func(branch bool),
	read func() []handles.Handle, write func([]handles.Handle)) {
	runSide := func(mask backends.VarId, branch bool) []handles.Handle {
		b.MaskPush(mask)
		defer b.MaskPop()
		body(branch)
		return read()
	}

	rvTrue := runSide(cond, true)
	release := func(hs []handles.Handle) {
		for _, h := range hs {
			b.DecRef(backends.VarId(h.Data()))
		}
	}
	defer release(rvTrue)

	notCond := b.Not(cond)
	defer b.DecRef(notCond)
	rvFalse := runSide(notCond, false)
	defer release(rvFalse)

	if len(rvTrue) != len(rvFalse) {
		coreerrors.Panicf(coreerrors.KindShapeMismatch, "if", name,
			"the two branches returned %d and %d state variables", len(rvTrue), len(rvFalse))
	}
	klog.V(2).Infof("govm: cond %q merging %d return variables", name, len(rvTrue))

	merged := make([]handles.Handle, len(rvTrue))
	for i := range rvTrue {
		merged[i] = handles.FromData(uint32(
			b.Select(cond, backends.VarId(rvTrue[i].Data()), backends.VarId(rvFalse[i].Data()))))
	}
	write(merged)
}

// Loop re-executes body while any lane of cond() remains active. Each
// iteration runs under the active mask and the state is blended so lanes
// whose condition went false stop evolving.
func (b *Backend) Loop(name string, cond func() backends.VarId, body func(),
	read func() []handles.Handle, write func([]handles.Handle)) {
	for iteration := 0; ; iteration++ {
		active := cond()
		if !b.Any(active) {
			b.DecRef(active)
			klog.V(2).Infof("govm: loop %q finished after %d iterations", name, iteration)
			return
		}

		b.runLoopIteration(active, body, read, write)
		b.DecRef(active)
	}
}

func (b *Backend) runLoopIteration(active backends.VarId, body func(),
	read func() []handles.Handle, write func([]handles.Handle)) {
	release := func(hs []handles.Handle) {
		for _, h := range hs {
			b.DecRef(backends.VarId(h.Data()))
		}
	}

	before := read()
	defer release(before)

	func() {
		b.MaskPush(active)
		defer b.MaskPop()
		body()
	}()

	after := read()
	defer release(after)

	merged := make([]handles.Handle, len(after))
	for i := range after {
		merged[i] = handles.FromData(uint32(
			b.Select(active, backends.VarId(after[i].Data()), backends.VarId(before[i].Data()))))
	}
	write(merged)
}
