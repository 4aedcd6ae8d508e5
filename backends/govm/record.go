package govm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// The govm recorder does not defer execution: variables are computed as they
// are created, so a "recording" is a bracketed region of variable creation.
// Checkpoints are monotonic scope tokens; rolling back to one only resets the
// scope naming, since unreferenced variables already die via refcounts.

// IsRecording reports whether the recorder is mid-symbolic-trace.
func (b *Backend) IsRecording() bool {
	return len(b.recordNames) > 0
}

// RecordBegin starts a recording region and returns a checkpoint token.
func (b *Backend) RecordBegin(name string) uint32 {
	b.recordNames = append(b.recordNames, name)
	b.scopeCounter++
	klog.V(2).Infof("govm: record begin %q (scope %d)", name, b.scopeCounter)
	return b.scopeCounter
}

// RecordCheckpoint rewinds the scope state to the start of the current
// region and returns a fresh checkpoint token.
func (b *Backend) RecordCheckpoint() uint32 {
	if !b.IsRecording() {
		exceptions.Panicf("govm: RecordCheckpoint outside of a recording region")
	}
	b.scopeCounter++
	return b.scopeCounter
}

// RecordEnd closes the current recording region.
func (b *Backend) RecordEnd(checkpoint uint32, commit bool) {
	if !b.IsRecording() {
		exceptions.Panicf("govm: RecordEnd outside of a recording region")
	}
	var name string
	name, b.recordNames = xslices.Pop(b.recordNames)
	klog.V(2).Infof("govm: record end %q (checkpoint %d, commit=%v)", name, checkpoint, commit)
}

// CallInput wraps a variable as an explicit input of a symbolic call. The
// wrapper shares the (immutable) lane data of the original.
func (b *Backend) CallInput(v backends.VarId) backends.VarId {
	data := b.mustVar(v)
	return b.register(&variable{
		dtype:     data.dtype,
		size:      data.size,
		state:     data.state,
		lit:       data.lit,
		buf:       data.buf,
		callInput: true,
	})
}

// AssembleCall stitches per-callable traces into one call keyed by the
// selector. For this evaluating VM the stitching is a blend: for each return
// slot, lanes take the value produced by the callable their selector id
// names, and 0 where the mask is off or no live callable matches.
func (b *Backend) AssembleCall(name string, selector, mask backends.VarId, instanceIds []uint32,
	inputs []backends.VarId, perCallableRv []backends.VarId, checkpoints []uint32, rvOut []backends.VarId) {
	_ = inputs      // call-local wrappers; lane data already flowed into perCallableRv
	_ = checkpoints // no deferred trace to splice in this VM
	numRv := len(rvOut)
	if numRv == 0 {
		return
	}
	if len(perCallableRv) != numRv*len(instanceIds) {
		exceptions.Panicf("govm: AssembleCall(%q): %d return variables for %d callables of %d returns each",
			name, len(perCallableRv), len(instanceIds), numRv)
	}
	width := b.Size(selector)
	if mask != backends.InvalidVarId {
		width = broadcastSize("AssembleCall", width, b.Size(mask))
	}
	klog.V(2).Infof("govm: assemble call %q: %d callables, %d returns, width %d",
		name, len(instanceIds), numRv, width)

	for j := 0; j < numRv; j++ {
		out := b.LiteralZero(b.DType(perCallableRv[j]), width)
		for k, instId := range instanceIds {
			idLit := b.Literal(b.DType(selector), instId, 1)
			cond := b.Eq(selector, idLit)
			b.DecRef(idLit)
			if mask != backends.InvalidVarId {
				masked := b.And(cond, mask)
				b.DecRef(cond)
				cond = masked
			}
			blended := b.Select(cond, perCallableRv[k*numRv+j], out)
			b.DecRef(cond)
			b.DecRef(out)
			out = blended
		}
		rvOut[j] = out
	}
}
