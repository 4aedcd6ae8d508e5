package dispatch

import (
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
	"k8s.io/klog/v2"
)

// runRecord implements the Trace-Record strategy: every argument is wrapped
// once as an explicit call input, then each live callable is traced against
// a fresh recorder checkpoint (in strictly increasing callable order, each
// rollback restoring the recorder's scope state), and the per-callable
// traces are stitched by the backend into one symbolic multi-way branch
// keyed by the selector.
//
// Returns true when a differentiable call node was installed into the tape,
// in which case the tape now owns the payload cleanup.
func (c *Call) runRecord(width int, liveIds []uint32, rv *[]handles.Handle) (opOwns bool) {
	b := c.Backend
	if c.Tape != nil {
		// Tracked state referenced by a callable but not passed as an
		// argument surfaces as an implicit dependency of this boundary.
		c.Tape.PushIsolation()
		defer c.Tape.PopIsolation()
	}

	base := b.RecordBegin(c.Name)
	committed := false
	defer func() { b.RecordEnd(base, committed) }()

	inputs := make([]backends.VarId, len(c.Args))
	wrapped := make([]handles.Handle, len(c.Args))
	for i, a := range c.Args {
		if a.IsNull() {
			continue
		}
		inputs[i] = b.CallInput(backends.VarId(a.Data()))
		wrapped[i] = handles.FromData(uint32(inputs[i]))
		if a.Tracked() && c.Tape != nil {
			// A fresh node per tracked argument: the traces must reach the
			// caller's tape only through closed-over state.
			wrapped[i] = c.Tape.NewVar(wrapped[i])
		}
	}
	defer func() {
		for _, v := range inputs {
			b.DecRef(v)
		}
		for _, w := range wrapped {
			if w.Tracked() {
				c.Tape.DecRef(w)
			}
		}
	}()

	ck := newRvChecker(c)
	var instanceIds, checkpoints []uint32
	var perCallableRv []backends.VarId
	defer func() {
		for _, v := range perCallableRv {
			b.DecRef(v)
		}
	}()

	callMask := b.CallMask()
	defer b.DecRef(callMask)

	for _, id := range liveIds {
		instance := c.resolve(id)
		checkpoint := b.RecordCheckpoint()
		var rvLocal []handles.Handle
		func() {
			b.MaskPush(callMask)
			defer b.MaskPop()
			c.Func(c.Payload, id, instance, wrapped, &rvLocal)
		}()
		// Transfer the references into perCallableRv before checking, so a
		// malformed callable's results still die with the aborted trace.
		for _, h := range rvLocal {
			perCallableRv = append(perCallableRv, backends.VarId(h.Data()))
			if h.Tracked() && c.Tape != nil {
				// A callable may return closed-over state as-is.
				c.Tape.CheckImplicit(h)
				c.Tape.DecRefNode(h.Grad())
			}
		}
		ck.check(id, rvLocal)
		instanceIds = append(instanceIds, id)
		checkpoints = append(checkpoints, checkpoint)
	}

	// Null slots of the first callable become zero-literal placeholders of
	// the dtype the other callables established.
	numRv := ck.arity()
	for k := range perCallableRv {
		if perCallableRv[k] == backends.InvalidVarId {
			perCallableRv[k] = b.LiteralZero(ck.dtypeOf(k%numRv), 1)
		}
	}

	rvOut := make([]backends.VarId, numRv)
	b.AssembleCall(c.Name, c.Selector, c.Mask, instanceIds, inputs, perCallableRv, checkpoints, rvOut)
	committed = true
	klog.V(2).Infof("dispatch %q: recorded %d callables, %d return values", c.Name, len(instanceIds), numRv)

	*rv = make([]handles.Handle, numRv)
	for j, v := range rvOut {
		(*rv)[j] = handles.FromData(uint32(v))
	}

	var implicit []uint32
	if c.Tape != nil {
		implicit = c.Tape.CopyImplicitDeps()
	}
	var trackedIn []int
	for i, a := range c.Args {
		if a.Tracked() {
			trackedIn = append(trackedIn, i)
		}
	}
	if c.Differentiable && c.Tape != nil && numRv > 0 && (len(trackedIn) > 0 || len(implicit) > 0) {
		return c.installCallOp(trackedIn, implicit, rv)
	}
	for _, id := range implicit {
		c.Tape.DecRefNode(id)
	}
	return false
}
