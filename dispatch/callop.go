package dispatch

import (
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/registry"
	"github.com/gomlx/lanes/types/handles"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// callOp is the differentiable call hook: one tape node standing for a whole
// dispatched call. It stashes the call configuration and replays the
// dispatch during forward/backward traversal with the gradient slots
// appended to the argument list, so the gradients travel through the same
// gather/record/scatter machinery as the primal values.
//
// Only argument positions that actually carry an AD tag are tracked;
// constant arguments are passed through unchanged on every replay.
type callOp struct {
	backend backends.Backend
	tape    *ad.Tape

	name          string
	domain        string
	callableCount int
	reg           *registry.Registry

	selector, mask backends.VarId   // one backend reference each
	args           []handles.Handle // stashed, one reference per part each
	trackedIn      []int            // positions of tracked arguments
	implicit       []uint32         // implicit dependency nodes, one reference each
	outputs        []handles.Handle // the tracked call results; weak, the tape owns them

	fn      Func
	payload any
	cleanup func()

	// armed marks that the tape took ownership of the payload: Release then
	// runs the cleanup callback.
	armed    bool
	released bool
}

// installCallOp wraps the freshly assembled return values as tracked tape
// variables and installs a callOp depending on the tracked arguments plus
// the implicit dependencies (whose references it takes over). Returns true
// when the tape took ownership of the payload cleanup.
func (c *Call) installCallOp(trackedIn []int, implicit []uint32, rv *[]handles.Handle) bool {
	t, b := c.Tape, c.Backend
	op := &callOp{
		backend:       b,
		tape:          t,
		name:          c.Name,
		domain:        c.Domain,
		callableCount: c.CallableCount,
		reg:           c.Registry,
		selector:      c.Selector,
		mask:          c.Mask,
		args:          xslices.Copy(c.Args),
		trackedIn:     trackedIn,
		implicit:      implicit,
		fn:            c.Func,
		payload:       c.Payload,
		cleanup:       c.Cleanup,
	}
	for _, a := range op.args {
		if !a.IsNull() {
			t.IncRef(a)
		}
	}
	b.IncRef(op.selector)
	b.IncRef(op.mask)

	op.outputs = make([]handles.Handle, len(*rv))
	var outNodes []uint32
	for j, h := range *rv {
		if h.IsNull() {
			continue
		}
		wrapped := t.NewVar(h)
		b.DecRef(backends.VarId(h.Data()))
		(*rv)[j] = wrapped
		op.outputs[j] = wrapped
		outNodes = append(outNodes, wrapped.Grad())
	}

	inNodes := make([]uint32, 0, len(trackedIn)+len(implicit))
	for _, k := range trackedIn {
		inNodes = append(inNodes, op.args[k].Grad())
	}
	inNodes = append(inNodes, implicit...)

	if !t.InstallCustomOp(op, inNodes, outNodes) {
		// Nothing to connect on either side: hand the results back to the
		// caller as plain data handles.
		for j, h := range op.outputs {
			if h.IsNull() {
				continue
			}
			t.DecRefNode(h.Grad())
			(*rv)[j] = h.Detached()
		}
		op.Release()
		return false
	}
	op.armed = true
	return true
}

// Name implements ad.CustomOp.
func (op *callOp) Name() string { return op.name }

// replay builds the recursive, non-differentiable dispatch used by
// forward/backward, with the gradient handles appended to the stashed
// (detached) arguments.
func (op *callOp) replay(suffix string, fn Func, extra []handles.Handle) *Call {
	args := make([]handles.Handle, 0, len(op.args)+len(extra))
	for _, a := range op.args {
		args = append(args, a.Detached())
	}
	args = append(args, extra...)
	return &Call{
		Backend:       op.backend,
		Tape:          op.tape,
		Registry:      op.reg,
		Domain:        op.domain,
		CallableCount: op.callableCount,
		Name:          op.name + suffix,
		Selector:      op.selector,
		Mask:          op.mask,
		Args:          args,
		Payload:       op.payload,
		Func:          fn,
	}
}

// Forward implements ad.CustomOp: output tangent = dispatch of the
// per-callable tangents, seeded from the current input tangents.
func (op *callOp) Forward() {
	t, b := op.tape, op.backend
	klog.V(2).Infof("dispatch %q: forward replay", op.name)

	tangents := make([]handles.Handle, 0, len(op.trackedIn))
	for _, k := range op.trackedIn {
		tangents = append(tangents, handles.FromData(uint32(t.Grad(op.args[k]))))
	}
	defer func() {
		for _, g := range tangents {
			b.DecRef(backends.VarId(g.Data()))
		}
	}()

	var rvg []handles.Handle
	sub := op.replay("_fwd", op.forwardCb, tangents)
	sub.Dispatch(&rvg)
	defer sub.releaseAll(rvg)

	for i, out := range op.outputs {
		if out.IsNull() {
			continue
		}
		t.AccumGrad(out, backends.VarId(rvg[i].Data()))
	}
}

// forwardCb runs one callable with its tracked arguments re-attached and
// seeded, then returns the tangents of its results.
func (op *callOp) forwardCb(_ any, id uint32, instance any, argsLocal []handles.Handle, rv *[]handles.Handle) {
	t := op.tape
	n := len(op.args)
	primal, tangents := argsLocal[:n], argsLocal[n:]

	attached := xslices.Copy(primal)
	for j, k := range op.trackedIn {
		attached[k] = t.NewVar(primal[k])
		t.AccumGrad(attached[k], backends.VarId(tangents[j].Data()))
		t.Enqueue(ad.Forward, attached[k])
	}
	defer func() {
		for _, k := range op.trackedIn {
			t.DecRef(attached[k])
		}
	}()

	var rvLocal []handles.Handle
	op.fn(op.payload, id, instance, attached, &rvLocal)
	t.Traverse(ad.Forward)

	for _, h := range rvLocal {
		*rv = append(*rv, handles.FromData(uint32(t.Grad(h))))
	}
	op.releaseAll(rvLocal)
}

// Backward implements ad.CustomOp: input adjoints = dispatch of the
// per-callable adjoints, seeded from the current output adjoints. The replay
// runs inside an isolation boundary so traversal cannot leak into nodes
// created before the call.
func (op *callOp) Backward() {
	t, b := op.tape, op.backend
	klog.V(2).Infof("dispatch %q: backward replay", op.name)

	seeds := make([]handles.Handle, 0, len(op.outputs))
	for _, out := range op.outputs {
		seeds = append(seeds, handles.FromData(uint32(t.Grad(out))))
	}
	defer func() {
		for _, g := range seeds {
			b.DecRef(backends.VarId(g.Data()))
		}
	}()

	// Closed-over adjoints accumulate directly while the callables replay, so
	// the replay runs evaluated: each callable then sees only the lanes that
	// actually selected it.
	t.PushIsolation()
	symbolic := b.SetSymbolicCalls(false)
	var rvg []handles.Handle
	sub := op.replay("_bwd", op.backwardCb, seeds)
	func() {
		defer t.PopIsolation()
		defer b.SetSymbolicCalls(symbolic)
		sub.Dispatch(&rvg)
	}()
	defer sub.releaseAll(rvg)

	for j, k := range op.trackedIn {
		t.AccumGrad(op.args[k], backends.VarId(rvg[j].Data()))
	}
}

// backwardCb runs one callable with its tracked arguments re-attached,
// seeds its results with the output adjoints, traverses backward, and
// returns the adjoints of the tracked arguments.
func (op *callOp) backwardCb(_ any, id uint32, instance any, argsLocal []handles.Handle, rv *[]handles.Handle) {
	t := op.tape
	n := len(op.args)
	primal, seeds := argsLocal[:n], argsLocal[n:]

	attached := xslices.Copy(primal)
	for _, k := range op.trackedIn {
		attached[k] = t.NewVar(primal[k])
	}
	defer func() {
		for _, k := range op.trackedIn {
			t.DecRef(attached[k])
		}
	}()

	var rvLocal []handles.Handle
	defer func() { op.releaseAll(rvLocal) }()
	op.fn(op.payload, id, instance, attached, &rvLocal)
	for j, h := range rvLocal {
		t.AccumGrad(h, backends.VarId(seeds[j].Data()))
		t.Enqueue(ad.Backward, h)
	}
	t.Traverse(ad.Backward)

	for _, k := range op.trackedIn {
		*rv = append(*rv, handles.FromData(uint32(t.Grad(attached[k]))))
	}
}

func (op *callOp) releaseAll(hs []handles.Handle) {
	for _, h := range hs {
		if h.IsNull() {
			continue
		}
		op.backend.DecRef(backends.VarId(h.Data()))
		if h.Tracked() {
			op.tape.DecRefNode(h.Grad())
		}
	}
}

// Release implements ad.CustomOp: invoked exactly once when the tape drops
// the node. Releases the stashed references and, if the tape owned the
// payload, runs the cleanup callback.
func (op *callOp) Release() {
	if op.released {
		return
	}
	op.released = true
	t, b := op.tape, op.backend
	for _, a := range op.args {
		if !a.IsNull() {
			t.DecRef(a)
		}
	}
	b.DecRef(op.selector)
	b.DecRef(op.mask)
	for _, id := range op.implicit {
		t.DecRefNode(id)
	}
	if op.armed && op.cleanup != nil {
		op.cleanup()
	}
}
