package dispatch

import (
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// idBound returns the exclusive-ish upper bound of callable ids: ids run
// 1..idBound, possibly with registry holes.
func (c *Call) idBound() uint32 {
	if c.Domain == "" {
		return uint32(c.CallableCount)
	}
	return c.reg().IdBound(c.Domain)
}

// runGetter handles pure scalar-per-instance reads: every live callable is
// invoked once, and each return slot either folds to a single literal (all
// callables agree on the same literal value) or becomes one gather against a
// per-instance lookup table indexed by the selector. Either way, O(callables)
// divergent reads turn into O(1) work per lane.
//
// A getter whose returns carry AD nodes feeds the same differentiable call
// hook as the Trace-Record strategy; returns true when a call node was
// installed, in which case the tape now owns the payload cleanup.
func (c *Call) runGetter(width int, liveIds []uint32, rv *[]handles.Handle) (opOwns bool) {
	b := c.Backend
	if c.Tape != nil {
		// Tracked instance state read by a callable surfaces as an implicit
		// dependency of this boundary.
		c.Tape.PushIsolation()
		defer c.Tape.PopIsolation()
	}

	args := c.Args
	var rewrapped []handles.Handle
	if c.Tape != nil {
		args = xslices.Copy(c.Args)
		for i, a := range c.Args {
			if a.Tracked() {
				// A fresh node per tracked argument, as in the record path.
				args[i] = c.Tape.NewVar(a)
				rewrapped = append(rewrapped, args[i])
			}
		}
		defer func() {
			for _, w := range rewrapped {
				c.Tape.DecRef(w)
			}
		}()
	}

	ck := newRvChecker(c)
	rvTracked := false
	perId := make(map[uint32][]handles.Handle, len(liveIds))
	defer func() {
		for _, hs := range perId {
			c.releaseAll(hs)
		}
	}()

	for _, id := range liveIds {
		var rvLocal []handles.Handle
		c.Func(c.Payload, id, c.resolve(id), args, &rvLocal)
		perId[id] = rvLocal
		ck.check(id, rvLocal)
		for j, h := range rvLocal {
			if h.IsNull() {
				continue
			}
			if h.Tracked() && c.Tape != nil {
				rvTracked = true
				// Getters typically return the instance's handle as-is.
				c.Tape.CheckImplicit(h)
			}
			if size := b.Size(backends.VarId(h.Data())); size != 1 {
				coreerrors.Panicf(coreerrors.KindShapeMismatch, "dispatch", c.Name,
					"getter return value %d of callable %d has %d lanes, expected a scalar", j, id, size)
			}
		}
	}

	bound := c.idBound()
	for j := 0; j < ck.arity(); j++ {
		dtype := ck.dtypeOf(j)

		folded := true
		var foldValue any
		for k, id := range liveIds {
			h := perId[id][j]
			if h.IsNull() || b.State(backends.VarId(h.Data())) != backends.VarStateLiteral {
				folded = false
				break
			}
			v := b.ReadScalar(backends.VarId(h.Data()), 0)
			if k == 0 {
				foldValue = v
			} else if v != foldValue {
				folded = false
				break
			}
		}
		if folded {
			klog.V(2).Infof("dispatch %q: getter return value %d folded to literal %v", c.Name, j, foldValue)
			*rv = append(*rv, handles.FromData(uint32(b.Literal(dtype, foldValue, width))))
			continue
		}

		entries := make([]backends.VarId, bound)
		for _, id := range liveIds {
			if h := perId[id][j]; !h.IsNull() {
				entries[id-1] = backends.VarId(h.Data())
			}
		}
		table := b.Aggregate(dtype, entries)
		*rv = append(*rv, handles.FromData(uint32(b.Gather(table, c.Selector, c.Mask))))
		b.DecRef(table)
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
	if c.Differentiable && c.Tape != nil && rvTracked && ck.arity() > 0 &&
		(len(trackedIn) > 0 || len(implicit) > 0) {
		return c.installCallOp(trackedIn, implicit, rv)
	}
	for _, id := range implicit {
		c.Tape.DecRefNode(id)
	}
	return false
}
