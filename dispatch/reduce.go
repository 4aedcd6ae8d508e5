package dispatch

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// runReduce implements the Reduce-and-Evaluate strategy: the selector is
// evaluated, lanes are partitioned into buckets by selector value (skipping
// id 0 and masked-off lanes), and each callable runs once on its bucket's
// densely gathered argument lanes, with the results scattered back into the
// full-width return values (overwrite semantics; buckets are disjoint).
//
// Two adjacent buckets of equal lane count force an evaluation boundary
// between them, so logically distinct work is never fused into one kernel
// launch. This strategy installs no tape node of its own: tracked arguments
// flow through differentiable gathers/scatters, so derivatives are tracked
// inline by the dense per-bucket calls.
func (c *Call) runReduce(width int, liveIds []uint32, rv *[]handles.Handle) {
	b := c.Backend
	b.Schedule(c.Selector)
	if c.Mask != backends.InvalidVarId {
		b.Schedule(c.Mask)
	}
	for _, a := range c.Args {
		if !a.IsNull() {
			b.Schedule(backends.VarId(a.Data()))
		}
	}
	b.Eval()

	selLanes := b.Read(c.Selector).([]uint32)
	var maskLanes []bool
	if c.Mask != backends.InvalidVarId {
		maskLanes = b.Read(c.Mask).([]bool)
	}
	laneAt := func(i int) uint32 {
		if len(selLanes) == 1 {
			return selLanes[0]
		}
		return selLanes[i]
	}
	active := func(i int) bool {
		switch len(maskLanes) {
		case 0:
			return true
		case 1:
			return maskLanes[0]
		}
		return maskLanes[i]
	}

	buckets := make(map[uint32][]uint32)
	for i := 0; i < width; i++ {
		id := laneAt(i)
		if id == 0 || !active(i) {
			continue
		}
		buckets[id] = append(buckets[id], uint32(i))
	}
	if len(buckets) == 0 {
		// Every lane is inactive at runtime; same contract as the static
		// degenerate path.
		c.runDegenerate(width, rv)
		return
	}

	ck := newRvChecker(c)
	var out []handles.Handle
	defer func() {
		// On an error path the partially built return values are released;
		// on success ownership moved to *rv.
		c.releaseAll(out)
	}()

	prevSize := -1
	for _, id := range xslices.SortedKeys(buckets) {
		lanes := buckets[id]
		if len(lanes) == prevSize {
			b.Eval()
		}
		prevSize = len(lanes)

		instance := c.resolve(id)
		if (c.Domain != "" && instance == nil) || (c.Domain == "" && int(id) > c.CallableCount) {
			coreerrors.Panicf(coreerrors.KindMissingInstance, "dispatch", c.Name,
				"%d lanes select callable id %d, which does not resolve to an instance", len(lanes), id)
		}
		klog.V(2).Infof("dispatch %q: bucket id=%d lanes=%d", c.Name, id, len(lanes))

		func() {
			indexVar := b.FromSlice(dtypes.Uint32, lanes)
			defer b.DecRef(indexVar)
			bucketMask := b.MaskDefault(len(lanes))
			defer b.DecRef(bucketMask)

			gathered := make([]handles.Handle, len(c.Args))
			defer func() { c.releaseAll(gathered) }()
			for k, a := range c.Args {
				if a.IsNull() {
					continue
				}
				if a.Tracked() && c.Tape != nil {
					gathered[k] = c.Tape.Gather(a, indexVar, backends.InvalidVarId)
				} else {
					gathered[k] = handles.FromData(uint32(
						b.Gather(backends.VarId(a.Data()), indexVar, backends.InvalidVarId)))
				}
			}

			var rvLocal []handles.Handle
			defer func() { c.releaseAll(rvLocal) }()
			func() {
				b.MaskPush(bucketMask)
				defer b.MaskPop()
				c.Func(c.Payload, id, instance, gathered, &rvLocal)
			}()
			ck.check(id, rvLocal)

			if out == nil {
				out = make([]handles.Handle, ck.arity())
			}
			for j, h := range rvLocal {
				if h.IsNull() {
					continue
				}
				if out[j].IsNull() {
					out[j] = handles.FromData(uint32(b.LiteralZero(ck.dtypeOf(j), width)))
				}
				var merged handles.Handle
				if (h.Tracked() || out[j].Tracked()) && c.Tape != nil {
					merged = c.Tape.Scatter(out[j], h, indexVar, backends.InvalidVarId)
				} else {
					merged = handles.FromData(uint32(b.Scatter(
						backends.VarId(out[j].Data()), backends.VarId(h.Data()),
						indexVar, backends.InvalidVarId)))
				}
				c.release(out[j])
				out[j] = merged
			}
		}()
	}

	// Slots no callable initialized become zero literals (or an error if no
	// dtype was ever established).
	for j := range out {
		if out[j].IsNull() {
			out[j] = handles.FromData(uint32(b.LiteralZero(ck.dtypeOf(j), width)))
		}
	}
	*rv = append(*rv, out...)
	out = nil
}
