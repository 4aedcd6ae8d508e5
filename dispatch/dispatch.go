/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package dispatch implements polymorphic per-lane call dispatch: given a
// per-lane selector of 1-based instance ids and a batch of argument handles,
// it invokes the right callable per lane and recombines the per-lane results
// into batched return values.
//
// Three execution strategies exist, selected once per call:
//
//   - Getter: for pure scalar-per-instance reads, folded to a literal or to
//     a single table gather.
//   - Trace-Record: each live callable is traced hermetically against the
//     same recorder checkpoint and the traces are stitched into one symbolic
//     multi-way branch keyed by the selector.
//   - Reduce-and-Evaluate: lanes are partitioned into buckets by selector
//     value; each callable runs once on its bucket's densely gathered lanes
//     and the results are scattered back.
//
// A dispatch whose results feed differentiation installs a callOp node into
// the AD tape, which replays the dispatch during forward/backward traversal.
package dispatch

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/registry"
	"github.com/gomlx/lanes/types/handles"
	"k8s.io/klog/v2"
)

// Func is the user callback invoked once per callable (or per bucket). It
// receives the instance id (0 for the shape-probing call), the resolved
// instance (nil for ordinal dispatch and for the probe), and the argument
// handles (borrowed; the callback must not release them), and must append
// one handle per return value to *rv, transferring one reference each to the
// engine.
type Func func(payload any, instanceId uint32, instance any, args []handles.Handle, rv *[]handles.Handle)

// Call configures one dispatch. Exactly one of Domain (open-ended,
// registry-resolved dispatch) or CallableCount (closed, ordinally-indexed
// dispatch over ids 1..CallableCount) must be set.
type Call struct {
	Backend backends.Backend

	// Tape is the AD collaborator; nil disables differentiation entirely.
	Tape *ad.Tape

	// Registry resolves (Domain, id) to instances; nil means registry.Default.
	Registry *registry.Registry

	Domain        string
	CallableCount int

	// Name is the user-facing operation name cited in logs and errors.
	Name string

	// IsGetter declares the call a pure, side-effect-free scalar read.
	IsGetter bool

	// Selector holds the per-lane instance id (Uint32; id 0 = no instance).
	// InvalidVarId triggers the degenerate (shape-probing) path. Borrowed.
	Selector backends.VarId

	// Mask restricts the call to active lanes; InvalidVarId means all lanes.
	// Borrowed.
	Mask backends.VarId

	// Args are the call arguments, borrowed.
	Args []handles.Handle

	Payload any
	Func    Func

	// Cleanup releases the payload. Invoked exactly once: by the caller when
	// Dispatch returns true, by the AD tape when it returns false, or by
	// Dispatch itself before an error propagates.
	Cleanup func()

	// Differentiable requests a tape node for the call when any argument (or
	// implicit dependency) is tracked. The getter and Trace-Record strategies
	// produce one; the reduce strategy tracks derivatives inline during the
	// dense per-bucket calls instead.
	Differentiable bool
}

type strategy int

const (
	strategyGetter strategy = iota
	strategyRecord
	strategyReduce
)

func (s strategy) String() string {
	switch s {
	case strategyGetter:
		return "getter"
	case strategyRecord:
		return "record"
	}
	return "reduce"
}

// Dispatch runs the call and appends the batched return-value handles to
// *rv, one reference each to the caller. It returns true when the caller
// must invoke Cleanup now, and false when a tape node took ownership of the
// payload and will invoke Cleanup on release. If Dispatch panics, Cleanup
// has already run.
func (c *Call) Dispatch(rv *[]handles.Handle) bool {
	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		if c.Cleanup != nil {
			c.Cleanup()
		}
	}
	done := false
	defer func() {
		if !done {
			cleanup()
		}
	}()

	c.validate()
	width := c.batchWidth()
	liveIds := c.liveIds()

	if c.Selector == backends.InvalidVarId || width == 0 || len(liveIds) == 0 ||
		(c.Mask != backends.InvalidVarId && c.Backend.IsZeroLiteral(c.Mask)) {
		klog.V(2).Infof("dispatch %q: degenerate (width=%d, %d callables)", c.Name, width, len(liveIds))
		c.runDegenerate(width, rv)
		done = true
		return true
	}

	strat := c.selectStrategy()
	klog.V(2).Infof("dispatch %q: strategy=%s width=%d callables=%d args=%d",
		c.Name, strat, width, len(liveIds), len(c.Args))

	opOwns := false
	switch strat {
	case strategyGetter:
		opOwns = c.runGetter(width, liveIds, rv)
	case strategyReduce:
		c.runReduce(width, liveIds, rv)
	case strategyRecord:
		opOwns = c.runRecord(width, liveIds, rv)
	}
	done = true
	return !opOwns
}

func (c *Call) validate() {
	if c.Backend == nil || c.Func == nil {
		coreerrors.Panicf(coreerrors.KindConfiguration, "dispatch", c.Name,
			"a backend and a callback function are required")
	}
	if (c.Domain != "") == (c.CallableCount != 0) {
		coreerrors.Panicf(coreerrors.KindConfiguration, "dispatch", c.Name,
			"exactly one of Domain (%q) and CallableCount (%d) must be set",
			c.Domain, c.CallableCount)
	}
	if c.CallableCount < 0 {
		coreerrors.Panicf(coreerrors.KindConfiguration, "dispatch", c.Name,
			"negative CallableCount %d", c.CallableCount)
	}
	if c.Tape != nil && c.Tape.Backend() != c.Backend {
		coreerrors.Panicf(coreerrors.KindBackendMismatch, "dispatch", c.Name,
			"the AD tape is bound to backend %q, the call to %q",
			c.Tape.Backend().Name(), c.Backend.Name())
	}
	if c.Selector != backends.InvalidVarId && c.Backend.DType(c.Selector) != dtypes.Uint32 {
		coreerrors.Panicf(coreerrors.KindConfiguration, "dispatch", c.Name,
			"selector must be Uint32, got %s", c.Backend.DType(c.Selector))
	}
	if c.Mask != backends.InvalidVarId && c.Backend.DType(c.Mask) != dtypes.Bool {
		coreerrors.Panicf(coreerrors.KindConfiguration, "dispatch", c.Name,
			"mask must be Bool, got %s", c.Backend.DType(c.Mask))
	}
}

// batchWidth merges the lane counts of the selector, mask and arguments:
// size 1 broadcasts, anything else must agree.
func (c *Call) batchWidth() int {
	b := c.Backend
	width := 1
	merge := func(what string, size int) {
		if size == width || size == 1 {
			return
		}
		if width == 1 {
			width = size
			return
		}
		coreerrors.Panicf(coreerrors.KindShapeMismatch, "dispatch", c.Name,
			"%s has %d lanes, incompatible with batch width %d", what, size, width)
	}
	if c.Selector != backends.InvalidVarId {
		merge("selector", b.Size(c.Selector))
	}
	if c.Mask != backends.InvalidVarId {
		merge("mask", b.Size(c.Mask))
	}
	for i, a := range c.Args {
		if a.IsNull() {
			continue
		}
		merge(argName(i), b.Size(backends.VarId(a.Data())))
	}
	return width
}

func argName(i int) string {
	return fmt.Sprintf("argument #%d", i)
}

// liveIds enumerates the live 1-based callable ids in increasing order,
// skipping registry holes.
func (c *Call) liveIds() []uint32 {
	if c.Domain == "" {
		ids := make([]uint32, c.CallableCount)
		for i := range ids {
			ids[i] = uint32(i + 1)
		}
		return ids
	}
	reg := c.reg()
	bound := reg.IdBound(c.Domain)
	ids := make([]uint32, 0, bound)
	for id := uint32(1); id <= bound; id++ {
		if reg.Get(c.Domain, id) != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Call) reg() *registry.Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return registry.Default
}

// resolve maps a callable id to its instance: a registry lookup for domain
// dispatch, nil for ordinal dispatch.
func (c *Call) resolve(id uint32) any {
	if c.Domain == "" {
		return nil
	}
	return c.reg().Get(c.Domain, id)
}

// release drops the engine's references of a handle produced by a callback.
func (c *Call) release(h handles.Handle) {
	if h.IsNull() {
		return
	}
	c.Backend.DecRef(backends.VarId(h.Data()))
	if h.Tracked() && c.Tape != nil {
		c.Tape.DecRefNode(h.Grad())
	}
}

func (c *Call) releaseAll(hs []handles.Handle) {
	for _, h := range hs {
		c.release(h)
	}
}

// runDegenerate handles calls with no active lane: the callback is invoked
// exactly once with a null instance, under an all-false mask, purely to
// learn the return arity and dtypes; the results are all-zero literals.
func (c *Call) runDegenerate(width int, rv *[]handles.Handle) {
	b := c.Backend
	falseMask := b.Literal(dtypes.Bool, false, 1)
	defer b.DecRef(falseMask)
	var probe []handles.Handle
	func() {
		b.MaskPush(falseMask)
		defer b.MaskPop()
		c.Func(c.Payload, 0, nil, c.Args, &probe)
	}()
	defer c.releaseAll(probe)
	for _, h := range probe {
		if h.IsNull() {
			*rv = append(*rv, 0)
			continue
		}
		dtype := b.DType(backends.VarId(h.Data()))
		*rv = append(*rv, handles.FromData(uint32(b.LiteralZero(dtype, width))))
	}
}

// selectStrategy picks the execution strategy from the call configuration
// and the recorder state.
func (c *Call) selectStrategy() strategy {
	switch {
	case c.IsGetter:
		return strategyGetter
	case c.Backend.SymbolicCallsEnabled():
		return strategyRecord
	case c.Backend.IsRecording():
		coreerrors.Panicf(coreerrors.KindUnsupportedMode, "dispatch", c.Name,
			"evaluated-mode dispatch while the recorder is mid-symbolic-trace; "+
				"enable symbolic calls or finish the current trace first")
	}
	return strategyReduce
}
