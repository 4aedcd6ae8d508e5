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

// Package ad implements the AD tape collaborator: a record of differentiable
// operations over batched variables, supporting reverse (VJP-style) and
// forward gradient traversal, gradient accumulation, and custom operations
// such as the dispatch engine's CallOp.
//
// A handles.Handle carries the tape node id in its high 32 bits; only handles
// with a non-zero AD id participate in traversal. The tape reference-counts
// its nodes: releasing the last reference of a custom-operation node invokes
// the operation's Release hook exactly once.
package ad

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
	"github.com/gomlx/lanes/types/xslices"
	"k8s.io/klog/v2"
)

// Mode selects the gradient traversal direction.
type Mode int

const (
	// Forward propagates tangents from inputs towards outputs.
	Forward Mode = iota
	// Backward propagates adjoints from outputs towards inputs.
	Backward
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Forward {
		return "Forward"
	}
	return "Backward"
}

// CustomOp is a user-installed tape operation spanning several inputs and
// outputs, replayed as a unit during traversal. The dispatch engine's CallOp
// is the canonical implementation.
type CustomOp interface {
	// Name identifies the operation in logs and errors.
	Name() string

	// Forward must accumulate the tangents of the operation's outputs from
	// the current tangents of its inputs.
	Forward()

	// Backward must accumulate the adjoints of the operation's inputs from
	// the current adjoints of its outputs.
	Backward()

	// Release is invoked exactly once, when the tape drops the last
	// reference to the operation's node.
	Release()
}

// node is one tape entry. Plain nodes propagate through their closures;
// custom-operation nodes delegate to their CustomOp.
type node struct {
	id   uint32
	refs int

	// dtype and size of the primal value, used to mint zero gradients.
	dtype dtypes.DType
	size  int

	// grad is the accumulated gradient variable (one tape-owned reference),
	// or InvalidVarId while none was accumulated.
	grad backends.VarId

	// deps are the tape ids this node was computed from (one node reference
	// each); consumers are the ids computed from this node (weak, no
	// references). Backward traversal follows deps, forward follows
	// consumers.
	deps      []uint32
	consumers []uint32

	// backward/forward propagate this node's gradient to/from deps. Nil for
	// leaves.
	backward func(t *Tape, n *node)
	forward  func(t *Tape, n *node)

	// op is set for custom-operation nodes.
	op CustomOp

	// data vars captured for the propagation closures (one backend reference
	// each, released with the node).
	captured []backends.VarId
}

// Tape is the AD collaborator instance for one backend.
type Tape struct {
	backend backends.Backend
	nodes   map[uint32]*node
	nextId  uint32

	// queue of node ids awaiting traversal.
	queue []uint32

	// boundaries is the stack of isolation boundaries: nodes with ids below
	// the top are invisible to traversal. Each boundary collects the
	// implicit dependencies observed while it is active.
	boundaries []uint32
	implicit   [][]uint32
}

// New creates an empty tape bound to a backend.
func New(backend backends.Backend) *Tape {
	return &Tape{
		backend: backend,
		nodes:   make(map[uint32]*node),
		nextId:  1,
	}
}

// Backend returns the backend this tape is bound to.
func (t *Tape) Backend() backends.Backend { return t.backend }

// NumLiveNodes returns how many tape nodes are currently alive. Used by
// tests to detect leaks.
func (t *Tape) NumLiveNodes() int { return len(t.nodes) }

func (t *Tape) mustNode(id uint32) *node {
	n := t.nodes[id]
	if n == nil {
		exceptions.Panicf("ad: use of invalid or released tape node a%d", id)
	}
	return n
}

func (t *Tape) newNode(dtype dtypes.DType, size int) *node {
	n := &node{
		id:    t.nextId,
		refs:  1,
		dtype: dtype,
		size:  size,
	}
	t.nextId++
	t.nodes[n.id] = n
	return n
}

// NewVar wraps the data part of h into a freshly tracked handle: the result
// shares h's data (acquiring one backend reference) and owns a new leaf tape
// node.
func (t *Tape) NewVar(h handles.Handle) handles.Handle {
	data := backends.VarId(h.Data())
	if data == backends.InvalidVarId {
		exceptions.Panicf("ad: NewVar of a null handle")
	}
	n := t.newNode(t.backend.DType(data), t.backend.Size(data))
	t.backend.IncRef(data)
	return handles.Join(n.id, uint32(data))
}

// IncRefNode acquires one reference to a tape node.
func (t *Tape) IncRefNode(id uint32) {
	if id == 0 {
		return
	}
	t.mustNode(id).refs++
}

// DecRefNode releases one reference to a tape node, freeing it (and invoking
// a custom operation's Release exactly once) at zero.
func (t *Tape) DecRefNode(id uint32) {
	if id == 0 {
		return
	}
	n := t.mustNode(id)
	n.refs--
	if n.refs < 0 {
		exceptions.Panicf("ad: tape node a%d over-released", id)
	}
	if n.refs > 0 {
		return
	}
	delete(t.nodes, id)
	if n.grad != backends.InvalidVarId {
		t.backend.DecRef(n.grad)
	}
	for _, v := range n.captured {
		t.backend.DecRef(v)
	}
	for _, dep := range n.deps {
		t.DecRefNode(dep)
	}
	if n.op != nil {
		op := n.op
		n.op = nil
		op.Release()
	}
}

// IncRef acquires one reference to both parts of a handle.
func (t *Tape) IncRef(h handles.Handle) {
	t.backend.IncRef(backends.VarId(h.Data()))
	t.IncRefNode(h.Grad())
}

// DecRef releases one reference of both parts of a handle.
func (t *Tape) DecRef(h handles.Handle) {
	t.backend.DecRef(backends.VarId(h.Data()))
	t.DecRefNode(h.Grad())
}

// Grad returns the currently accumulated gradient of the handle, as a new
// backend reference owned by the caller. Handles without an accumulated
// gradient (or untracked ones) yield an all-zero literal of the primal's
// dtype and size.
func (t *Tape) Grad(h handles.Handle) backends.VarId {
	if h.Tracked() {
		n := t.mustNode(h.Grad())
		if n.grad != backends.InvalidVarId {
			t.backend.IncRef(n.grad)
			return n.grad
		}
		return t.backend.LiteralZero(n.dtype, n.size)
	}
	data := backends.VarId(h.Data())
	return t.backend.LiteralZero(t.backend.DType(data), t.backend.Size(data))
}

// AccumGrad adds `grad` (borrowed) into the accumulated gradient of the
// handle's tape node. Untracked handles are ignored.
func (t *Tape) AccumGrad(h handles.Handle, grad backends.VarId) {
	if !h.Tracked() || grad == backends.InvalidVarId {
		return
	}
	t.accumNode(t.mustNode(h.Grad()), grad)
}

func (t *Tape) accumNode(n *node, grad backends.VarId) {
	b := t.backend
	folded := backends.InvalidVarId
	if n.size == 1 && b.Size(grad) > 1 {
		// A broadcast (size-1) value collects one adjoint contribution per
		// lane; its gradient is their lane-sum.
		folded = b.Sum(grad)
		grad = folded
	}
	if n.grad == backends.InvalidVarId {
		b.IncRef(grad)
		n.grad = grad
	} else {
		sum := b.Add(n.grad, grad)
		b.DecRef(n.grad)
		n.grad = sum
	}
	b.DecRef(folded)
}

// Enqueue queues the handle's tape node for the next Traverse call.
func (t *Tape) Enqueue(mode Mode, h handles.Handle) {
	_ = mode // direction is chosen by Traverse; the queue is shared
	if !h.Tracked() {
		return
	}
	t.queue = append(t.queue, h.Grad())
}

// Traverse propagates gradients for every queued node, in increasing id
// order for Forward and decreasing order for Backward. Each node is
// processed at most once per call; nodes below the current isolation
// boundary are skipped. The queue is consumed. Traverse is re-entrant:
// custom operations may enqueue and traverse recursively.
func (t *Tape) Traverse(mode Mode) {
	processed := make(map[uint32]bool)
	queue := t.queue
	t.queue = nil
	boundary := uint32(0)
	if len(t.boundaries) > 0 {
		boundary = xslices.Last(t.boundaries)
	}
	for len(queue) > 0 {
		best := -1
		for i, id := range queue {
			if best < 0 ||
				(mode == Backward && id > queue[best]) ||
				(mode == Forward && id < queue[best]) {
				best = i
			}
		}
		id := queue[best]
		queue[best] = xslices.Last(queue)
		queue = queue[:len(queue)-1]

		if processed[id] || id < boundary {
			continue
		}
		processed[id] = true
		n := t.nodes[id]
		if n == nil {
			continue
		}
		klog.V(2).Infof("ad: traverse %s visiting a%d", mode, id)
		switch {
		case n.op != nil:
			if mode == Backward {
				n.op.Backward()
			} else {
				n.op.Forward()
			}
		case mode == Backward && n.backward != nil:
			n.backward(t, n)
		case mode == Forward && n.forward != nil:
			n.forward(t, n)
		}
		if mode == Backward {
			queue = append(queue, n.deps...)
		} else {
			queue = append(queue, n.consumers...)
		}
		// Pick up nodes enqueued while processing.
		queue = append(queue, t.queue...)
		t.queue = nil
	}
}

// PushIsolation opens an isolation boundary: traversal started inside it
// does not visit nodes created before this call, and implicit dependencies
// observed inside are collected for CopyImplicitDeps.
func (t *Tape) PushIsolation() {
	t.boundaries = append(t.boundaries, t.nextId)
	t.implicit = append(t.implicit, nil)
}

// PopIsolation closes the innermost isolation boundary.
func (t *Tape) PopIsolation() {
	if len(t.boundaries) == 0 {
		exceptions.Panicf("ad: PopIsolation without a matching PushIsolation")
	}
	_, t.boundaries = xslices.Pop(t.boundaries)
	var dropped []uint32
	dropped, t.implicit = xslices.Pop(t.implicit)
	for _, id := range dropped {
		t.DecRefNode(id)
	}
}

// CheckImplicit records h's tape node as an implicit dependency if it was
// created before the innermost isolation boundary: a recorded callable that
// references it depends on state not passed as an explicit argument.
func (t *Tape) CheckImplicit(h handles.Handle) {
	if !h.Tracked() || len(t.boundaries) == 0 {
		return
	}
	adId := h.Grad()
	if adId >= xslices.Last(t.boundaries) {
		return
	}
	top := len(t.implicit) - 1
	for _, seen := range t.implicit[top] {
		if seen == adId {
			return
		}
	}
	t.IncRefNode(adId)
	t.implicit[top] = append(t.implicit[top], adId)
}

// CopyImplicitDeps returns (and transfers ownership of) the implicit
// dependencies collected since the innermost PushIsolation.
func (t *Tape) CopyImplicitDeps() []uint32 {
	if len(t.implicit) == 0 {
		return nil
	}
	top := len(t.implicit) - 1
	deps := t.implicit[top]
	t.implicit[top] = nil
	return deps
}

// InstallCustomOp registers op as a tape node depending on the given input
// nodes, with each output node redirecting its propagation to the operation.
// Node references: the operation node acquires one reference per input; each
// output acquires one reference to the operation node. Returns false -- and
// installs nothing -- when there is nothing to track on either side.
func (t *Tape) InstallCustomOp(op CustomOp, inputs, outputs []uint32) bool {
	if len(inputs) == 0 || len(outputs) == 0 {
		return false
	}
	opNode := t.newNode(dtypes.InvalidDType, 0)
	opNode.op = op
	opNode.deps = xslices.Copy(inputs)
	for _, id := range inputs {
		t.IncRefNode(id)
		t.mustNode(id).consumers = append(t.mustNode(id).consumers, opNode.id)
	}
	for _, id := range outputs {
		out := t.mustNode(id)
		t.IncRefNode(opNode.id)
		out.deps = append(out.deps, opNode.id)
		opNode.consumers = append(opNode.consumers, id)
	}
	// The installing caller keeps no reference of its own: the outputs own
	// the operation node.
	t.DecRefNode(opNode.id)
	klog.V(2).Infof("ad: installed custom op %q as a%d (%d inputs, %d outputs)",
		op.Name(), opNode.id, len(inputs), len(outputs))
	return true
}
