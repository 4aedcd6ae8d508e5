package ad

import (
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
)

// Differentiable wrappers around the backend primitives. Each returns a
// handle owning one data reference; the result is tracked iff any operand
// was. Tracked operands referenced inside an isolation boundary are reported
// as implicit dependencies.

// attach wraps a freshly computed data variable (whose reference is stolen)
// into a tracked handle with the given propagation closures. The node holds
// one reference per tracked operand and per captured data variable (also
// stolen).
func (t *Tape) attach(data backends.VarId, operands []handles.Handle, captured []backends.VarId,
	backward, forward func(t *Tape, n *node)) handles.Handle {
	n := t.newNode(t.backend.DType(data), t.backend.Size(data))
	for _, h := range operands {
		if !h.Tracked() {
			continue
		}
		t.CheckImplicit(h)
		t.IncRefNode(h.Grad())
		n.deps = append(n.deps, h.Grad())
		t.mustNode(h.Grad()).consumers = append(t.mustNode(h.Grad()).consumers, n.id)
	}
	n.captured = captured
	n.backward = backward
	n.forward = forward
	return handles.Join(n.id, uint32(data))
}

// Add builds x + y, tracked if either operand is.
func (t *Tape) Add(x, y handles.Handle) handles.Handle {
	b := t.backend
	data := b.Add(backends.VarId(x.Data()), backends.VarId(y.Data()))
	if !x.Tracked() && !y.Tracked() {
		return handles.FromData(uint32(data))
	}
	return t.attach(data, []handles.Handle{x, y}, nil,
		func(t *Tape, n *node) {
			if n.grad == backends.InvalidVarId {
				return
			}
			t.AccumGrad(x, n.grad)
			t.AccumGrad(y, n.grad)
		},
		func(t *Tape, n *node) {
			gx, gy := t.Grad(x), t.Grad(y)
			sum := b.Add(gx, gy)
			t.accumNode(n, sum)
			b.DecRef(sum)
			b.DecRef(gx)
			b.DecRef(gy)
		})
}

// Mul builds x * y, tracked if either operand is.
func (t *Tape) Mul(x, y handles.Handle) handles.Handle {
	b := t.backend
	xd, yd := backends.VarId(x.Data()), backends.VarId(y.Data())
	data := b.Mul(xd, yd)
	if !x.Tracked() && !y.Tracked() {
		return handles.FromData(uint32(data))
	}
	b.IncRef(xd)
	b.IncRef(yd)
	return t.attach(data, []handles.Handle{x, y}, []backends.VarId{xd, yd},
		func(t *Tape, n *node) {
			if n.grad == backends.InvalidVarId {
				return
			}
			if x.Tracked() {
				gx := b.Mul(n.grad, yd)
				t.AccumGrad(x, gx)
				b.DecRef(gx)
			}
			if y.Tracked() {
				gy := b.Mul(n.grad, xd)
				t.AccumGrad(y, gy)
				b.DecRef(gy)
			}
		},
		func(t *Tape, n *node) {
			gx, gy := t.Grad(x), t.Grad(y)
			a, c := b.Mul(gx, yd), b.Mul(gy, xd)
			sum := b.Add(a, c)
			t.accumNode(n, sum)
			for _, v := range []backends.VarId{gx, gy, a, c, sum} {
				b.DecRef(v)
			}
		})
}

// Gather builds out[i] = src[index[i]] under the mask. The index and mask
// are borrowed plain variables and treated as constants by differentiation.
// The adjoint scatters the output gradient back to the gathered lanes, which
// is exact when the gathered lanes are distinct (as the per-bucket dense
// calls of a dispatch guarantee).
func (t *Tape) Gather(src handles.Handle, index, mask backends.VarId) handles.Handle {
	b := t.backend
	srcData := backends.VarId(src.Data())
	data := b.Gather(srcData, index, mask)
	if !src.Tracked() {
		return handles.FromData(uint32(data))
	}
	srcSize := b.Size(srcData)
	srcDType := b.DType(srcData)
	b.IncRef(index)
	captured := []backends.VarId{index}
	if mask != backends.InvalidVarId {
		b.IncRef(mask)
		captured = append(captured, mask)
	}
	return t.attach(data, []handles.Handle{src}, captured,
		func(t *Tape, n *node) {
			if n.grad == backends.InvalidVarId {
				return
			}
			zero := b.LiteralZero(srcDType, srcSize)
			gsrc := b.Scatter(zero, n.grad, index, mask)
			t.AccumGrad(src, gsrc)
			b.DecRef(gsrc)
			b.DecRef(zero)
		},
		func(t *Tape, n *node) {
			gsrc := t.Grad(src)
			gout := b.Gather(gsrc, index, mask)
			t.accumNode(n, gout)
			b.DecRef(gout)
			b.DecRef(gsrc)
		})
}

// Scatter builds a copy of target with copy[index[i]] = value[i] for active
// lanes (overwrite semantics). The adjoint of value gathers the output
// gradient at the scattered lanes; the adjoint of target is the output
// gradient with those lanes zeroed.
func (t *Tape) Scatter(target, value handles.Handle, index, mask backends.VarId) handles.Handle {
	b := t.backend
	targetData, valueData := backends.VarId(target.Data()), backends.VarId(value.Data())
	data := b.Scatter(targetData, valueData, index, mask)
	if !target.Tracked() && !value.Tracked() {
		return handles.FromData(uint32(data))
	}
	valueDType := b.DType(valueData)
	valueSize := b.Size(valueData)
	b.IncRef(index)
	captured := []backends.VarId{index}
	if mask != backends.InvalidVarId {
		b.IncRef(mask)
		captured = append(captured, mask)
	}
	return t.attach(data, []handles.Handle{target, value}, captured,
		func(t *Tape, n *node) {
			if n.grad == backends.InvalidVarId {
				return
			}
			if value.Tracked() {
				gv := b.Gather(n.grad, index, mask)
				t.AccumGrad(value, gv)
				b.DecRef(gv)
			}
			if target.Tracked() {
				zero := b.LiteralZero(valueDType, valueSize)
				gt := b.Scatter(n.grad, zero, index, mask)
				t.AccumGrad(target, gt)
				b.DecRef(gt)
				b.DecRef(zero)
			}
		},
		func(t *Tape, n *node) {
			gt, gv := t.Grad(target), t.Grad(value)
			gout := b.Scatter(gt, gv, index, mask)
			t.accumNode(n, gout)
			b.DecRef(gout)
			b.DecRef(gt)
			b.DecRef(gv)
		})
}
