package govm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
)

// broadcastSize merges the lane counts of two operands: size 1 broadcasts to
// any size, anything else must match.
func broadcastSize(opName string, a, b int) int {
	if a == b || b == 1 {
		return a
	}
	if a == 1 {
		return b
	}
	exceptions.Panicf("govm: %s: incompatible lane counts %d and %d", opName, a, b)
	return 0
}

func (b *Backend) binop(opName string, x, y backends.VarId, outDType func(dtypes.DType) dtypes.DType,
	fn func(dtype dtypes.DType, xv, yv any) any) backends.VarId {
	xData, yData := b.mustVar(x), b.mustVar(y)
	if xData.dtype != yData.dtype {
		exceptions.Panicf("govm: %s: mismatched dtypes %s and %s", opName, xData.dtype, yData.dtype)
	}
	size := broadcastSize(opName, xData.size, yData.size)
	dtype := outDType(xData.dtype)
	if xData.state == backends.VarStateLiteral && yData.state == backends.VarStateLiteral {
		return b.register(&variable{
			dtype: dtype,
			size:  size,
			state: backends.VarStateLiteral,
			lit:   fn(xData.dtype, xData.lit, yData.lit),
		})
	}
	buf := allocSlice(dtype, size)
	for i := 0; i < size; i++ {
		laneSet(buf, i, fn(xData.dtype, xData.laneAt(i), yData.laneAt(i)))
	}
	return b.register(&variable{
		dtype: dtype,
		size:  size,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

func sameDType(dtype dtypes.DType) dtypes.DType { return dtype }
func boolDType(dtypes.DType) dtypes.DType       { return dtypes.Bool }

// Add builds the element-wise sum of two variables.
func (b *Backend) Add(x, y backends.VarId) backends.VarId {
	return b.binop("Add", x, y, sameDType, addScalars)
}

// Mul builds the element-wise product of two variables.
func (b *Backend) Mul(x, y backends.VarId) backends.VarId {
	return b.binop("Mul", x, y, sameDType, mulScalars)
}

// Less builds the element-wise x < y comparison.
func (b *Backend) Less(x, y backends.VarId) backends.VarId {
	return b.binop("Less", x, y, boolDType, func(dtype dtypes.DType, xv, yv any) any {
		return lessScalars(dtype, xv, yv)
	})
}

// Eq builds the element-wise x == y comparison.
func (b *Backend) Eq(x, y backends.VarId) backends.VarId {
	return b.binop("Eq", x, y, boolDType, func(_ dtypes.DType, xv, yv any) any {
		return eqScalars(xv, yv)
	})
}

// Neq builds the element-wise x != y comparison.
func (b *Backend) Neq(x, y backends.VarId) backends.VarId {
	return b.binop("Neq", x, y, boolDType, func(_ dtypes.DType, xv, yv any) any {
		return !eqScalars(xv, yv)
	})
}

// And builds the element-wise conjunction of two boolean variables.
func (b *Backend) And(x, y backends.VarId) backends.VarId {
	return b.binop("And", x, y, boolDType, func(_ dtypes.DType, xv, yv any) any {
		return xv.(bool) && yv.(bool)
	})
}

// Not builds the element-wise negation of a boolean variable.
func (b *Backend) Not(x backends.VarId) backends.VarId {
	xData := b.mustVar(x)
	if xData.dtype != dtypes.Bool {
		exceptions.Panicf("govm: Not requires a Bool variable, got %s", xData.dtype)
	}
	if xData.state == backends.VarStateLiteral {
		return b.Literal(dtypes.Bool, !xData.lit.(bool), xData.size)
	}
	buf := make([]bool, xData.size)
	for i := range buf {
		buf[i] = !xData.laneAt(i).(bool)
	}
	return b.register(&variable{
		dtype: dtypes.Bool,
		size:  xData.size,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

// Any evaluates a boolean variable and reports whether any lane is true.
func (b *Backend) Any(v backends.VarId) bool {
	data := b.mustVar(v)
	if data.dtype != dtypes.Bool {
		exceptions.Panicf("govm: Any requires a Bool variable, got %s", data.dtype)
	}
	b.Schedule(v)
	b.Eval()
	for i := 0; i < data.size; i++ {
		if data.laneAt(i).(bool) {
			return true
		}
	}
	return false
}

// Sum reduces a variable over its lanes into a single-lane value.
func (b *Backend) Sum(v backends.VarId) backends.VarId {
	data := b.mustVar(v)
	acc := zeroOf(data.dtype)
	for i := 0; i < data.size; i++ {
		acc = addScalars(data.dtype, acc, data.laneAt(i))
	}
	if data.state == backends.VarStateLiteral {
		return b.register(&variable{
			dtype: data.dtype,
			size:  1,
			state: backends.VarStateLiteral,
			lit:   acc,
		})
	}
	buf := allocSlice(data.dtype, 1)
	laneSet(buf, 0, acc)
	return b.register(&variable{
		dtype: data.dtype,
		size:  1,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

// Select builds out[i] = cond[i] ? onTrue[i] : onFalse[i].
func (b *Backend) Select(cond, onTrue, onFalse backends.VarId) backends.VarId {
	condData, tData, fData := b.mustVar(cond), b.mustVar(onTrue), b.mustVar(onFalse)
	if condData.dtype != dtypes.Bool {
		exceptions.Panicf("govm: Select condition must be Bool, got %s", condData.dtype)
	}
	if tData.dtype != fData.dtype {
		exceptions.Panicf("govm: Select branches have mismatched dtypes %s and %s", tData.dtype, fData.dtype)
	}
	size := broadcastSize("Select", condData.size, broadcastSize("Select", tData.size, fData.size))
	buf := allocSlice(tData.dtype, size)
	for i := 0; i < size; i++ {
		if condData.laneAt(i).(bool) {
			laneSet(buf, i, tData.laneAt(i))
		} else {
			laneSet(buf, i, fData.laneAt(i))
		}
	}
	return b.register(&variable{
		dtype: tData.dtype,
		size:  size,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

func indexLane(data *variable, i int) int {
	switch v := data.laneAt(i).(type) {
	case uint32:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	exceptions.Panicf("govm: index variable must be integer, got %s", data.dtype)
	return 0
}

func maskLane(maskData *variable, i int) bool {
	if maskData == nil {
		return true
	}
	return maskData.laneAt(i).(bool)
}

// Gather builds out[i] = src[index[i]] under the mask, 0 elsewhere.
func (b *Backend) Gather(src, index, mask backends.VarId) backends.VarId {
	srcData, indexData := b.mustVar(src), b.mustVar(index)
	var maskData *variable
	size := indexData.size
	if mask != backends.InvalidVarId {
		maskData = b.mustVar(mask)
		if maskData.dtype != dtypes.Bool {
			exceptions.Panicf("govm: Gather mask must be Bool, got %s", maskData.dtype)
		}
		size = broadcastSize("Gather", size, maskData.size)
	}
	buf := allocSlice(srcData.dtype, size)
	for i := 0; i < size; i++ {
		if !maskLane(maskData, i) {
			laneSet(buf, i, zeroOf(srcData.dtype))
			continue
		}
		j := indexLane(indexData, i)
		if j < 0 || (j >= srcData.size && srcData.size != 1) {
			exceptions.Panicf("govm: Gather index %d out of range for source of size %d", j, srcData.size)
		}
		laneSet(buf, i, srcData.laneAt(j))
	}
	return b.register(&variable{
		dtype: srcData.dtype,
		size:  size,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

// Scatter builds a copy of target with copy[index[i]] = value[i] for active
// lanes. Overwrite semantics; the top of the mask stack is combined with the
// given mask, so side effects inside a masked region stay confined to its
// active lanes.
func (b *Backend) Scatter(target, value, index, mask backends.VarId) backends.VarId {
	targetData, valueData, indexData := b.mustVar(target), b.mustVar(value), b.mustVar(index)
	if targetData.dtype != valueData.dtype {
		exceptions.Panicf("govm: Scatter value dtype %s does not match target dtype %s",
			valueData.dtype, targetData.dtype)
	}
	var maskData *variable
	if mask != backends.InvalidVarId {
		maskData = b.mustVar(mask)
	}
	var scopeData *variable
	if len(b.maskStack) > 0 {
		scopeData = b.mustVar(b.maskStack[len(b.maskStack)-1])
	}

	buf := allocSlice(targetData.dtype, targetData.size)
	for i := 0; i < targetData.size; i++ {
		laneSet(buf, i, targetData.laneAt(i))
	}
	width := indexData.size
	if maskData != nil {
		width = broadcastSize("Scatter", width, maskData.size)
	}
	for i := 0; i < width; i++ {
		if !maskLane(maskData, i) || !maskLane(scopeData, i) {
			continue
		}
		j := indexLane(indexData, i)
		if j < 0 || j >= targetData.size {
			exceptions.Panicf("govm: Scatter index %d out of range for target of size %d", j, targetData.size)
		}
		laneSet(buf, j, valueData.laneAt(i))
	}
	return b.register(&variable{
		dtype: targetData.dtype,
		size:  targetData.size,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

// Aggregate lays out one scalar entry per callable into a lookup table with
// one leading zero slot, so 1-based instance ids index it directly.
func (b *Backend) Aggregate(dtype dtypes.DType, entries []backends.VarId) backends.VarId {
	buf := allocSlice(dtype, len(entries)+1)
	laneSet(buf, 0, zeroOf(dtype))
	for k, entry := range entries {
		if entry == backends.InvalidVarId {
			laneSet(buf, k+1, zeroOf(dtype))
			continue
		}
		data := b.mustVar(entry)
		if data.size != 1 {
			exceptions.Panicf("govm: Aggregate entry %d has %d lanes, expected a scalar", k, data.size)
		}
		if data.dtype != dtype {
			exceptions.Panicf("govm: Aggregate entry %d has dtype %s, expected %s", k, data.dtype, dtype)
		}
		laneSet(buf, k+1, data.laneAt(0))
	}
	return b.register(&variable{
		dtype: dtype,
		size:  len(entries) + 1,
		state: backends.VarStateUnevaluated,
		buf:   buf,
	})
}

// MaskPush pushes a boolean variable onto the active-lane mask stack, borrowing it.
func (b *Backend) MaskPush(v backends.VarId) {
	data := b.mustVar(v)
	if data.dtype != dtypes.Bool {
		exceptions.Panicf("govm: mask must be Bool, got %s", data.dtype)
	}
	b.IncRef(v)
	b.maskStack = append(b.maskStack, v)
}

// MaskPop pops the top of the active-lane mask stack.
func (b *Backend) MaskPop() {
	if len(b.maskStack) == 0 {
		exceptions.Panicf("govm: MaskPop on an empty mask stack")
	}
	b.popMask()
}

// MaskDefault returns an all-true mask of the given width.
func (b *Backend) MaskDefault(size int) backends.VarId {
	return b.Literal(dtypes.Bool, true, size)
}

// CallMask returns the mask under which the body of a symbolic call is traced.
func (b *Backend) CallMask() backends.VarId {
	return b.Literal(dtypes.Bool, true, 1)
}
