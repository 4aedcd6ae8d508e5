package govm

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	b := newBackend()
	t.Cleanup(b.Finalize)
	return b
}

func TestLiteralsAndRead(t *testing.T) {
	b := newTestBackend(t)
	v := b.Literal(dtypes.Float64, 3, 4)
	require.Equal(t, backends.VarStateLiteral, b.State(v))
	require.Equal(t, 4, b.Size(v))
	require.Equal(t, dtypes.Float64, b.DType(v))
	require.Equal(t, []float64{3, 3, 3, 3}, b.Read(v))

	z := b.LiteralZero(dtypes.Int32, 2)
	require.True(t, b.IsZeroLiteral(z))
	require.False(t, b.IsZeroLiteral(v))

	f := b.FromSlice(dtypes.Bool, []bool{true, false})
	require.Equal(t, backends.VarStateEvaluated, b.State(f))
	require.Equal(t, true, b.ReadScalar(f, 0))
	require.Equal(t, false, b.ReadScalar(f, 1))
}

func TestRefCounting(t *testing.T) {
	b := newTestBackend(t)
	require.Equal(t, 0, b.NumLiveVars())
	v := b.Literal(dtypes.Float32, 1, 1)
	require.Equal(t, 1, b.RefCount(v))
	b.IncRef(v)
	require.Equal(t, 2, b.RefCount(v))
	b.DecRef(v)
	b.DecRef(v)
	require.Equal(t, 0, b.RefCount(v))
	require.Equal(t, 0, b.NumLiveVars())
	assert.NotNil(t, exceptions.Try(func() { b.DecRef(v) }))
}

func TestArithmeticAndBroadcast(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Float64, []float64{1, 2, 3})
	one := b.Literal(dtypes.Float64, 1, 1)
	sum := b.Add(x, one)
	require.Equal(t, []float64{2, 3, 4}, b.Read(sum))
	prod := b.Mul(x, x)
	require.Equal(t, []float64{1, 4, 9}, b.Read(prod))

	two := b.Literal(dtypes.Float64, 2, 1)
	less := b.Less(x, two)
	require.Equal(t, []bool{true, false, false}, b.Read(less))
	require.True(t, b.Any(less))

	// Literal-literal operations fold to a literal.
	folded := b.Add(one, two)
	require.Equal(t, backends.VarStateLiteral, b.State(folded))
	require.Equal(t, float64(3), b.ReadScalar(folded, 0))

	// Mismatched lane counts are a hard error.
	y := b.FromSlice(dtypes.Float64, []float64{1, 2})
	assert.NotNil(t, exceptions.Try(func() { b.Add(x, y) }))
	// And so are mismatched dtypes.
	i := b.Literal(dtypes.Int32, 1, 3)
	assert.NotNil(t, exceptions.Try(func() { b.Add(x, i) }))
}

func TestSum(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Float64, []float64{1, 2, 3})
	s := b.Sum(x)
	require.Equal(t, 1, b.Size(s))
	require.Equal(t, []float64{6}, b.Read(s))

	// A literal sums to a literal.
	lit := b.Literal(dtypes.Int32, 2, 4)
	sl := b.Sum(lit)
	require.Equal(t, backends.VarStateLiteral, b.State(sl))
	require.Equal(t, int32(8), b.ReadScalar(sl, 0))
}

func TestSelectAndNot(t *testing.T) {
	b := newTestBackend(t)
	cond := b.FromSlice(dtypes.Bool, []bool{true, false, true})
	x := b.FromSlice(dtypes.Int32, []int32{1, 2, 3})
	y := b.Literal(dtypes.Int32, -1, 1)
	sel := b.Select(cond, x, y)
	require.Equal(t, []int32{1, -1, 3}, b.Read(sel))

	not := b.Not(cond)
	require.Equal(t, []bool{false, true, false}, b.Read(not))
}

func TestGatherRespectsMask(t *testing.T) {
	b := newTestBackend(t)
	src := b.FromSlice(dtypes.Float64, []float64{10, 20, 30})
	index := b.FromSlice(dtypes.Uint32, []uint32{2, 0})
	out := b.Gather(src, index, backends.InvalidVarId)
	require.Equal(t, []float64{30, 10}, b.Read(out))

	mask := b.FromSlice(dtypes.Bool, []bool{true, false})
	masked := b.Gather(src, index, mask)
	require.Equal(t, []float64{30, 0}, b.Read(masked))

	oob := b.FromSlice(dtypes.Uint32, []uint32{7})
	assert.NotNil(t, exceptions.Try(func() { b.Gather(src, oob, backends.InvalidVarId) }))
}

func TestScatterOverwriteAndMaskStack(t *testing.T) {
	b := newTestBackend(t)
	target := b.FromSlice(dtypes.Float64, []float64{0, 0, 0, 0})
	value := b.FromSlice(dtypes.Float64, []float64{1, 2})
	index := b.FromSlice(dtypes.Uint32, []uint32{1, 3})
	out := b.Scatter(target, value, index, backends.InvalidVarId)
	require.Equal(t, []float64{0, 1, 0, 2}, b.Read(out))
	// The target itself is unchanged (copy-on-write).
	require.Equal(t, []float64{0, 0, 0, 0}, b.Read(target))

	// The top of the mask stack confines scatters from masked regions.
	scope := b.FromSlice(dtypes.Bool, []bool{true, false})
	b.MaskPush(scope)
	confined := b.Scatter(target, value, index, backends.InvalidVarId)
	b.MaskPop()
	require.Equal(t, []float64{0, 1, 0, 0}, b.Read(confined))
}

func TestAggregateTable(t *testing.T) {
	b := newTestBackend(t)
	e1 := b.Literal(dtypes.Float64, 7, 1)
	e2 := b.Literal(dtypes.Float64, 9, 1)
	table := b.Aggregate(dtypes.Float64, []backends.VarId{e1, backends.InvalidVarId, e2})
	// Leading zero slot, then one slot per entry (holes are zero).
	require.Equal(t, []float64{0, 7, 0, 9}, b.Read(table))

	wide := b.FromSlice(dtypes.Float64, []float64{1, 2})
	assert.NotNil(t, exceptions.Try(func() { b.Aggregate(dtypes.Float64, []backends.VarId{wide}) }))
}

func TestKernelLaunchBoundaries(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Float64, []float64{1, 2})
	require.EqualValues(t, 0, b.KernelLaunches())

	// Two pending computations flushed together are one launch.
	a := b.Add(x, x)
	c := b.Mul(x, x)
	b.Eval()
	require.EqualValues(t, 1, b.KernelLaunches())

	// A new computation after the boundary is a separate launch.
	d := b.Add(a, c)
	_ = b.Read(d)
	require.EqualValues(t, 2, b.KernelLaunches())

	// Reads with nothing pending add no launch.
	_ = b.Read(d)
	require.EqualValues(t, 2, b.KernelLaunches())
}

func TestRecorderScopes(t *testing.T) {
	b := newTestBackend(t)
	require.False(t, b.IsRecording())
	assert.NotNil(t, exceptions.Try(func() { b.RecordCheckpoint() }))

	base := b.RecordBegin("call")
	require.True(t, b.IsRecording())
	cp1 := b.RecordCheckpoint()
	cp2 := b.RecordCheckpoint()
	require.Greater(t, cp2, cp1)
	require.Greater(t, cp1, base)
	b.RecordEnd(base, true)
	require.False(t, b.IsRecording())
}

func TestCallInputSharesLanes(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Int32, []int32{4, 5})
	in := b.CallInput(x)
	require.NotEqual(t, x, in)
	require.Equal(t, []int32{4, 5}, b.Read(in))
}

func TestAssembleCallBlends(t *testing.T) {
	b := newTestBackend(t)
	selector := b.FromSlice(dtypes.Uint32, []uint32{1, 2, 0, 1})
	rv1 := b.Literal(dtypes.Float64, 10, 1)
	rv2 := b.Literal(dtypes.Float64, 20, 1)
	rvOut := make([]backends.VarId, 1)
	b.AssembleCall("blend", selector, backends.InvalidVarId, []uint32{1, 2},
		nil, []backends.VarId{rv1, rv2}, []uint32{1, 2}, rvOut)
	require.Equal(t, []float64{10, 20, 0, 10}, b.Read(rvOut[0]))

	// A mask zeroes lanes even when their selector id matches.
	mask := b.FromSlice(dtypes.Bool, []bool{true, true, true, false})
	b.AssembleCall("blend", selector, mask, []uint32{1, 2},
		nil, []backends.VarId{rv1, rv2}, []uint32{1, 2}, rvOut)
	require.Equal(t, []float64{10, 20, 0, 0}, b.Read(rvOut[0]))
}

func TestCondMergesByLane(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Float64, []float64{1, 2})
	cond := b.FromSlice(dtypes.Bool, []bool{true, false})
	ten := b.Literal(dtypes.Float64, 10, 1)
	two := b.Literal(dtypes.Float64, 2, 1)

	var results []backends.VarId
	body := func(branch bool) {
		if branch {
			results = append(results, b.Add(x, ten))
		} else {
			results = append(results, b.Mul(x, two))
		}
	}
	read := func() []handles.Handle {
		last := results[len(results)-1]
		b.IncRef(last)
		return []handles.Handle{handles.FromData(uint32(last))}
	}
	var final backends.VarId
	write := func(hs []handles.Handle) {
		final = backends.VarId(hs[0].Data())
	}
	b.Cond("branch", cond, body, read, write)
	for _, v := range results {
		b.DecRef(v)
	}
	require.Equal(t, []float64{11, 4}, b.Read(final))
}

func TestCondBranchArityMismatch(t *testing.T) {
	b := newTestBackend(t)
	x := b.FromSlice(dtypes.Float64, []float64{1, 2})
	cond := b.FromSlice(dtypes.Bool, []bool{true, false})
	count := 0
	body := func(branch bool) { count++ }
	read := func() []handles.Handle {
		b.IncRef(x)
		if count > 1 { // the false side returns one extra value
			b.IncRef(x)
			return []handles.Handle{handles.FromData(uint32(x)), handles.FromData(uint32(x))}
		}
		return []handles.Handle{handles.FromData(uint32(x))}
	}
	write := func([]handles.Handle) { t.Fatal("write must not be reached") }
	assert.NotNil(t, exceptions.Try(func() { b.Cond("broken", cond, body, read, write) }))
}

func TestLoopStopsInactiveLanes(t *testing.T) {
	b := newTestBackend(t)
	cur := b.FromSlice(dtypes.Int32, []int32{0, 2, 5})
	limit := b.Literal(dtypes.Int32, 3, 1)
	one := b.Literal(dtypes.Int32, 1, 1)

	cond := func() backends.VarId { return b.Less(cur, limit) }
	body := func() {
		next := b.Add(cur, one)
		b.DecRef(cur)
		cur = next
	}
	read := func() []handles.Handle {
		b.IncRef(cur)
		return []handles.Handle{handles.FromData(uint32(cur))}
	}
	write := func(hs []handles.Handle) {
		b.DecRef(cur)
		cur = backends.VarId(hs[0].Data())
	}
	b.Loop("count-up", cond, body, read, write)

	// Lanes start at 0, 2 and 5: the first two count up to the limit, the
	// third was never active and must be untouched.
	require.Equal(t, []int32{3, 3, 5}, b.Read(cur))
}
