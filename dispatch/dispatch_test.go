package dispatch

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/backends/govm"
	"github.com/gomlx/lanes/backends/govmtest"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/registry"
	"github.com/gomlx/lanes/types/handles"
	"github.com/stretchr/testify/require"
)

func newDispatchTest(t *testing.T) (*govm.Backend, *ad.Tape) {
	b := govmtest.New(t)
	return b, ad.New(b)
}

// requireKind asserts that fn throws a *coreerrors.Error of the given kind.
func requireKind(t *testing.T, kind coreerrors.Kind, fn func()) {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	var cerr *coreerrors.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, kind, cerr.Kind)
}

// scaleFunc multiplies the first argument by the callable id (the probe, id
// 0, yields zeros of the right dtype).
func scaleFunc(tape *ad.Tape, b *govm.Backend) Func {
	return func(_ any, id uint32, _ any, args []handles.Handle, rv *[]handles.Handle) {
		factor := b.Literal(dtypes.Float64, float64(id), 1)
		defer b.DecRef(factor)
		*rv = append(*rv, tape.Mul(args[0], handles.FromData(uint32(factor))))
	}
}

func untrackedF64(b *govm.Backend, values []float64) handles.Handle {
	return handles.FromData(uint32(b.FromSlice(dtypes.Float64, values)))
}

func selectorOf(b *govm.Backend, ids []uint32) backends.VarId {
	return b.FromSlice(dtypes.Uint32, ids)
}

func readRv(t *testing.T, b *govm.Backend, h handles.Handle) []float64 {
	return b.Read(backends.VarId(h.Data())).([]float64)
}

func TestReduceDispatch(t *testing.T) {
	b, tape := newDispatchTest(t)
	b.SetSymbolicCalls(false)
	govmtest.CheckNoLeaks(t, b, func() {
		selector := selectorOf(b, []uint32{1, 2, 1, 0})
		x := untrackedF64(b, []float64{10, 20, 30, 40})
		cleanups := 0
		c := &Call{
			Backend:       b,
			Tape:          tape,
			CallableCount: 2,
			Name:          "scale",
			Selector:      selector,
			Args:          []handles.Handle{x},
			Func:          scaleFunc(tape, b),
			Cleanup:       func() { cleanups++ },
		}
		var rv []handles.Handle
		require.True(t, c.Dispatch(&rv))
		require.Len(t, rv, 1)
		// Lane i runs callable selector[i]; id-0 lanes stay zero.
		require.Equal(t, []float64{10, 40, 30, 0}, readRv(t, b, rv[0]))
		c.Cleanup()
		require.Equal(t, 1, cleanups)

		c.releaseAll(rv)
		b.DecRef(selector)
		b.DecRef(backends.VarId(x.Data()))
	})
	require.Equal(t, 0, tape.NumLiveNodes())
}

func TestReduceRespectsMask(t *testing.T) {
	b, tape := newDispatchTest(t)
	b.SetSymbolicCalls(false)
	selector := selectorOf(b, []uint32{1, 1, 2})
	mask := b.FromSlice(dtypes.Bool, []bool{true, false, true})
	x := untrackedF64(b, []float64{10, 20, 30})
	c := &Call{
		Backend:       b,
		CallableCount: 2,
		Name:          "scale",
		Selector:      selector,
		Mask:          mask,
		Args:          []handles.Handle{x},
		Func:          scaleFunc(tape, b),
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	require.Equal(t, []float64{10, 0, 60}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(selector)
	b.DecRef(mask)
	b.DecRef(backends.VarId(x.Data()))
}

func TestReduceEqualSizeBucketsForceBoundary(t *testing.T) {
	b, tape := newDispatchTest(t)
	b.SetSymbolicCalls(false)

	run := func(ids []uint32) int64 {
		selector := selectorOf(b, ids)
		x := untrackedF64(b, make([]float64, len(ids)))
		defer b.DecRef(selector)
		defer b.DecRef(backends.VarId(x.Data()))
		c := &Call{
			Backend:       b,
			CallableCount: 2,
			Name:          "scale",
			Selector:      selector,
			Args:          []handles.Handle{x},
			Func:          scaleFunc(tape, b),
		}
		before := b.KernelLaunches()
		var rv []handles.Handle
		require.True(t, c.Dispatch(&rv))
		_ = readRv(t, b, rv[0])
		c.releaseAll(rv)
		return b.KernelLaunches() - before
	}

	// Equal-sized buckets force an evaluation boundary between the two
	// callables; unequal buckets flush together.
	require.EqualValues(t, 2, run([]uint32{1, 2}))
	require.EqualValues(t, 1, run([]uint32{1, 1, 2}))
}

func TestDegenerateNullSelector(t *testing.T) {
	b, tape := newDispatchTest(t)
	x := untrackedF64(b, []float64{1, 2, 3})
	probed := 0
	c := &Call{
		Backend:       b,
		CallableCount: 2,
		Name:          "scale",
		Selector:      backends.InvalidVarId,
		Args:          []handles.Handle{x},
		Func: func(_ any, id uint32, instance any, args []handles.Handle, rv *[]handles.Handle) {
			probed++
			require.Zero(t, id)
			require.Nil(t, instance)
			*rv = append(*rv, untrackedF64(b, []float64{42}))
		},
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	require.Equal(t, 1, probed)
	require.Len(t, rv, 1)
	// The probe only establishes arity and dtype; the result is all zeros at
	// the batch width.
	require.True(t, b.IsZeroLiteral(backends.VarId(rv[0].Data())))
	require.Equal(t, []float64{0, 0, 0}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(backends.VarId(x.Data()))
	_ = tape
}

func TestDegenerateAllFalseMask(t *testing.T) {
	b, tape := newDispatchTest(t)
	selector := selectorOf(b, []uint32{1, 2})
	mask := b.Literal(dtypes.Bool, false, 2)
	x := untrackedF64(b, []float64{1, 2})
	c := &Call{
		Backend:       b,
		CallableCount: 2,
		Name:          "scale",
		Selector:      selector,
		Mask:          mask,
		Args:          []handles.Handle{x},
		Func:          scaleFunc(tape, b),
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	require.Equal(t, []float64{0, 0}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(selector)
	b.DecRef(mask)
	b.DecRef(backends.VarId(x.Data()))
}

func TestDegenerateEmptyDomain(t *testing.T) {
	b, tape := newDispatchTest(t)
	selector := selectorOf(b, []uint32{0, 0})
	c := &Call{
		Backend:  b,
		Registry: &registry.Registry{},
		Domain:   "widgets",
		Name:     "read",
		Selector: selector,
		Func:     scaleFunc(tape, b),
		Args:     []handles.Handle{untrackedF64(b, []float64{1, 2})},
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	require.Equal(t, []float64{0, 0}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(selector)
	b.DecRef(backends.VarId(c.Args[0].Data()))
}

type widget struct{ price float64 }

func TestGetterFoldsEqualLiterals(t *testing.T) {
	b, _ := newDispatchTest(t)
	reg := &registry.Registry{}
	for i := 0; i < 3; i++ {
		reg.Put("widgets", &widget{price: 5})
	}
	selector := selectorOf(b, []uint32{3, 1, 2})
	c := &Call{
		Backend:  b,
		Registry: reg,
		Domain:   "widgets",
		Name:     "price",
		IsGetter: true,
		Selector: selector,
		Func: func(_ any, _ uint32, instance any, _ []handles.Handle, rv *[]handles.Handle) {
			w := instance.(*widget)
			*rv = append(*rv, handles.FromData(uint32(b.Literal(dtypes.Float64, w.price, 1))))
		},
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	// Every instance agrees, so the read folds to a uniform literal: no
	// per-lane work at all.
	require.Equal(t, backends.VarStateLiteral, b.State(backends.VarId(rv[0].Data())))
	require.Equal(t, []float64{5, 5, 5}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(selector)
}

func TestGetterGathersDivergentValues(t *testing.T) {
	b, _ := newDispatchTest(t)
	reg := &registry.Registry{}
	prices := []float64{5, 7, 9}
	for _, p := range prices {
		reg.Put("widgets", &widget{price: p})
	}
	selector := selectorOf(b, []uint32{3, 1, 2, 0})
	c := &Call{
		Backend:  b,
		Registry: reg,
		Domain:   "widgets",
		Name:     "price",
		IsGetter: true,
		Selector: selector,
		Func: func(_ any, _ uint32, instance any, _ []handles.Handle, rv *[]handles.Handle) {
			w := instance.(*widget)
			*rv = append(*rv, handles.FromData(uint32(b.Literal(dtypes.Float64, w.price, 1))))
		},
	}
	var rv []handles.Handle
	require.True(t, c.Dispatch(&rv))
	// Divergent values become one table gather; id 0 reads the zero slot.
	require.Equal(t, []float64{9, 5, 7, 0}, readRv(t, b, rv[0]))
	c.releaseAll(rv)
	b.DecRef(selector)
}

func TestGetterRejectsBatchedReturn(t *testing.T) {
	b, _ := newDispatchTest(t)
	reg := &registry.Registry{}
	reg.Put("widgets", &widget{})
	selector := selectorOf(b, []uint32{1})
	defer b.DecRef(selector)
	c := &Call{
		Backend:  b,
		Registry: reg,
		Domain:   "widgets",
		Name:     "price",
		IsGetter: true,
		Selector: selector,
		Func: func(_ any, _ uint32, _ any, _ []handles.Handle, rv *[]handles.Handle) {
			*rv = append(*rv, untrackedF64(b, []float64{1, 2}))
		},
	}
	var rv []handles.Handle
	requireKind(t, coreerrors.KindShapeMismatch, func() { c.Dispatch(&rv) })
}

func TestRecordDispatch(t *testing.T) {
	b, tape := newDispatchTest(t)
	require.True(t, b.SymbolicCallsEnabled())
	govmtest.CheckNoLeaks(t, b, func() {
		selector := selectorOf(b, []uint32{1, 2, 0, 1})
		x := untrackedF64(b, []float64{10, 20, 30, 40})
		c := &Call{
			Backend:       b,
			Tape:          tape,
			CallableCount: 2,
			Name:          "scale",
			Selector:      selector,
			Args:          []handles.Handle{x},
			Func:          scaleFunc(tape, b),
		}
		var rv []handles.Handle
		require.True(t, c.Dispatch(&rv))
		require.False(t, b.IsRecording())
		require.Equal(t, []float64{10, 40, 0, 40}, readRv(t, b, rv[0]))
		c.releaseAll(rv)
		b.DecRef(selector)
		b.DecRef(backends.VarId(x.Data()))
	})
	require.Equal(t, 0, tape.NumLiveNodes())
}

func TestRecordArityMismatch(t *testing.T) {
	b, tape := newDispatchTest(t)
	selector := selectorOf(b, []uint32{1, 2})
	defer b.DecRef(selector)
	x := untrackedF64(b, []float64{1, 2})
	defer b.DecRef(backends.VarId(x.Data()))
	cleanups := 0
	c := &Call{
		Backend:       b,
		CallableCount: 2,
		Name:          "broken",
		Selector:      selector,
		Args:          []handles.Handle{x},
		Func: func(_ any, id uint32, _ any, args []handles.Handle, rv *[]handles.Handle) {
			*rv = append(*rv, untrackedF64(b, []float64{1}))
			if id == 2 { // one extra return value
				*rv = append(*rv, untrackedF64(b, []float64{2}))
			}
		},
		Cleanup: func() { cleanups++ },
	}
	var rv []handles.Handle
	requireKind(t, coreerrors.KindShapeMismatch, func() { c.Dispatch(&rv) })
	// Cleanup ran before the error propagated; the recorder was unwound.
	require.Equal(t, 1, cleanups)
	require.False(t, b.IsRecording())
	_ = tape
}

func TestEvaluatedDispatchWhileRecording(t *testing.T) {
	b, tape := newDispatchTest(t)
	b.SetSymbolicCalls(false)
	base := b.RecordBegin("outer")
	defer b.RecordEnd(base, false)

	selector := selectorOf(b, []uint32{1})
	defer b.DecRef(selector)
	c := &Call{
		Backend:       b,
		CallableCount: 1,
		Name:          "scale",
		Selector:      selector,
		Args:          []handles.Handle{untrackedF64(b, []float64{1})},
		Func:          scaleFunc(tape, b),
	}
	defer b.DecRef(backends.VarId(c.Args[0].Data()))
	var rv []handles.Handle
	requireKind(t, coreerrors.KindUnsupportedMode, func() { c.Dispatch(&rv) })
}

func TestMissingInstance(t *testing.T) {
	b, tape := newDispatchTest(t)
	b.SetSymbolicCalls(false)
	reg := &registry.Registry{}
	reg.Put("widgets", &widget{})
	id2 := reg.Put("widgets", &widget{})
	reg.Remove("widgets", id2)

	selector := selectorOf(b, []uint32{1, 2})
	defer b.DecRef(selector)
	x := untrackedF64(b, []float64{1, 2})
	defer b.DecRef(backends.VarId(x.Data()))
	cleanups := 0
	c := &Call{
		Backend:  b,
		Registry: reg,
		Domain:   "widgets",
		Name:     "scale",
		Selector: selector,
		Args:     []handles.Handle{x},
		Func:     scaleFunc(tape, b),
		Cleanup:  func() { cleanups++ },
	}
	var rv []handles.Handle
	requireKind(t, coreerrors.KindMissingInstance, func() { c.Dispatch(&rv) })
	require.Equal(t, 1, cleanups)
}

func TestDispatchValidation(t *testing.T) {
	b, tape := newDispatchTest(t)
	fn := scaleFunc(tape, b)
	selector := selectorOf(b, []uint32{1})
	defer b.DecRef(selector)
	var rv []handles.Handle

	// Neither, then both, of Domain and CallableCount.
	requireKind(t, coreerrors.KindConfiguration, func() {
		c := &Call{Backend: b, Name: "bad", Selector: selector, Func: fn}
		c.Dispatch(&rv)
	})
	requireKind(t, coreerrors.KindConfiguration, func() {
		c := &Call{Backend: b, Name: "bad", Domain: "widgets", CallableCount: 2, Selector: selector, Func: fn}
		c.Dispatch(&rv)
	})

	// Selector and mask dtypes.
	badSelector := b.FromSlice(dtypes.Int32, []int32{1})
	defer b.DecRef(badSelector)
	requireKind(t, coreerrors.KindConfiguration, func() {
		c := &Call{Backend: b, Name: "bad", CallableCount: 1, Selector: badSelector, Func: fn}
		c.Dispatch(&rv)
	})
	badMask := b.FromSlice(dtypes.Int32, []int32{1})
	defer b.DecRef(badMask)
	requireKind(t, coreerrors.KindConfiguration, func() {
		c := &Call{Backend: b, Name: "bad", CallableCount: 1, Selector: selector, Mask: badMask, Func: fn}
		c.Dispatch(&rv)
	})

	// A tape bound to another backend.
	other := govmtest.New(t)
	requireKind(t, coreerrors.KindBackendMismatch, func() {
		c := &Call{Backend: b, Tape: ad.New(other), Name: "bad", CallableCount: 1, Selector: selector, Func: fn}
		c.Dispatch(&rv)
	})

	// Incompatible argument widths.
	x2 := untrackedF64(b, []float64{1, 2})
	x3 := untrackedF64(b, []float64{1, 2, 3})
	defer b.DecRef(backends.VarId(x2.Data()))
	defer b.DecRef(backends.VarId(x3.Data()))
	requireKind(t, coreerrors.KindShapeMismatch, func() {
		c := &Call{Backend: b, Name: "bad", CallableCount: 1, Selector: selector,
			Args: []handles.Handle{x2, x3}, Func: fn}
		c.Dispatch(&rv)
	})
}
