package dispatch

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
)

// rvChecker validates the return values of each callable against the first
// one that produced output: the arity is adopted from the first callable
// (null slots become placeholders of still-unknown dtype), and every later
// callable must match in arity, dtype and backend, with no null slots.
type rvChecker struct {
	c     *Call
	n     int // -1 until the first callable is seen
	dts   []dtypes.DType
	first uint32
}

func newRvChecker(c *Call) *rvChecker {
	return &rvChecker{c: c, n: -1}
}

func (ck *rvChecker) arity() int {
	if ck.n < 0 {
		return 0
	}
	return ck.n
}

// dtypeOf returns the established dtype of a return slot; a slot every
// callable left null is an error.
func (ck *rvChecker) dtypeOf(j int) dtypes.DType {
	if ck.dts[j] == dtypes.InvalidDType {
		coreerrors.Panicf(coreerrors.KindUninitializedValue, "dispatch", ck.c.Name,
			"no callable initialized return value %d", j)
	}
	return ck.dts[j]
}

func (ck *rvChecker) check(id uint32, rv []handles.Handle) {
	b := ck.c.Backend
	if ck.n < 0 {
		ck.n = len(rv)
		ck.first = id
		ck.dts = make([]dtypes.DType, len(rv))
		for j := range ck.dts {
			ck.dts[j] = dtypes.InvalidDType
		}
	} else if len(rv) != ck.n {
		coreerrors.Panicf(coreerrors.KindShapeMismatch, "dispatch", ck.c.Name,
			"callable %d returned %d values, expected %d (established by callable %d)",
			id, len(rv), ck.n, ck.first)
	}
	for j, h := range rv {
		if h.IsNull() {
			if id != ck.first {
				coreerrors.Panicf(coreerrors.KindUninitializedValue, "dispatch", ck.c.Name,
					"callable %d returned a null handle for return value %d", id, j)
			}
			continue
		}
		data := backends.VarId(h.Data())
		if b.State(data) == backends.VarStateInvalid {
			coreerrors.Panicf(coreerrors.KindBackendMismatch, "dispatch", ck.c.Name,
				"callable %d returned variable r%d unknown to backend %q for return value %d",
				id, data, b.Name(), j)
		}
		dt := b.DType(data)
		if ck.dts[j] == dtypes.InvalidDType {
			ck.dts[j] = dt
		} else if dt != ck.dts[j] {
			coreerrors.Panicf(coreerrors.KindShapeMismatch, "dispatch", ck.c.Name,
				"callable %d returned %s for return value %d, expected %s (established by callable %d)",
				id, dt, j, ck.dts[j], ck.first)
		}
	}
}
