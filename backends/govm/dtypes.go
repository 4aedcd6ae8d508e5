package govm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Scalar helpers for the dtypes govm supports: Bool, Int32, Int64, Uint32,
// Float32, Float64 and Float16 (stored as github.com/x448/float16.Float16).

func supportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Uint32,
		dtypes.Float32, dtypes.Float64, dtypes.Float16:
		return true
	}
	return false
}

func allocSlice(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Bool:
		return make([]bool, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Uint32:
		return make([]uint32, size)
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	}
	exceptions.Panicf("govm: unsupported dtype %s", dtype)
	return nil
}

func zeroOf(dtype dtypes.DType) any {
	switch dtype {
	case dtypes.Bool:
		return false
	case dtypes.Int32:
		return int32(0)
	case dtypes.Int64:
		return int64(0)
	case dtypes.Uint32:
		return uint32(0)
	case dtypes.Float32:
		return float32(0)
	case dtypes.Float64:
		return float64(0)
	case dtypes.Float16:
		return float16.Fromfloat32(0)
	}
	exceptions.Panicf("govm: unsupported dtype %s", dtype)
	return nil
}

func asFloat64(value any) float64 {
	switch v := value.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case float16.Float16:
		return float64(v.Float32())
	}
	exceptions.Panicf("govm: cannot interpret %T as a number", value)
	return 0
}

// convertTo converts a Go scalar to the canonical representation of the dtype.
func convertTo(dtype dtypes.DType, value any) any {
	if dtype == dtypes.Bool {
		if v, ok := value.(bool); ok {
			return v
		}
		return asFloat64(value) != 0
	}
	f := asFloat64(value)
	switch dtype {
	case dtypes.Int32:
		return int32(f)
	case dtypes.Int64:
		return int64(f)
	case dtypes.Uint32:
		return uint32(f)
	case dtypes.Float32:
		return float32(f)
	case dtypes.Float64:
		return f
	case dtypes.Float16:
		return float16.Fromfloat32(float32(f))
	}
	exceptions.Panicf("govm: unsupported dtype %s", dtype)
	return nil
}

func isZeroScalar(value any) bool {
	if v, ok := value.(bool); ok {
		return !v
	}
	return asFloat64(value) == 0
}

func laneGet(buf any, i int) any {
	switch s := buf.(type) {
	case []bool:
		return s[i]
	case []int32:
		return s[i]
	case []int64:
		return s[i]
	case []uint32:
		return s[i]
	case []float32:
		return s[i]
	case []float64:
		return s[i]
	case []float16.Float16:
		return s[i]
	}
	exceptions.Panicf("govm: unsupported buffer type %T", buf)
	return nil
}

func laneSet(buf any, i int, value any) {
	switch s := buf.(type) {
	case []bool:
		s[i] = value.(bool)
	case []int32:
		s[i] = value.(int32)
	case []int64:
		s[i] = value.(int64)
	case []uint32:
		s[i] = value.(uint32)
	case []float32:
		s[i] = value.(float32)
	case []float64:
		s[i] = value.(float64)
	case []float16.Float16:
		s[i] = value.(float16.Float16)
	default:
		exceptions.Panicf("govm: unsupported buffer type %T", buf)
	}
}

func addScalars(dtype dtypes.DType, x, y any) any {
	switch dtype {
	case dtypes.Int32:
		return x.(int32) + y.(int32)
	case dtypes.Int64:
		return x.(int64) + y.(int64)
	case dtypes.Uint32:
		return x.(uint32) + y.(uint32)
	case dtypes.Float32:
		return x.(float32) + y.(float32)
	case dtypes.Float64:
		return x.(float64) + y.(float64)
	case dtypes.Float16:
		return float16.Fromfloat32(x.(float16.Float16).Float32() + y.(float16.Float16).Float32())
	}
	exceptions.Panicf("govm: Add not defined for dtype %s", dtype)
	return nil
}

func mulScalars(dtype dtypes.DType, x, y any) any {
	switch dtype {
	case dtypes.Int32:
		return x.(int32) * y.(int32)
	case dtypes.Int64:
		return x.(int64) * y.(int64)
	case dtypes.Uint32:
		return x.(uint32) * y.(uint32)
	case dtypes.Float32:
		return x.(float32) * y.(float32)
	case dtypes.Float64:
		return x.(float64) * y.(float64)
	case dtypes.Float16:
		return float16.Fromfloat32(x.(float16.Float16).Float32() * y.(float16.Float16).Float32())
	}
	exceptions.Panicf("govm: Mul not defined for dtype %s", dtype)
	return nil
}

func lessScalars(dtype dtypes.DType, x, y any) bool {
	switch dtype {
	case dtypes.Int32:
		return x.(int32) < y.(int32)
	case dtypes.Int64:
		return x.(int64) < y.(int64)
	case dtypes.Uint32:
		return x.(uint32) < y.(uint32)
	case dtypes.Float32:
		return x.(float32) < y.(float32)
	case dtypes.Float64:
		return x.(float64) < y.(float64)
	case dtypes.Float16:
		return x.(float16.Float16).Float32() < y.(float16.Float16).Float32()
	}
	exceptions.Panicf("govm: Less not defined for dtype %s", dtype)
	return false
}

func eqScalars(x, y any) bool {
	return x == y
}
