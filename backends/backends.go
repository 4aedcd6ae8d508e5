// Package backends defines the interface the lanes core expects from the
// underlying JIT variable system: allocation of batched variables, gathers and
// scatters, the mask stack, symbolic trace recording with checkpoint/rewind,
// and reference counting.
//
// The dispatch engine and the control-flow constructs (packages dispatch and
// flow) are written purely against this interface; backends/govm provides a
// portable pure-Go implementation used as reference and for tests.
//
// To simplify error handling, implementations are expected to throw (panic)
// with a stack trace in case of errors. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lanes/types/handles"
)

// VarId identifies a data node (a concrete batched value) inside a Backend.
// It is the low half of a handles.Handle. Id 0 denotes "absent/uninitialized"
// and must never be dereferenced.
type VarId uint32

// InvalidVarId denotes the absent variable.
const InvalidVarId = VarId(0)

// VarState describes the evaluation state of a variable.
type VarState int

const (
	// VarStateInvalid is the state of an unknown/released variable.
	VarStateInvalid VarState = iota

	// VarStateLiteral is a variable holding a uniform scalar literal.
	VarStateLiteral

	// VarStateUnevaluated is a variable whose defining computation has been
	// recorded but not launched yet.
	VarStateUnevaluated

	// VarStateEvaluated is a variable whose lane buffer is materialized.
	VarStateEvaluated

	// VarStateDirty is a variable with pending side effects (scatters) that
	// require an evaluation before its buffer can be read.
	VarStateDirty
)

// String implements fmt.Stringer.
func (s VarState) String() string {
	switch s {
	case VarStateLiteral:
		return "Literal"
	case VarStateUnevaluated:
		return "Unevaluated"
	case VarStateEvaluated:
		return "Evaluated"
	case VarStateDirty:
		return "Dirty"
	}
	return "Invalid"
}

// Backend is the API the lanes core requires from the JIT variable
// collaborator. All operations are synchronous and side-effect-only on the
// named variables; operations returning a new VarId transfer one reference to
// the caller.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "govm".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Literal creates a variable of the given dtype holding `value` uniformly
	// over `size` lanes. The value must be convertible to the dtype.
	Literal(dtype dtypes.DType, value any, size int) VarId

	// LiteralZero creates an all-zero literal of the given dtype and size.
	LiteralZero(dtype dtypes.DType, size int) VarId

	// FromSlice creates an evaluated variable from a dense Go slice ([]bool,
	// []int32, []uint32, []int64, []float32 or []float64), one lane per
	// element.
	FromSlice(dtype dtypes.DType, values any) VarId

	// IncRef acquires one reference to the variable. IncRef(InvalidVarId) is a no-op.
	IncRef(v VarId)

	// DecRef releases one reference; the variable is freed when the count
	// reaches zero. DecRef(InvalidVarId) is a no-op.
	DecRef(v VarId)

	// RefCount returns the current reference count, 0 for unknown variables.
	// Used by tests to verify reference hygiene.
	RefCount(v VarId) int

	// Size returns the lane count of the variable.
	Size(v VarId) int

	// DType returns the element type of the variable.
	DType(v VarId) dtypes.DType

	// State returns the evaluation state of the variable.
	State(v VarId) VarState

	// IsZeroLiteral reports whether v is a literal "false"/zero constant.
	// IsZeroLiteral(InvalidVarId) is false.
	IsZeroLiteral(v VarId) bool

	// Read evaluates (if needed) and returns a dense copy of the variable's
	// lanes as a Go slice ([]bool, []int32, []uint32, []int64, []float32,
	// []float64 or []float16.Float16).
	Read(v VarId) any

	// ReadScalar evaluates (if needed) and returns the value of one lane.
	ReadScalar(v VarId, lane int) any

	// Gather builds out[i] = src[index[i]] for lanes where mask[i] is true,
	// and 0 elsewhere. A mask of InvalidVarId means all lanes active.
	Gather(src, index, mask VarId) VarId

	// Scatter builds a copy of target with copy[index[i]] = value[i] for
	// lanes where mask[i] is true. Overwrite semantics (non-accumulating):
	// masks of concurrent scatters are expected to be disjoint.
	Scatter(target, value, index, mask VarId) VarId

	// Select builds out[i] = cond[i] ? onTrue[i] : onFalse[i].
	Select(cond, onTrue, onFalse VarId) VarId

	// Add, Mul, Less, Eq, Neq are the element-wise operations the core and
	// user callables need; size-1 operands broadcast.
	Add(a, b VarId) VarId
	Mul(a, b VarId) VarId
	Less(a, b VarId) VarId
	Eq(a, b VarId) VarId
	Neq(a, b VarId) VarId

	// And and Not operate on boolean variables.
	And(a, b VarId) VarId
	Not(a VarId) VarId

	// Any evaluates a boolean variable and reports whether any lane is true.
	Any(v VarId) bool

	// Sum reduces the variable over its lanes into a single-lane value of the
	// same dtype.
	Sum(v VarId) VarId

	// Aggregate lays out one scalar entry per callable into a contiguous
	// lookup table of len(entries)+1 lanes: slot 0 is zero (the null
	// instance), slot k+1 takes the value of entries[k] (or zero when
	// entries[k] is InvalidVarId, for registry holes). Entries are borrowed;
	// each must be a size-1 variable of the given dtype.
	Aggregate(dtype dtypes.DType, entries []VarId) VarId

	// Schedule marks the variable for evaluation on the next Eval call.
	Schedule(v VarId)

	// Eval launches all pending scheduled computation. It is a kernel-launch
	// boundary: two computations separated by Eval are never fused.
	Eval()

	// MaskPush pushes a boolean variable onto the active-lane mask stack
	// (borrowing it); MaskPop pops it. Scatters performed by user callables
	// are constrained by the top of the stack.
	MaskPush(v VarId)
	MaskPop()

	// MaskDefault returns an all-true mask of the given width.
	MaskDefault(size int) VarId

	// CallMask returns the mask to push while tracing the body of a symbolic
	// call, under which each callable's trace is recorded.
	CallMask() VarId

	// SymbolicCallsEnabled reports whether dispatches should be recorded
	// symbolically (the Trace-Record strategy) instead of evaluated.
	SymbolicCallsEnabled() bool

	// SetSymbolicCalls flips the symbolic-calls flag and returns its previous
	// value.
	SetSymbolicCalls(enabled bool) bool

	// IsRecording reports whether the recorder is mid-symbolic-trace.
	IsRecording() bool

	// RecordBegin starts a recording region named `name` and returns a
	// checkpoint token for it. Recording regions nest.
	RecordBegin(name string) uint32

	// RecordCheckpoint rolls the recorder's symbol-naming/scope state back to
	// the start of the current region and returns a fresh checkpoint token,
	// so the next callable's trace is isolated from its siblings.
	RecordCheckpoint() uint32

	// RecordEnd closes the region opened by RecordBegin. With commit=false
	// everything recorded since `checkpoint` is discarded (the error path).
	RecordEnd(checkpoint uint32, commit bool)

	// CallInput wraps a variable as an explicit input of a symbolic call, so
	// the recorder can distinguish call-local values from closed-over ones.
	// Returns a new variable (one reference to the caller).
	CallInput(v VarId) VarId

	// AssembleCall stitches the per-callable traces recorded between
	// `checkpoints` into one symbolic multi-way branch keyed by `selector`.
	// instanceIds[k] is the 1-based id of the k-th live callable traced;
	// inputs are the CallInput-wrapped arguments;
	// perCallableRv holds the return variables of all live callables,
	// callable-major. One new reference per entry of rvOut is transferred to
	// the caller.
	AssembleCall(name string, selector, mask VarId, instanceIds []uint32,
		inputs []VarId, perCallableRv []VarId, checkpoints []uint32, rvOut []VarId)

	// Cond hands a two-sided branch construct to the trace recorder: it must
	// invoke body(true) and body(false), use read to collect the branch
	// return-value handles after each side, and write to install the merged
	// handles. The cond variable is borrowed.
	Cond(name string, cond VarId, body func(branch bool),
		read func() []handles.Handle, write func([]handles.Handle))

	// Loop hands a loop construct to the trace recorder: it is responsible
	// for turning the cond/body pair into a single symbolic loop or, in
	// evaluated mode, for re-executing body while any lane of cond() remains
	// active. read snapshots the loop state handles, write installs updated
	// ones; cond transfers one reference of its result to the recorder.
	Loop(name string, cond func() VarId, body func(),
		read func() []handles.Handle, write func([]handles.Handle))

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// LANES_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "govm") and
// "<backend_configuration>" is backend specific.
const LANES_BACKEND = "LANES_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment LANES_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(LANES_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "govm") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for lanes -- maybe import the default one with import _ "github.com/gomlx/lanes/backends/govm"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
