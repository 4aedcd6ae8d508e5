// Package govm implements a simple, and not very fast, but very portable
// backend for the lanes core: variables are dense Go slices with one element
// per lane, evaluation is immediate, and "symbolic" calls are assembled as
// selector-keyed blends over the per-callable results.
//
// It only implements the most popular dtypes and the operations the core and
// its tests need. It is single-threaded by design: the core is a trace/record
// machine, not a multi-threaded executor.
package govm

import (
	"github.com/gomlx/lanes/backends"
)

// BackendName to be used in LANES_BACKEND to specify this backend.
const BackendName = "govm"

// Registers New() as the constructor for the "govm" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new govm Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return newBackend()
}

func newBackend() *Backend {
	return &Backend{
		vars:          make(map[backends.VarId]*variable),
		nextId:        1,
		symbolicCalls: true,
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	vars   map[backends.VarId]*variable
	nextId backends.VarId

	// maskStack holds the active-lane masks pushed by the engine and the
	// control-flow constructs, innermost last. Each entry holds one reference.
	maskStack []backends.VarId

	// Recorder state.
	recordNames   []string
	scopeCounter  uint32
	symbolicCalls bool

	// pending are variables scheduled but not yet launched; Eval flushes
	// them, counting one kernel launch.
	pending        []backends.VarId
	kernelLaunches int64

	finalized bool
}

// Compile-time check that govm.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Portable pure-Go lane VM"
}

// SymbolicCallsEnabled reports whether dispatches should be recorded symbolically.
func (b *Backend) SymbolicCallsEnabled() bool { return b.symbolicCalls }

// SetSymbolicCalls flips the symbolic-calls flag and returns its previous value.
func (b *Backend) SetSymbolicCalls(enabled bool) bool {
	previous := b.symbolicCalls
	b.symbolicCalls = enabled
	return previous
}

// KernelLaunches returns the number of evaluation boundaries flushed so far.
// Used by tests to observe that logically distinct work is not fused.
func (b *Backend) KernelLaunches() int64 { return b.kernelLaunches }

// NumLiveVars returns how many variables are currently alive. Used by tests
// to detect leaks.
func (b *Backend) NumLiveVars() int { return len(b.vars) }

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.vars = nil
	b.maskStack = nil
	b.pending = nil
	b.finalized = true
}
