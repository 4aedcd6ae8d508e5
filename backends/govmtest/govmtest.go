// Package govmtest provides helpers to test lanes components against the
// govm backend: per-test backend construction and variable leak checks.
package govmtest

import (
	"testing"

	"github.com/gomlx/lanes/backends/govm"
	"github.com/stretchr/testify/require"
)

// New creates a fresh govm backend for a test, finalized on cleanup.
func New(t *testing.T) *govm.Backend {
	b := govm.New("").(*govm.Backend)
	t.Cleanup(b.Finalize)
	return b
}

// CheckNoLeaks runs fn and verifies every variable it created was released:
// the net live-variable delta must be zero.
func CheckNoLeaks(t *testing.T, b *govm.Backend, fn func()) {
	before := b.NumLiveVars()
	fn()
	require.Equalf(t, before, b.NumLiveVars(),
		"variables leaked: %d live before, %d after", before, b.NumLiveVars())
}
