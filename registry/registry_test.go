package registry

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct{ name string }

func TestPutGetRemove(t *testing.T) {
	r := &Registry{}
	a, b, c := &fakeInstance{"a"}, &fakeInstance{"b"}, &fakeInstance{"c"}

	idA := r.Put("shapes", a)
	idB := r.Put("shapes", b)
	require.Equal(t, uint32(1), idA)
	require.Equal(t, uint32(2), idB)
	assert.Equal(t, uint32(2), r.IdBound("shapes"))

	assert.Same(t, a, r.Get("shapes", idA))
	assert.Same(t, b, r.Get("shapes", idB))
	assert.Nil(t, r.Get("shapes", 0))
	assert.Nil(t, r.Get("shapes", 99))
	assert.Nil(t, r.Get("unknown", 1))

	// Removal leaves a hole; the bound is unchanged.
	r.Remove("shapes", idA)
	assert.Nil(t, r.Get("shapes", idA))
	assert.Equal(t, uint32(2), r.IdBound("shapes"))

	// Freed ids are reused.
	idC := r.Put("shapes", c)
	assert.Equal(t, idA, idC)
	assert.Same(t, c, r.Get("shapes", idC))
}

func TestDomainsAreIndependent(t *testing.T) {
	r := &Registry{}
	a := &fakeInstance{"a"}
	id1 := r.Put("d1", a)
	id2 := r.Put("d2", a)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(1), id2)
	assert.Equal(t, uint32(1), r.IdBound("d1"))
	assert.Equal(t, uint32(0), r.IdBound("d3"))
}

func TestNilInstancePanics(t *testing.T) {
	r := &Registry{}
	err := exceptions.TryCatch[error](func() { r.Put("d", nil) })
	require.Error(t, err)
	var cerr *coreerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, coreerrors.KindConfiguration, cerr.Kind)
}
