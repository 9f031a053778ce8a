package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateOne_LowestFirst(t *testing.T) {
	a, err := New(20000, 20002)
	require.NoError(t, err)

	p1, err := a.AllocateOne()
	require.NoError(t, err)
	assert.Equal(t, 20000, p1)

	p2, err := a.AllocateOne()
	require.NoError(t, err)
	assert.Equal(t, 20001, p2)
}

func TestAllocate_ExhaustedRange(t *testing.T) {
	a, err := New(20000, 20000)
	require.NoError(t, err)
	_, err = a.AllocateOne()
	require.NoError(t, err)

	_, err = a.AllocateOne()
	assert.Error(t, err)
}

func TestRelease_ReturnsToPool(t *testing.T) {
	a, err := New(20000, 20000)
	require.NoError(t, err)
	p, err := a.AllocateOne()
	require.NoError(t, err)
	a.Release(p)

	p2, err := a.AllocateOne()
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestAllocateRange_PartialFailureReleases(t *testing.T) {
	a, err := New(20000, 20001)
	require.NoError(t, err)
	_, err = a.AllocateRange(3)
	assert.Error(t, err)
	assert.Equal(t, 2, a.Available(), "failed range allocation must release ports it already took")
}
