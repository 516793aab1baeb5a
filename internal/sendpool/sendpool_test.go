package sendpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAndRelease(t *testing.T) {
	p := New()
	b, err := p.Alloc(3, []byte("hi"), nil)
	require.NoError(t, err)
	require.Equal(t, 3, b.Client())
	require.Equal(t, 1, p.InUse())
	require.Equal(t, []int{b.Index()}, p.Pending(3))

	p.Release(b.Index())
	require.Equal(t, 0, p.InUse())
	require.Empty(t, p.Pending(3))
}

func TestAllocExhaustion(t *testing.T) {
	p := New()
	for i := 0; i < Capacity; i++ {
		_, err := p.Alloc(0, nil, nil)
		require.NoError(t, err)
	}
	_, err := p.Alloc(0, nil, nil)
	require.Error(t, err)
}

func TestPendingPreservesFIFOOrder(t *testing.T) {
	p := New()
	b1, err := p.Alloc(1, []byte("a"), nil)
	require.NoError(t, err)
	b2, err := p.Alloc(1, []byte("b"), nil)
	require.NoError(t, err)

	require.Equal(t, []int{b1.Index(), b2.Index()}, p.Pending(1))
}

func TestReleaseClientDrainsAllPending(t *testing.T) {
	p := New()
	for i := 0; i < 5; i++ {
		_, err := p.Alloc(2, nil, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 5, p.InUse())

	p.ReleaseClient(2)
	require.Equal(t, 0, p.InUse())
	require.Empty(t, p.Pending(2))
}
