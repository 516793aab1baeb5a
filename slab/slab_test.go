package slab

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizeToBucketBoundaries(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, 0}, {4, 0}, {5, 1}, {8, 1}, {9, 2},
		{1024, 8}, {1025, 9}, {2048, 9}, {2049, 10}, {4095, 10},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, SizeToBucket(c.size), "size=%d", c.size)
	}
}

func TestRangeName(t *testing.T) {
	require.Equal(t, "(0, 4]", RangeName(0))
	require.Equal(t, "(4, 8]", RangeName(1))
	require.Equal(t, "(2048, 4096)", RangeName(10))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	defer a.Close()
	require.True(t, a.Recovered)

	bucket, index, err := a.Alloc([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, bucket) // "hello" is 5 bytes -> bucket (4,8]

	data, err := a.Read(bucket, index)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00\x00\x00"), data)

	a.Free(bucket, index)
	bucket2, index2, err := a.Alloc([]byte("byebye")) // 6 bytes -> same bucket (4,8]
	require.NoError(t, err)
	require.Equal(t, bucket, bucket2)
	require.Equal(t, index, index2) // slot reused
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)

	_, _, err = a.Alloc([]byte("x"))
	require.NoError(t, err)
	b, idx, err := a.Alloc([]byte("y"))
	require.NoError(t, err)
	a.Free(b, idx)

	require.NoError(t, a.Persist())
	require.NoError(t, a.Close())

	a2, err := Open(dir)
	require.NoError(t, err)
	defer a2.Close()
	require.False(t, a2.Recovered)
	require.Equal(t, []uint32{idx}, a2.free[b])
}

func TestCorruptFreeListFileTriggersRecovery(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, os.WriteFile(a.freeSource, []byte{1, 2, 3}, 0o644))

	a2, err := Open(dir)
	require.NoError(t, err)
	defer a2.Close()
	require.True(t, a2.Recovered)
}
