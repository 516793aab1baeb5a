package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringboard/ringboard/mimetype"
	"github.com/ringboard/ringboard/ringfile"
	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/slab"
)

func tempPayload(t *testing.T, content string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func openTestStore(t *testing.T, caps Capacities) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), caps, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddTextStoresBucketed(t *testing.T) {
	s := openTestStore(t, nil)

	id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "hello"))
	require.NoError(t, err)
	require.Equal(t, ringid.Composite(ringid.Main, 0), id)

	ring := s.ring(ringid.Main)
	require.EqualValues(t, 1, ring.WriteHead())
	entry, err := ring.Get(0)
	require.NoError(t, err)
	require.Equal(t, ringfile.Bucketed, entry.Kind)
	require.Equal(t, 5, int(entry.Size))

	data, err := s.alloc.Read(slab.SizeToBucket(int(entry.Size)), entry.Index)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00\x00\x00"), data)
}

func TestAddLargeStoresDirect(t *testing.T) {
	s := openTestStore(t, nil)

	id, err := s.Add(ringid.Main, mimetype.Type("image/png"), tempPayload(t, string(make([]byte, 5000))))
	require.NoError(t, err)

	ring := s.ring(ringid.Main)
	entry, err := ring.Get(0)
	require.NoError(t, err)
	require.Equal(t, ringfile.Direct, entry.Kind)
	require.True(t, s.direct.Exists(id))
}

func TestAddBoundaryExactly4096BytesIsDirect(t *testing.T) {
	s := openTestStore(t, nil)

	id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, string(make([]byte, 4096))))
	require.NoError(t, err)

	entry, err := s.ring(ringid.Main).Get(0)
	require.NoError(t, err)
	require.Equal(t, ringfile.Direct, entry.Kind)
	require.True(t, s.direct.Exists(id))
}

func TestMoveToFrontNoOpWhenAlreadyFront(t *testing.T) {
	s := openTestStore(t, nil)
	id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "x"))
	require.NoError(t, err)

	got, err := s.MoveToFront(id, nil)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestMoveToFrontAcrossRings(t *testing.T) {
	s := openTestStore(t, nil)
	id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "x"))
	require.NoError(t, err)

	fav := ringid.Favorites
	newID, err := s.MoveToFront(id, &fav)
	require.NoError(t, err)
	require.Equal(t, ringid.Composite(ringid.Favorites, 0), newID)

	mainRing := s.ring(ringid.Main)
	entry, err := mainRing.Get(0)
	require.NoError(t, err)
	require.Equal(t, ringfile.Uninitialized, entry.Kind)

	favRing := s.ring(ringid.Favorites)
	entry, err = favRing.Get(0)
	require.NoError(t, err)
	require.Equal(t, ringfile.Bucketed, entry.Kind)
}

func TestRemoveFreesBacking(t *testing.T) {
	s := openTestStore(t, nil)
	id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	// "x" occupied slot 0 of bucket 0; Remove puts it back on the free list.
	require.Equal(t, []uint32{0}, s.alloc.FreeIndices(slab.SizeToBucket(1)))

	// Removing an already-cleared slot now reports the slot as
	// uninitialized.
	err = s.Remove(id)
	require.Error(t, err)
}

func TestSwapBucketedEntries(t *testing.T) {
	s := openTestStore(t, nil)
	id1, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "aa"))
	require.NoError(t, err)
	id2, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "bbbb"))
	require.NoError(t, err)

	err1, err2 := s.Swap(id1, id2)
	require.NoError(t, err1)
	require.NoError(t, err2)

	ring := s.ring(ringid.Main)
	e1, err := ring.Get(0)
	require.NoError(t, err)
	require.Equal(t, 4, int(e1.Size))
	e2, err := ring.Get(1)
	require.NoError(t, err)
	require.Equal(t, 2, int(e2.Size))
}

func TestSwapIdentityWhenAppliedTwice(t *testing.T) {
	s := openTestStore(t, nil)
	id1, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "aa"))
	require.NoError(t, err)
	id2, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "bbbb"))
	require.NoError(t, err)

	ring := s.ring(ringid.Main)
	before0, _ := ring.Get(0)
	before1, _ := ring.Get(1)

	err1, err2 := s.Swap(id1, id2)
	require.NoError(t, err1)
	require.NoError(t, err2)
	err1, err2 = s.Swap(id1, id2)
	require.NoError(t, err1)
	require.NoError(t, err2)

	after0, _ := ring.Get(0)
	after1, _ := ring.Get(1)
	require.Equal(t, before0, after0)
	require.Equal(t, before1, after1)
}

func TestCrashRecoveryRebuildsFreeLists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "hello"))
		require.NoError(t, err)
	}
	// Simulate a crash: close without calling Persist, so no free-list
	// file has been written (slab.Open does not create one).
	require.NoError(t, s.Close())

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()
	require.True(t, s2.alloc.Recovered)

	for i := uint32(0); i < 10; i++ {
		data, err := s2.ring(ringid.Main).Get(i)
		require.NoError(t, err)
		require.Equal(t, 5, int(data.Size))
	}
}

func TestGarbageCollectCompactsBucket(t *testing.T) {
	s := openTestStore(t, nil)

	var ids []uint64
	for i := 0; i < 4; i++ {
		id, err := s.Add(ringid.Main, mimetype.Type("text/plain"), tempPayload(t, "aa"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Free the two lowest-index slots, leaving holes below the
	// high-water mark.
	require.NoError(t, s.Remove(ids[0]))
	require.NoError(t, s.Remove(ids[1]))

	freed, err := s.GarbageCollect(0)
	require.NoError(t, err)
	require.Greater(t, freed, uint64(0))

	// The two surviving entries must still read back correctly after
	// compaction, wherever their slots landed.
	for _, id := range ids[2:] {
		ring := s.ring(ringid.Main)
		_, idx, err := ringid.Decompose(id)
		require.NoError(t, err)
		entry, err := ring.Get(idx)
		require.NoError(t, err)
		require.Equal(t, ringfile.Bucketed, entry.Kind)
		data, err := s.alloc.Read(slab.SizeToBucket(int(entry.Size)), entry.Index)
		require.NoError(t, err)
		require.Equal(t, []byte("aa\x00\x00"), data)
	}
}
