package ringfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndWriteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	r, err := Create(path, 4)
	require.NoError(t, err)
	defer r.Close()

	require.EqualValues(t, 0, r.Len())
	require.EqualValues(t, 4, r.Capacity())
	require.EqualValues(t, 0, r.WriteHead())

	require.NoError(t, r.WriteEntry(0, Entry{Kind: Bucketed, Size: 5, Index: 0}))
	require.EqualValues(t, 1, r.Len())

	got, err := r.Get(0)
	require.NoError(t, err)
	require.Equal(t, Entry{Kind: Bucketed, Size: 5, Index: 0}, got)

	require.NoError(t, r.SetWriteHead(1))
	require.EqualValues(t, 1, r.WriteHead())
}

func TestWriteEntryRejectsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	r, err := Create(path, 4)
	require.NoError(t, err)
	defer r.Close()

	require.Error(t, r.WriteEntry(1, Entry{Kind: Direct}))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.ring")
	require.NoError(t, os.WriteFile(path, []byte("not a ring at all, too short"), 0o644))

	_, err := Open(path, 4)
	require.ErrorIs(t, err, ErrNotARingboard)
}

func TestNextHeadWrapsAtCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	r, err := Create(path, 2)
	require.NoError(t, err)
	defer r.Close()

	require.EqualValues(t, 1, r.NextHead(0))
	require.EqualValues(t, 0, r.NextHead(1))
}

func TestReopenClampsCapacityToExistingLen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	r, err := Create(path, 8)
	require.NoError(t, err)
	require.NoError(t, r.WriteEntry(0, Entry{Kind: Direct}))
	require.NoError(t, r.WriteEntry(1, Entry{Kind: Direct}))
	require.NoError(t, r.WriteEntry(2, Entry{Kind: Direct}))
	require.NoError(t, r.Close())

	// Reopen requesting a smaller max capacity than the live length; the
	// effective capacity must still cover every already-written entry.
	r2, err := Open(path, 1)
	require.NoError(t, err)
	defer r2.Close()
	require.EqualValues(t, 3, r2.Len())
	require.GreaterOrEqual(t, r2.Capacity(), uint32(3))
}
