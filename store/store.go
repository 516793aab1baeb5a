// Package store implements the allocator facade described in spec.md
// §4.D: it coordinates the two ring files, the bucket slab allocator,
// and the direct-file store behind the five client-visible operations
// (Add, MoveToFront, Swap, Remove, GarbageCollect), preserving the
// publication ordering and failure semantics those operations require.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ringboard/ringboard/mimetype"
	"github.com/ringboard/ringboard/ringfile"
	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/slab"

	"github.com/ringboard/ringboard/direct"
)

// ErrInternal marks an invariant violation: a condition the five public
// operations assume can never happen. Surfacing it distinctly lets the
// caller (internal/reactor) route it through the same fatal-shutdown
// path as other unrecoverable errors, per spec.md §7.
var ErrInternal = errors.New("store: internal invariant violation")

// Store ties together both rings, the slab allocator, and the direct
// store under one data directory.
type Store struct {
	dir    string
	rings  map[ringid.Kind]*ringfile.Ring
	alloc  *slab.Allocator
	direct *direct.Store
	log    *zap.SugaredLogger
}

// Capacities bounds each ring's maximum entry count, keyed by kind.
type Capacities map[ringid.Kind]uint32

// Open opens or creates the on-disk layout under dir: both ring files,
// the eleven bucket files, the free-list file, and the direct
// subdirectory. If the free-list file is missing, empty, or corrupt,
// the free lists are rebuilt by scanning both rings (spec.md §4.B).
func Open(dir string, capacities Capacities, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir %s: %w", dir, err)
	}

	s := &Store{dir: dir, rings: make(map[ringid.Kind]*ringfile.Ring), log: log}

	for _, kind := range []ringid.Kind{ringid.Favorites, ringid.Main} {
		capacity := capacities[kind]
		if capacity == 0 {
			capacity = kind.DefaultCapacity()
		}
		ring, err := openOrCreateRing(filepath.Join(dir, kind.FileName()), capacity)
		if err != nil {
			s.closeRings()
			return nil, err
		}
		s.rings[kind] = ring
	}

	alloc, err := slab.Open(dir)
	if err != nil {
		s.closeRings()
		return nil, err
	}
	s.alloc = alloc

	if alloc.Recovered {
		if log != nil {
			log.Infow("free-list file missing or corrupt, rebuilding from ring scan")
		}
		alloc.Rebuild(s.isLiveBucketSlot)
	}

	ds, err := direct.Open(filepath.Join(dir, "direct"))
	if err != nil {
		alloc.Close()
		s.closeRings()
		return nil, err
	}
	s.direct = ds

	return s, nil
}

func openOrCreateRing(path string, capacity uint32) (*ringfile.Ring, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ringfile.Create(path, capacity)
	}
	return ringfile.Open(path, capacity)
}

func (s *Store) closeRings() {
	for _, r := range s.rings {
		r.Close()
	}
}

// Close releases all open files. It does not persist the free lists;
// callers call Persist first during a clean shutdown sequence so a
// failure to persist is observable before files close.
func (s *Store) Close() error {
	var first error
	if err := s.alloc.Close(); err != nil && first == nil {
		first = err
	}
	for _, r := range s.rings {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Persist rewrites the free-list file from current in-memory state.
// Called during clean shutdown (spec.md §4.I).
func (s *Store) Persist() error {
	return s.alloc.Persist()
}

func (s *Store) ring(kind ringid.Kind) *ringfile.Ring {
	return s.rings[kind]
}

// isLiveBucketSlot reports whether any ring entry currently references
// (bucket, index), used for free-list recovery. GarbageCollect finds
// its references with bucketRefs instead.
func (s *Store) isLiveBucketSlot(bucket int, index uint32) bool {
	for _, kind := range []ringid.Kind{ringid.Favorites, ringid.Main} {
		ring := s.ring(kind)
		for pos := uint32(0); pos < ring.Len(); pos++ {
			e, err := ring.Get(pos)
			if err != nil || e.Kind != ringfile.Bucketed {
				continue
			}
			if slab.SizeToBucket(int(e.Size)) == bucket && e.Index == index {
				return true
			}
		}
	}
	return false
}

// resolve decomposes id and returns its ring, position, and decoded
// entry, failing with a ringid error if the id doesn't name a live
// slot. These errors are reported in-band per spec.md §7, never raised
// as fatal conditions.
func (s *Store) resolve(id uint64) (*ringfile.Ring, uint32, ringfile.Entry, error) {
	kind, idx, err := ringid.Decompose(id)
	if err != nil {
		return nil, 0, ringfile.Entry{}, err
	}
	ring := s.ring(kind)
	if idx >= ring.Len() {
		return nil, 0, ringfile.Entry{}, ringid.InvalidEntryError{Index: idx}
	}
	entry, err := ring.Get(idx)
	if err != nil {
		return nil, 0, ringfile.Entry{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if entry.Kind == ringfile.Uninitialized {
		return nil, 0, ringfile.Entry{}, ringid.InvalidEntryError{Index: idx}
	}
	return ring, idx, entry, nil
}

// ReadPayload resolves id and returns its raw bytes and MIME type,
// without regard to whether the backing storage is a bucket slot or a
// direct file. Used by the paste side channel (spec.md §6) to serve a
// read-only copy of an entry's contents.
func (s *Store) ReadPayload(id uint64) ([]byte, mimetype.Type, error) {
	_, _, entry, err := s.resolve(id)
	if err != nil {
		return nil, "", err
	}
	switch entry.Kind {
	case ringfile.Bucketed:
		data, err := s.alloc.Read(slab.SizeToBucket(int(entry.Size)), entry.Index)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return data[:entry.Size], "", nil
	case ringfile.Direct:
		f, err := s.direct.Open(id)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
		}
		mime, err := s.direct.MimeType(id)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return data, mime, nil
	default:
		return nil, "", fmt.Errorf("%w: unresolvable entry kind %v", ErrInternal, entry.Kind)
	}
}

// freeBacking releases whatever storage entry references: a bucket slot
// or a direct file. id is only used (and only meaningful) for the
// direct case, since direct files are named by composite id.
func (s *Store) freeBacking(entry ringfile.Entry, id uint64) error {
	switch entry.Kind {
	case ringfile.Bucketed:
		s.alloc.Free(slab.SizeToBucket(int(entry.Size)), entry.Index)
		return nil
	case ringfile.Direct:
		return s.direct.Free(id)
	default:
		return nil
	}
}

// frontPosition returns the logical position of the most-recently added
// live entry in ring: the slot just behind the write head.
func frontPosition(ring *ringfile.Ring) uint32 {
	head := ring.WriteHead()
	if head == 0 {
		return ring.Capacity() - 1
	}
	return head - 1
}

// Add stores the contents of src (already fully readable — an ancillary
// FD the caller received over the control socket) as a new entry in
// ring `to`, returning its composite id. Plain-text payloads smaller
// than the direct-store threshold go into a bucket slot; everything
// else becomes a direct file. Publication follows spec.md §4.D's
// ordering: clear old descriptor, free old storage, write new data,
// write new descriptor, advance head.
func (s *Store) Add(to ringid.Kind, mime mimetype.Type, src *os.File) (uint64, error) {
	ring := s.ring(to)
	if ring == nil {
		return 0, fmt.Errorf("%w: unknown ring kind %v", ErrInternal, to)
	}

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("store: stat payload: %w", err)
	}
	size := info.Size()

	head := ring.WriteHead()
	if err := s.clearSlotIfLive(ring, to, head); err != nil {
		return 0, err
	}

	normalized := mime.Normalized()
	bucketed := normalized == "" && size > 0 && size < slab.MaxBucketedSize

	var newEntry ringfile.Entry
	if bucketed {
		data, err := io.ReadAll(src)
		if err != nil {
			return 0, fmt.Errorf("store: read payload: %w", err)
		}
		_, index, err := s.alloc.Alloc(data)
		if err != nil {
			return 0, fmt.Errorf("store: allocate bucket slot: %w", err)
		}
		newEntry = ringfile.Entry{Kind: ringfile.Bucketed, Size: uint16(len(data)), Index: index}
	} else {
		id := ringid.Composite(to, head)
		if err := s.direct.Alloc(src, id, mime); err != nil {
			return 0, fmt.Errorf("store: allocate direct file: %w", err)
		}
		newEntry = ringfile.Entry{Kind: ringfile.Direct}
	}

	if err := ring.WriteEntry(head, newEntry); err != nil {
		// Roll back the storage we just allocated; the operation never
		// becomes visible to readers since write_head hasn't moved.
		s.freeBacking(newEntry, ringid.Composite(to, head))
		return 0, fmt.Errorf("store: write new descriptor: %w", err)
	}
	if err := ring.SetWriteHead(ring.NextHead(head)); err != nil {
		return 0, fmt.Errorf("store: advance write head: %w", err)
	}
	return ringid.Composite(to, head), nil
}

// clearSlotIfLive clears and frees whatever currently occupies pos in
// ring, if anything. Used both by Add (evicting the slot about to be
// overwritten) and MoveToFront (evicting the target slot).
func (s *Store) clearSlotIfLive(ring *ringfile.Ring, kind ringid.Kind, pos uint32) error {
	if pos >= ring.Len() {
		return nil
	}
	old, err := ring.Get(pos)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if old.Kind == ringfile.Uninitialized {
		return nil
	}
	oldID := ringid.Composite(kind, pos)
	if err := ring.WriteEntry(pos, ringfile.Entry{}); err != nil {
		return fmt.Errorf("store: clear old descriptor: %w", err)
	}
	if err := s.freeBacking(old, oldID); err != nil {
		return fmt.Errorf("store: free old storage: %w", err)
	}
	return nil
}

// MoveToFront moves the entry named by id to the front of ring `to`
// (or its own ring, if to is nil), reusing its backing storage without
// copying bucketed payloads and renaming direct files in place. If the
// entry is already the most recent in its own ring and no ring change
// is requested, it is a no-op that returns the same id.
func (s *Store) MoveToFront(id uint64, to *ringid.Kind) (uint64, error) {
	fromRing, fromIdx, entry, err := s.resolve(id)
	if err != nil {
		return 0, err
	}
	fromKind, _, _ := ringid.Decompose(id)

	target := fromKind
	if to != nil {
		target = *to
	}
	if target == fromKind && fromIdx == frontPosition(fromRing) {
		return id, nil
	}

	if err := fromRing.WriteEntry(fromIdx, ringfile.Entry{}); err != nil {
		return 0, fmt.Errorf("store: clear source descriptor: %w", err)
	}

	targetRing := s.ring(target)
	if targetRing == nil {
		return 0, fmt.Errorf("%w: unknown ring kind %v", ErrInternal, target)
	}
	head := targetRing.WriteHead()
	if err := s.clearSlotIfLive(targetRing, target, head); err != nil {
		return 0, err
	}

	newID := ringid.Composite(target, head)
	if entry.Kind == ringfile.Direct {
		if err := s.direct.Rename(id, newID); err != nil {
			return 0, fmt.Errorf("store: rename direct file: %w", err)
		}
	}
	if err := targetRing.WriteEntry(head, entry); err != nil {
		return 0, fmt.Errorf("store: write moved descriptor: %w", err)
	}
	if err := targetRing.SetWriteHead(targetRing.NextHead(head)); err != nil {
		return 0, fmt.Errorf("store: advance write head: %w", err)
	}
	return newID, nil
}

// Swap exchanges the descriptors (and, where needed, the backing direct
// files) of two entries in place. The two ids are resolved and acted on
// independently: one can fail without affecting the other.
func (s *Store) Swap(id1, id2 uint64) (err1, err2 error) {
	ring1, idx1, entry1, e1 := s.resolve(id1)
	ring2, idx2, entry2, e2 := s.resolve(id2)
	if e1 != nil || e2 != nil {
		return e1, e2
	}

	switch {
	case entry1.Kind == ringfile.Direct && entry2.Kind == ringfile.Direct:
		if err := s.direct.Swap(id1, id2); err != nil {
			return fmt.Errorf("store: exchange direct files: %w", err), nil
		}
	case entry1.Kind == ringfile.Direct:
		if err := s.direct.Rename(id1, id2); err != nil {
			return fmt.Errorf("store: rename direct file: %w", err), nil
		}
	case entry2.Kind == ringfile.Direct:
		if err := s.direct.Rename(id2, id1); err != nil {
			return nil, fmt.Errorf("store: rename direct file: %w", err)
		}
	}

	if err := ring1.WriteEntry(idx1, entry2); err != nil {
		return fmt.Errorf("store: write swapped descriptor: %w", err), nil
	}
	if err := ring2.WriteEntry(idx2, entry1); err != nil {
		return nil, fmt.Errorf("store: write swapped descriptor: %w", err)
	}
	return nil, nil
}

// Remove clears id's descriptor and frees its backing storage.
func (s *Store) Remove(id uint64) error {
	ring, idx, entry, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := ring.WriteEntry(idx, ringfile.Entry{}); err != nil {
		return fmt.Errorf("store: clear descriptor: %w", err)
	}
	return s.freeBacking(entry, id)
}

// GarbageCollect compacts the bucket slab, relocating high-index live
// slots down into low-index free slots until each bucket's remaining
// free-list footprint is at or below maxWastedBytes, or there are no
// more profitable moves. Direct entries are never compacted — there is
// no internal fragmentation in a one-file-per-entry store.
func (s *Store) GarbageCollect(maxWastedBytes uint64) (uint64, error) {
	var bytesFreed uint64
	for b := 0; b < slab.NumBuckets; b++ {
		width := uint64(slab.Width(b))
		freed, err := s.compactBucket(b, width, maxWastedBytes)
		if err != nil {
			return bytesFreed, err
		}
		bytesFreed += freed
	}
	return bytesFreed, nil
}

type bucketRef struct {
	kind ringid.Kind
	pos  uint32
	size uint16
}

func (s *Store) bucketRefs(bucket int) map[uint32]bucketRef {
	refs := make(map[uint32]bucketRef)
	for _, kind := range []ringid.Kind{ringid.Favorites, ringid.Main} {
		ring := s.ring(kind)
		for pos := uint32(0); pos < ring.Len(); pos++ {
			e, err := ring.Get(pos)
			if err != nil || e.Kind != ringfile.Bucketed {
				continue
			}
			if slab.SizeToBucket(int(e.Size)) != bucket {
				continue
			}
			refs[e.Index] = bucketRef{kind: kind, pos: pos, size: e.Size}
		}
	}
	return refs
}

func (s *Store) compactBucket(bucket int, width uint64, maxWastedBytes uint64) (uint64, error) {
	refs := s.bucketRefs(bucket)
	var bytesFreed uint64

	for {
		free := s.alloc.FreeIndices(bucket)
		wasted := uint64(len(free)) * width
		if wasted <= maxWastedBytes || len(free) == 0 {
			break
		}

		lowFree, ok := minUint32(free)
		if !ok {
			break
		}
		highLive, ref, ok := maxLiveAbove(refs, lowFree)
		if !ok {
			// No live slot above the lowest free one: nothing left to
			// gain by compacting further.
			break
		}

		if err := s.alloc.Relocate(bucket, highLive, lowFree, ref.size); err != nil {
			return bytesFreed, fmt.Errorf("store: relocate bucket %d slot %d->%d: %w", bucket, highLive, lowFree, err)
		}
		targetRing := s.ring(ref.kind)
		if err := targetRing.WriteEntry(ref.pos, ringfile.Entry{Kind: ringfile.Bucketed, Size: ref.size, Index: lowFree}); err != nil {
			return bytesFreed, fmt.Errorf("store: rewrite relocated descriptor: %w", err)
		}

		s.alloc.TakeFree(bucket, lowFree)
		s.alloc.Free(bucket, highLive)
		delete(refs, highLive)
		refs[lowFree] = bucketRef{kind: ref.kind, pos: ref.pos, size: ref.size}

		bytesFreed += width
	}
	return bytesFreed, nil
}

func minUint32(xs []uint32) (uint32, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m, true
}

func maxLiveAbove(refs map[uint32]bucketRef, floor uint32) (uint32, bucketRef, bool) {
	var (
		best    uint32
		bestRef bucketRef
		found   bool
	)
	for idx, ref := range refs {
		if idx <= floor {
			continue
		}
		if !found || idx > best {
			best, bestRef, found = idx, ref, true
		}
	}
	return best, bestRef, found
}
