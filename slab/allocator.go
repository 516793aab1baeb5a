package slab

import (
	"fmt"
	"os"
	"path/filepath"
)

// Allocator coordinates the eleven bucket files and their free lists.
type Allocator struct {
	dir        string
	buckets    [NumBuckets]*Bucket
	free       [NumBuckets][]uint32
	freeSource string // path to the free-list file
	Recovered  bool   // true if free lists came from a ring scan, not disk
}

// Open opens (creating as needed) the bucket files under dir/buckets and
// attempts to load the persisted free-list file at dir/free-lists. If that
// file is absent, empty, or fails to decode, the allocator's free lists
// are left empty and Recovered is set so the caller (package store) knows
// it must rebuild them by scanning both rings, per spec.md §4.B.
func Open(dir string) (*Allocator, error) {
	bucketsDir := filepath.Join(dir, "buckets")
	if err := os.MkdirAll(bucketsDir, 0o755); err != nil {
		return nil, fmt.Errorf("slab: create buckets dir: %w", err)
	}

	a := &Allocator{dir: dir, freeSource: filepath.Join(dir, "free-lists")}
	for b := 0; b < NumBuckets; b++ {
		path := filepath.Join(bucketsDir, RangeName(b))
		bucket, err := openBucket(path, Width(b))
		if err != nil {
			a.closeOpened(b)
			return nil, err
		}
		a.buckets[b] = bucket
	}

	lists, ok, err := loadFreeListFile(a.freeSource)
	if err != nil {
		a.closeOpened(NumBuckets)
		return nil, err
	}
	if ok {
		a.free = lists
	} else {
		a.Recovered = true
	}
	return a, nil
}

func (a *Allocator) closeOpened(n int) {
	for i := 0; i < n; i++ {
		if a.buckets[i] != nil {
			a.buckets[i].Close()
		}
	}
}

// Close closes all eleven bucket files. It does not persist free lists;
// callers must call Persist first if durability is desired.
func (a *Allocator) Close() error {
	var first error
	for _, b := range a.buckets {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Bucket returns the handle for bucket index b.
func (a *Allocator) Bucket(b int) *Bucket { return a.buckets[b] }

// Persist rewrites the free-list file from current in-memory state. It is
// called on clean shutdown (spec.md §4.I).
func (a *Allocator) Persist() error {
	return persistFreeListFile(a.freeSource, a.free)
}

// Rebuild recomputes every bucket's free list from scratch using isLive,
// which reports whether (bucket, index) is referenced by some live ring
// entry. This implements spec.md §4.B's recover(): emit every unmarked
// slot up to the observed maximum (SlotCount).
func (a *Allocator) Rebuild(isLive func(bucket int, index uint32) bool) {
	for b := 0; b < NumBuckets; b++ {
		count := a.buckets[b].SlotCount()
		free := make([]uint32, 0, count)
		for i := uint32(0); i < count; i++ {
			if !isLive(b, i) {
				free = append(free, i)
			}
		}
		a.free[b] = free
	}
}

// Alloc writes payload into a slot sized for len(payload), returning the
// bucket and slot index it landed in. It reuses a freed slot when one is
// available, otherwise appends a new slot at the bucket's high-water
// mark.
func (a *Allocator) Alloc(payload []byte) (bucket int, index uint32, err error) {
	b := SizeToBucket(len(payload))
	bucket = b

	free := a.free[b]
	grow := len(free) == 0
	if grow {
		index = a.buckets[b].SlotCount()
	} else {
		index = free[len(free)-1]
		a.free[b] = free[:len(free)-1]
	}

	if err := a.buckets[b].writeAt(index, payload, grow); err != nil {
		if grow {
			// Nothing was actually committed to slotCount yet; just report.
			return 0, 0, err
		}
		// Put the slot back; the allocation never happened.
		a.free[b] = append(a.free[b], index)
		return 0, 0, err
	}
	if grow {
		a.buckets[b].growTo(index + 1)
	}
	return bucket, index, nil
}

// Free returns (bucket, index) to its free list for reuse.
func (a *Allocator) Free(bucket int, index uint32) {
	a.free[bucket] = append(a.free[bucket], index)
}

// FreeIndices returns a copy of bucket b's current free-index stack, used
// by GarbageCollect to find compaction targets without letting the caller
// mutate allocator state directly.
func (a *Allocator) FreeIndices(b int) []uint32 {
	out := make([]uint32, len(a.free[b]))
	copy(out, a.free[b])
	return out
}

// TakeFree removes a specific index from bucket b's free list, reporting
// whether it was present. Used by GarbageCollect to claim a compaction
// destination slot picked via FreeIndices.
func (a *Allocator) TakeFree(b int, index uint32) bool {
	for i, v := range a.free[b] {
		if v == index {
			a.free[b] = append(a.free[b][:i], a.free[b][i+1:]...)
			return true
		}
	}
	return false
}

// Relocate copies the live payload at (bucket, from) into slot `to`,
// exported for package store's GarbageCollect compaction. Callers must
// rewrite every ring descriptor referencing (bucket, from) before this
// call returns control to a GC loop that might free `from` concurrently
// — in this single-threaded server there's no concurrency to worry
// about, but the ordering (copy, then rewrite descriptors, then free
// source) must still be followed by the caller.
func (a *Allocator) Relocate(bucket int, from, to uint32, size uint16) error {
	return a.relocate(bucket, from, to, size)
}

// Read returns the raw slot bytes for (bucket, index), exactly Width(bucket)
// bytes long including any trailing NUL padding.
func (a *Allocator) Read(bucket int, index uint32) ([]byte, error) {
	return a.buckets[bucket].Read(index)
}

// relocate copies the live payload at (bucket, from) into slot `to` in the
// same bucket, used only by GarbageCollect compaction. The caller is
// responsible for rewriting every ring descriptor referencing (bucket,
// from) before freeing the source slot.
func (a *Allocator) relocate(bucket int, from, to uint32, size uint16) error {
	data, err := a.Read(bucket, from)
	if err != nil {
		return err
	}
	payload := data[:size]
	grow := to >= a.buckets[bucket].SlotCount()
	if err := a.buckets[bucket].writeAt(to, payload, grow); err != nil {
		return err
	}
	if grow {
		a.buckets[bucket].growTo(to + 1)
	}
	return nil
}
