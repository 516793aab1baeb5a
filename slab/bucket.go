// Package slab implements the bucketed small-payload allocator described
// in spec.md §3/§4.B: eleven size-classed files holding fixed-width slots,
// with free lists persisted to (and recoverable from) disk.
package slab

import (
	"fmt"
	"math/bits"
	"os"
)

// NumBuckets is the number of size classes.
const NumBuckets = 11

// MaxBucketedSize is the largest payload that fits in a bucket slot
// (bucket 10's width); payloads this size or larger go to the direct
// store instead.
const MaxBucketedSize = 1 << (NumBuckets + 1) // 4096

// SizeToBucket maps a payload size in [1, MaxBucketedSize) to its bucket
// index: bucket = ceil(log2(size)) - 2, clamped to [0, NumBuckets-1].
func SizeToBucket(size int) int {
	if size <= 0 {
		return 0
	}
	ceilLog2 := bits.Len(uint(size - 1))
	if size&(size-1) == 0 {
		// exact power of two: ceil(log2(size)) == log2(size)
		ceilLog2 = bits.Len(uint(size)) - 1
	}
	b := ceilLog2 - 2
	if b < 0 {
		b = 0
	}
	if b > NumBuckets-1 {
		b = NumBuckets - 1
	}
	return b
}

// Width returns the fixed slot size, in bytes, for a bucket index.
func Width(bucket int) int { return 1 << (bucket + 2) }

// RangeName formats the human-readable size-class name used as the
// bucket's filename under the data directory's buckets/ subdirectory,
// e.g. "(0, 4]" or "(2048, 4096)".
func RangeName(bucket int) string {
	lo := 0
	if bucket > 0 {
		lo = 1 << (bucket + 1)
	}
	hi := 1 << (bucket + 2)
	if bucket == NumBuckets-1 {
		return fmt.Sprintf("(%d, %d)", lo, hi)
	}
	return fmt.Sprintf("(%d, %d]", lo, hi)
}

// Bucket is a single size-classed slab file.
type Bucket struct {
	file      *os.File
	width     int
	slotCount uint32 // highest allocated index + 1; includes freed slots
}

func openBucket(path string, width int) (*Bucket, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("slab: open bucket %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("slab: stat bucket %s: %w", path, err)
	}
	return &Bucket{
		file:      f,
		width:     width,
		slotCount: uint32(stat.Size() / int64(width)),
	}, nil
}

func (b *Bucket) Close() error { return b.file.Close() }

// SlotCount returns the number of slots the file has ever held
// (file_size[bucket] / width[bucket]).
func (b *Bucket) SlotCount() uint32 { return b.slotCount }

// Width is this bucket's fixed slot size in bytes.
func (b *Bucket) Width() int { return b.width }

// writeAt writes payload into an existing slot at index, NUL-terminating
// it per spec.md §4.B: a fresh (just-grown) slot gets its terminator at
// the absolute last byte of the slot (the rest is already zero from file
// extension); a reused slot gets its terminator immediately after the
// payload, mirroring the original implementation.
func (b *Bucket) writeAt(index uint32, payload []byte, grow bool) error {
	if len(payload) > b.width {
		return fmt.Errorf("slab: payload of %d bytes too large for %d-byte slot", len(payload), b.width)
	}
	base := int64(index) * int64(b.width)
	if _, err := b.file.WriteAt(payload, base); err != nil {
		return fmt.Errorf("slab: write slot %d: %w", index, err)
	}
	if len(payload) < b.width {
		var nulAt int64
		if grow {
			nulAt = base + int64(b.width) - 1
		} else {
			nulAt = base + int64(len(payload))
		}
		if _, err := b.file.WriteAt([]byte{0}, nulAt); err != nil {
			return fmt.Errorf("slab: write NUL terminator for slot %d: %w", index, err)
		}
	}
	return nil
}

// Read returns the raw slot contents (exactly Width bytes) at index.
func (b *Bucket) Read(index uint32) ([]byte, error) {
	buf := make([]byte, b.width)
	if _, err := b.file.ReadAt(buf, int64(index)*int64(b.width)); err != nil {
		return nil, fmt.Errorf("slab: read slot %d: %w", index, err)
	}
	return buf, nil
}

// growTo bumps slotCount to at least count slots, used when an index
// beyond the current high-water mark is about to be written (e.g. during
// GC relocation or recovery bookkeeping).
func (b *Bucket) growTo(count uint32) {
	if count > b.slotCount {
		b.slotCount = count
	}
}
