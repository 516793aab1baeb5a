// Package ringfile implements the on-disk ring format described in
// spec.md §3/§4.A: a memory-mapped file holding an 8-byte header followed
// by a fixed-capacity array of 4-byte RawEntry descriptors.
//
// The mmap/open lifecycle generalizes the approach in
// pault.ag/go/go-diskring (mmap a file, hand back a typed handle with an
// explicit Close) to a slotted array instead of a byte-stream ring, and
// borrows the original Ringboard implementation's trick of mmapping the
// full capacity up front while letting the backing file grow lazily:
// entries are only ever read at indices below len, which is itself
// derived from the file's current size, so pages beyond the live region
// are never touched.
package ringfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MaxEntries is the largest index space a ring can address: a RawEntry's
// index field is 20 bits wide.
const MaxEntries = (1 << 20) - 1

// HeaderSize is the fixed 8-byte header: 3-byte magic, 1-byte version,
// 4-byte write head.
const HeaderSize = 8

const entrySize = 4

var magic = [3]byte{0x4D, 0x18, 0x32}

// ErrNotARingboard is returned when a file's header magic doesn't match,
// i.e. it isn't a Ringboard ring file.
var ErrNotARingboard = errors.New("ringfile: not a ringboard database")

// Ring is a handle to an open ring file.
type Ring struct {
	file     *os.File
	data     []byte // mmap of HeaderSize + capacity*entrySize bytes
	capacity uint32
	len      uint32
	readOnly bool
}

// Create formats a brand-new ring file at path with the given capacity
// and opens it for read/write access. It fails if the file already
// exists.
func Create(path string, capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity > MaxEntries {
		return nil, fmt.Errorf("ringfile: invalid capacity %d", capacity)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ringfile: create %s: %w", path, err)
	}

	var hdr [HeaderSize]byte
	copy(hdr[:3], magic[:])
	hdr[3] = 0 // version
	// write_head defaults to 0, already zeroed.
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ringfile: write header %s: %w", path, err)
	}

	return mapRing(f, capacity, false)
}

// Open opens an existing ring file for read/write access as the server.
// The effective capacity is the larger of maxCapacity and the ring's
// current len (capped at MaxEntries), as in the original implementation,
// so a ring can never be reopened with fewer slots than it already holds
// live data in.
func Open(path string, maxCapacity uint32) (*Ring, error) {
	return openRing(path, maxCapacity, false)
}

// OpenReadOnly opens an existing ring file for read-only access, as a
// client would.
func OpenReadOnly(path string, maxCapacity uint32) (*Ring, error) {
	return openRing(path, maxCapacity, true)
}

func openRing(path string, maxCapacity uint32, readOnly bool) (*Ring, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("ringfile: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringfile: stat %s: %w", path, err)
	}

	length := stat.Size()
	if length < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is truncated", ErrNotARingboard, path)
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, HeaderSize), hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringfile: read header %s: %w", path, err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] {
		f.Close()
		return nil, fmt.Errorf("%w: %s has invalid magic", ErrNotARingboard, path)
	}

	curLen := offsetToEntries(length)
	capacity := maxCapacity
	if curLen > capacity {
		capacity = curLen
	}
	if capacity > MaxEntries {
		capacity = MaxEntries
	}

	r, err := mapRing(f, capacity, readOnly)
	if err != nil {
		return nil, err
	}
	r.len = curLen
	return r, nil
}

func mapRing(f *os.File, capacity uint32, readOnly bool) (*Ring, error) {
	mapLen := int(entriesToOffset(capacity))
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, mapLen, prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringfile: mmap %s: %w", f.Name(), err)
	}
	return &Ring{file: f, data: data, capacity: capacity, readOnly: readOnly}, nil
}

func entriesToOffset(entries uint32) int64 {
	return HeaderSize + int64(entries)*entrySize
}

func offsetToEntries(offset int64) uint32 {
	if offset < HeaderSize {
		return 0
	}
	return uint32((offset - HeaderSize) / entrySize)
}

// Close unmaps and closes the underlying file.
func (r *Ring) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Len returns the number of slots that have ever been written, i.e. the
// live portion of the ring. Len <= Capacity.
func (r *Ring) Len() uint32 { return r.len }

// Capacity returns the ring's fixed slot count.
func (r *Ring) Capacity() uint32 { return r.capacity }

// WriteHead returns the header's write_head field: the slot that will be
// (over)written next.
func (r *Ring) WriteHead() uint32 {
	return binary.LittleEndian.Uint32(r.data[4:8])
}

// SetWriteHead persists a new write_head value. Server-only.
func (r *Ring) SetWriteHead(head uint32) error {
	if r.readOnly {
		return errors.New("ringfile: read-only ring")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], head)
	if _, err := r.file.WriteAt(buf[:], 4); err != nil {
		return fmt.Errorf("ringfile: write head: %w", err)
	}
	return nil
}

// NextHead computes the wrapped successor of a write-head position,
// modulo capacity.
func (r *Ring) NextHead(current uint32) uint32 {
	if current >= r.capacity-1 {
		return 0
	}
	return current + 1
}

// NextEntry computes the wrapped successor of a logical position, modulo
// the current len (not capacity) — used for walking live entries oldest
// to newest.
func (r *Ring) NextEntry(current uint32) uint32 {
	if r.len == 0 {
		return current
	}
	if current >= r.len-1 {
		return 0
	}
	return current + 1
}

// PrevEntry computes the wrapped predecessor of a logical position,
// modulo len.
func (r *Ring) PrevEntry(current uint32) uint32 {
	if r.len == 0 {
		return current
	}
	if current == 0 {
		return r.len - 1
	}
	return current - 1
}

// Get reads the decoded entry at a logical position, failing if pos is
// outside the live region [0, Len).
func (r *Ring) Get(pos uint32) (Entry, error) {
	if pos >= r.len {
		return Entry{}, fmt.Errorf("ringfile: position %d out of range (len=%d)", pos, r.len)
	}
	return r.rawAt(pos).Decode(), nil
}

func (r *Ring) rawAt(pos uint32) RawEntry {
	off := entriesToOffset(pos)
	return RawEntry(binary.LittleEndian.Uint32(r.data[off : off+entrySize]))
}

// WriteEntry writes a decoded entry at the given position. If pos == Len,
// the live region grows by one (bounded by Capacity); positions beyond
// Len are rejected since the ring must be grown one slot at a time.
// Server-only.
func (r *Ring) WriteEntry(pos uint32, e Entry) error {
	if r.readOnly {
		return errors.New("ringfile: read-only ring")
	}
	if pos > r.len || pos >= r.capacity {
		return fmt.Errorf("ringfile: position %d not writable (len=%d, capacity=%d)", pos, r.len, r.capacity)
	}

	var buf [entrySize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(e.raw()))
	if _, err := r.file.WriteAt(buf[:], entriesToOffset(pos)); err != nil {
		return fmt.Errorf("ringfile: write entry at %d: %w", pos, err)
	}

	if pos == r.len {
		r.len = pos + 1
	}
	return nil
}
