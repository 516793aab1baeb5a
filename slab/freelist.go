package slab

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

var freeListMagic = [4]byte{'R', 'B', 'F', 'L'}

const freeListVersion = 1

// encodeFreeLists serializes all NumBuckets free-index stacks into the
// stable on-disk format: a 5-byte header (magic + version), then per
// bucket a uint32 count followed by that many little-endian uint32
// indices, followed by a trailing CRC32 (IEEE) checksum over everything
// before it. This is plain encoding/binary rather than a third-party
// serialization format: the payload is a flat list of machine integers
// with no schema evolution needs, which is exactly what the bucketed
// slab/free-list files in the retrieval pack (e.g. the slotcache SLC1
// format) hand-roll with encoding/binary + crc32 as well.
func encodeFreeLists(free [NumBuckets][]uint32) []byte {
	var buf bytes.Buffer
	buf.Write(freeListMagic[:])
	buf.WriteByte(freeListVersion)
	for b := 0; b < NumBuckets; b++ {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(free[b])))
		buf.Write(n[:])
		for _, idx := range free[b] {
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], idx)
			buf.Write(v[:])
		}
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], sum)
	buf.Write(c[:])
	return buf.Bytes()
}

// decodeFreeLists is the inverse of encodeFreeLists. It returns an error
// for any structural or checksum mismatch; callers must treat that as
// "rebuild from the rings", never as fatal.
func decodeFreeLists(data []byte) ([NumBuckets][]uint32, error) {
	var out [NumBuckets][]uint32
	if len(data) < 5+4 {
		return out, fmt.Errorf("slab: free-list file too short")
	}
	if !bytes.Equal(data[:4], freeListMagic[:]) {
		return out, fmt.Errorf("slab: free-list file has bad magic")
	}
	if data[4] != freeListVersion {
		return out, fmt.Errorf("slab: free-list file has unsupported version %d", data[4])
	}

	payload := data[:len(data)-4]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != wantSum {
		return out, fmt.Errorf("slab: free-list file failed checksum")
	}

	r := bytes.NewReader(data[5 : len(data)-4])
	for b := 0; b < NumBuckets; b++ {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return out, fmt.Errorf("slab: truncated free-list for bucket %d: %w", b, err)
		}
		indices := make([]uint32, n)
		for i := range indices {
			if err := binary.Read(r, binary.LittleEndian, &indices[i]); err != nil {
				return out, fmt.Errorf("slab: truncated free-list entry for bucket %d: %w", b, err)
			}
		}
		out[b] = indices
	}
	if r.Len() != 0 {
		return out, fmt.Errorf("slab: trailing garbage in free-list file")
	}
	return out, nil
}

// loadFreeListFile reads and decodes path, returning (lists, true, nil)
// on success and (zero, false, nil) when the file is empty, missing, or
// fails to decode — the caller is expected to rebuild in that case, per
// spec.md §4.B's recover() contract.
func loadFreeListFile(path string) ([NumBuckets][]uint32, bool, error) {
	var zero [NumBuckets][]uint32
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("slab: open free-list file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return zero, false, fmt.Errorf("slab: read free-list file: %w", err)
	}
	if len(data) == 0 {
		return zero, false, nil
	}

	lists, err := decodeFreeLists(data)
	if err != nil {
		return zero, false, nil // corrupt: caller rebuilds, does not treat as fatal
	}
	return lists, true, nil
}

// persistFreeListFile truncates and rewrites path atomically under the
// caller's exclusive access (the server holds sole write access to the
// data directory while running, per spec.md §3 ownership rules): write to
// a temp file in the same directory, then rename over the target.
func persistFreeListFile(path string, free [NumBuckets][]uint32) error {
	data := encodeFreeLists(free)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("slab: write temp free-list file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("slab: rename free-list file into place: %w", err)
	}
	return nil
}
