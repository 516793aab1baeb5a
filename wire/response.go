package wire

import (
	"encoding/binary"
	"fmt"
)

// ResponseSize is the fixed on-wire size of every response record:
// 8 (sequence_number) + 1 (op) + 1 (err1) + 1 (err2) + 1 (pad) + 8 (id)
// + 8 (bytes_freed) = 28 bytes.
const ResponseSize = 8 + 4 + 8 + 8

// IDErrorKind distinguishes the two ways a client-supplied composite id
// can fail to resolve, mirroring ringid's two decode error variants so a
// client can tell a garbled ring tag from a plain stale index.
type IDErrorKind byte

const (
	// IDErrOK means the id resolved; no error.
	IDErrOK IDErrorKind = iota
	// IDErrInvalidRing means the id's ring component named neither
	// Favorites nor Main.
	IDErrInvalidRing
	// IDErrInvalidEntry means the id's ring resolved but the slot was
	// Uninitialized, or the index was out of range.
	IDErrInvalidEntry
)

// Response is the tagged union of the five reply shapes. Sequence is
// assigned by the server, incrementing once per reply regardless of op,
// so clients can match replies to pipelined requests (spec.md §4.E).
type Response struct {
	Sequence uint64
	Op       OpKind

	// Add / MoveToFront success
	ID uint64

	// MoveToFront / Remove / Swap.ID1 failure
	Err1 IDErrorKind
	// Swap.ID2 failure
	Err2 IDErrorKind

	// GarbageCollect
	BytesFreed uint64
}

// Encode serializes resp into a ResponseSize-byte buffer.
func (resp Response) Encode() []byte {
	buf := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint64(buf[0:8], resp.Sequence)
	buf[8] = byte(resp.Op)
	buf[9] = byte(resp.Err1)
	buf[10] = byte(resp.Err2)
	// buf[11] reserved padding
	binary.LittleEndian.PutUint64(buf[12:20], resp.ID)
	binary.LittleEndian.PutUint64(buf[20:28], resp.BytesFreed)
	return buf
}

// DecodeResponse parses a ResponseSize-byte buffer produced by Encode.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, fmt.Errorf("wire: response is %d bytes, want %d", len(buf), ResponseSize)
	}
	return Response{
		Sequence:   binary.LittleEndian.Uint64(buf[0:8]),
		Op:         OpKind(buf[8]),
		Err1:       IDErrorKind(buf[9]),
		Err2:       IDErrorKind(buf[10]),
		ID:         binary.LittleEndian.Uint64(buf[12:20]),
		BytesFreed: binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}
