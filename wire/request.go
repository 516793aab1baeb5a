// Package wire implements the control-socket request/response records and
// the paste side-channel record described in spec.md §4.E/§6: fixed-size,
// binary-encoded, tagged by an op-kind discriminant.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ringboard/ringboard/mimetype"
	"github.com/ringboard/ringboard/ringid"
)

// Version is the single-byte protocol version exchanged during the
// handshake (spec.md §4.E). Bump this whenever the wire format changes
// in a way clients must detect.
const Version byte = 0

// OpKind discriminates the five request/response shapes.
type OpKind byte

const (
	OpAdd OpKind = iota
	OpMoveToFront
	OpSwap
	OpRemove
	OpGarbageCollect
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "Add"
	case OpMoveToFront:
		return "MoveToFront"
	case OpSwap:
		return "Swap"
	case OpRemove:
		return "Remove"
	case OpGarbageCollect:
		return "GarbageCollect"
	default:
		return fmt.Sprintf("OpKind(%d)", byte(k))
	}
}

// RequestSize is the fixed on-wire size of every request record: 1 (op)
// + 1 (to) + 1 (has_to) + 1 (pad) + 8 (id) + 8 (id2) + 8 (max_wasted_bytes)
// + 1 (mime length) + mimetype.MaxLen (mime bytes) = 125, comfortably
// under the two-cache-line (128 byte) budget from spec.md §4.E.
const RequestSize = 4 + 8 + 8 + 8 + 1 + mimetype.MaxLen

// Request is the tagged union of the five client operations. Only the
// fields relevant to Op are meaningful; Encode/Decode always round-trip
// the full fixed layout regardless.
type Request struct {
	Op OpKind

	// Add
	To   ringid.Kind
	Mime mimetype.Type

	// MoveToFront
	ID    uint64
	HasTo bool // MoveToFront's `to` is Option<RingKind>; To holds the value when true

	// Swap
	ID2 uint64

	// GarbageCollect
	MaxWastedBytes uint64
}

// Encode serializes r into a RequestSize-byte buffer.
func (r Request) Encode() ([]byte, error) {
	if len(r.Mime) > mimetype.MaxLen {
		return nil, fmt.Errorf("wire: mime type %d bytes exceeds max %d", len(r.Mime), mimetype.MaxLen)
	}
	buf := make([]byte, RequestSize)
	buf[0] = byte(r.Op)
	buf[1] = byte(r.To)
	if r.HasTo {
		buf[2] = 1
	}
	// buf[3] reserved padding
	binary.LittleEndian.PutUint64(buf[4:12], r.ID)
	binary.LittleEndian.PutUint64(buf[12:20], r.ID2)
	binary.LittleEndian.PutUint64(buf[20:28], r.MaxWastedBytes)
	buf[28] = byte(len(r.Mime))
	copy(buf[29:], r.Mime)
	return buf, nil
}

// DecodeRequest parses a RequestSize-byte buffer produced by Encode.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("wire: request is %d bytes, want %d", len(buf), RequestSize)
	}
	op := OpKind(buf[0])
	if op > OpGarbageCollect {
		return Request{}, fmt.Errorf("wire: unknown op kind %d", buf[0])
	}
	mimeLen := int(buf[28])
	if mimeLen > mimetype.MaxLen {
		return Request{}, fmt.Errorf("wire: mime length %d exceeds max %d", mimeLen, mimetype.MaxLen)
	}
	r := Request{
		Op:             op,
		To:             ringid.Kind(buf[1]),
		HasTo:          buf[2] != 0,
		ID:             binary.LittleEndian.Uint64(buf[4:12]),
		ID2:            binary.LittleEndian.Uint64(buf[12:20]),
		MaxWastedBytes: binary.LittleEndian.Uint64(buf[20:28]),
		Mime:           mimetype.Type(bytes.Clone(buf[29 : 29+mimeLen])),
	}
	return r, nil
}
