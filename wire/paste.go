package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ringboard/ringboard/mimetype"
)

// PasteCommandSize is the fixed on-wire size of a PasteCommand: 1
// (version) + 1 (trigger_paste) + 8 (id) + 1 (mime length) +
// mimetype.MaxLen (mime bytes).
const PasteCommandSize = 1 + 1 + 8 + 1 + mimetype.MaxLen

// PasteCommand is sent over the paste DGRAM side channel (spec.md §6) by
// external clipboard watchers asking the server to hand back a read-only
// view of one entry's content, along with one ancillary FD the server
// fills in on reply.
type PasteCommand struct {
	Version      byte
	TriggerPaste bool
	ID           uint64
	Mime         mimetype.Type
}

// Encode serializes c into a PasteCommandSize-byte buffer.
func (c PasteCommand) Encode() ([]byte, error) {
	if len(c.Mime) > mimetype.MaxLen {
		return nil, fmt.Errorf("wire: mime type %d bytes exceeds max %d", len(c.Mime), mimetype.MaxLen)
	}
	buf := make([]byte, PasteCommandSize)
	buf[0] = c.Version
	if c.TriggerPaste {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], c.ID)
	buf[10] = byte(len(c.Mime))
	copy(buf[11:], c.Mime)
	return buf, nil
}

// DecodePasteCommand parses a PasteCommandSize-byte buffer produced by
// Encode.
func DecodePasteCommand(buf []byte) (PasteCommand, error) {
	if len(buf) != PasteCommandSize {
		return PasteCommand{}, fmt.Errorf("wire: paste command is %d bytes, want %d", len(buf), PasteCommandSize)
	}
	mimeLen := int(buf[10])
	if mimeLen > mimetype.MaxLen {
		return PasteCommand{}, fmt.Errorf("wire: mime length %d exceeds max %d", mimeLen, mimetype.MaxLen)
	}
	return PasteCommand{
		Version:      buf[0],
		TriggerPaste: buf[1] != 0,
		ID:           binary.LittleEndian.Uint64(buf[2:10]),
		Mime:         mimetype.Type(buf[11 : 11+mimeLen]),
	}, nil
}
