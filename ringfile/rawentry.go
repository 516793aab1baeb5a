package ringfile

// RawEntry is the 4-byte on-disk descriptor for one ring slot.
type RawEntry uint32

const (
	directBit   = uint32(1) << 31
	bucketSizeW = 12
	bucketMask  = (uint32(1) << bucketSizeW) - 1
)

// Kind discriminates the three states a RawEntry can hold.
type Kind int

const (
	// Uninitialized marks an empty slot.
	Uninitialized Kind = iota
	// Bucketed marks a slot whose payload lives in the slab allocator.
	Bucketed
	// Direct marks a slot whose payload lives in its own file.
	Direct
)

// Entry is the decoded form of a RawEntry.
type Entry struct {
	Kind Kind
	// Size and Index are only meaningful when Kind == Bucketed.
	Size  uint16 // 1..4095
	Index uint32 // 0..2^20-1
}

// Decode interprets a RawEntry's bit pattern.
func (r RawEntry) Decode() Entry {
	v := uint32(r)
	switch {
	case v == 0:
		return Entry{Kind: Uninitialized}
	case v&directBit != 0:
		return Entry{Kind: Direct}
	default:
		return Entry{
			Kind:  Bucketed,
			Size:  uint16(v & bucketMask),
			Index: v >> bucketSizeW,
		}
	}
}

// EncodeUninitialized returns the all-zero descriptor.
func EncodeUninitialized() RawEntry { return RawEntry(0) }

// EncodeDirect returns the descriptor for a direct (own-file) entry.
func EncodeDirect() RawEntry { return RawEntry(directBit) }

// EncodeBucketed returns the descriptor for a bucketed entry. size must be
// in [1,4095] and index must fit in 20 bits; callers (package slab) are
// expected to have already validated both.
func EncodeBucketed(size uint16, index uint32) RawEntry {
	return RawEntry(index<<bucketSizeW | uint32(size)&bucketMask)
}

func (e Entry) raw() RawEntry {
	switch e.Kind {
	case Uninitialized:
		return EncodeUninitialized()
	case Direct:
		return EncodeDirect()
	default:
		return EncodeBucketed(e.Size, e.Index)
	}
}
