package wire

import (
	"encoding/binary"
	"fmt"
)

// BlockFlags are the bitflags carried in a block header (spec.md §3/§6).
type BlockFlags uint16

const (
	FlagBeginTrans BlockFlags = 1 << iota
	FlagEndTrans
)

func (f BlockFlags) HasBegin() bool { return f&FlagBeginTrans != 0 }
func (f BlockFlags) HasEnd() bool   { return f&FlagEndTrans != 0 }

// BlockHeaderSize is the fixed byte length of a BlockHeader: 8 (traNumber)
// + 2 (flags) + 4 (dataLength) + 4 (metaLength) = 18 bytes.
const BlockHeaderSize = 18

// NameEntrySize is the fixed width of one interned-name entry in a block's
// metadata table (spec.md §3: "a metadata section of fixed-size name
// entries"). Sized to match Firebird's MAX_SQL_IDENTIFIER (63 bytes) plus
// a terminating NUL; DecodeName reads up to the first NUL byte.
const NameEntrySize = 64

// BlockHeader is the fixed-size header preceding a block's data and
// metadata sections.
type BlockHeader struct {
	TraNumber  uint64
	Flags      BlockFlags
	DataLength uint32
	MetaLength uint32
}

// TotalLength is sizeof(BlockHeader) + dataLength + metaLength, the number
// of bytes this block occupies in the segment (spec.md §4.4).
func (h BlockHeader) TotalLength() uint32 {
	return BlockHeaderSize + h.DataLength + h.MetaLength
}

var ErrTruncatedBlock = fmt.Errorf("segment is smaller than a block header")

// DecodeBlockHeader parses a BlockHeader from the first BlockHeaderSize
// bytes of buf.
func DecodeBlockHeader(buf []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(buf) < BlockHeaderSize {
		return h, ErrTruncatedBlock
	}
	h.TraNumber = binary.LittleEndian.Uint64(buf[0:8])
	h.Flags = BlockFlags(binary.LittleEndian.Uint16(buf[8:10]))
	h.DataLength = binary.LittleEndian.Uint32(buf[10:14])
	h.MetaLength = binary.LittleEndian.Uint32(buf[14:18])
	return h, nil
}

// EncodeBlockHeader is the inverse of DecodeBlockHeader, used by test
// fixtures that synthesize segments.
func EncodeBlockHeader(h BlockHeader) []byte {
	buf := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.TraNumber)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Flags))
	binary.LittleEndian.PutUint32(buf[10:14], h.DataLength)
	binary.LittleEndian.PutUint32(buf[14:18], h.MetaLength)
	return buf
}

// Name is an interned identifier (table name, owner name, generator name)
// referenced by index from a block's data section.
type Name string

// DecodeName reads one fixed-width NameEntry, trimming trailing NUL
// padding.
func DecodeName(entry []byte) Name {
	n := 0
	for n < len(entry) && entry[n] != 0 {
		n++
	}
	return Name(entry[:n])
}
