package wire

import (
	"encoding/binary"
	"fmt"
)

// ErrFormat is returned when a read would cross the data/metadata
// boundary or a metadata index is out of range. It is a per-sweep error
// (spec.md §4.1, §7): the caller aborts processing of the current segment.
var ErrFormat = fmt.Errorf("malformed block: read past data/metadata boundary")

// Reader decodes one block's data section into a stream of typed
// operations, resolving interned names against the block's metadata
// table. It is the Block Reader component (C1), grounded on the original
// Applier.cpp's BlockReader: a cursor into the data region and a
// random-access view of the metadata region.
//
// Multi-byte integers are read little-endian (spec.md §9 open question:
// the producer's wire format is documented here as a fixed choice rather
// than left platform-native, since a portable Go implementation cannot
// assume the producer's native byte order).
type Reader struct {
	header   BlockHeader
	data     []byte
	metadata []byte
	pos      int
}

// NewReader constructs a Reader over one block's already-sliced data and
// metadata sections.
func NewReader(header BlockHeader, data, metadata []byte) *Reader {
	return &Reader{header: header, data: data, metadata: metadata}
}

// Eof reports whether the data cursor has reached the start of metadata.
func (r *Reader) Eof() bool {
	return r.pos >= len(r.data)
}

// TransactionID returns the block header's transaction number (0 means
// "no transaction").
func (r *Reader) TransactionID() uint64 {
	return r.header.TraNumber
}

// Flags returns the block header's flags (BEGIN_TRANS / END_TRANS).
func (r *Reader) Flags() BlockFlags {
	return r.header.Flags
}

// Tag consumes and returns one byte.
func (r *Reader) Tag() (Tag, error) {
	if r.pos+1 > len(r.data) {
		return 0, ErrFormat
	}
	t := Tag(r.data[r.pos])
	r.pos++
	return t, nil
}

// align advances pos so that (BlockHeaderSize+pos) is a multiple of size,
// mirroring the original FB_ALIGN step on the raw block pointer. The
// alignment step never raises; a trailing read past the end of data after
// alignment is what surfaces as ErrFormat.
func (r *Reader) align(size int) {
	offset := BlockHeaderSize + r.pos
	if rem := offset % size; rem != 0 {
		r.pos += size - rem
	}
}

// Int reads a little-endian int32, after aligning the cursor to its
// natural 4-byte alignment.
func (r *Reader) Int() (int32, error) {
	r.align(4)
	if r.pos+4 > len(r.data) {
		return 0, ErrFormat
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

// BigInt reads a little-endian int64, after aligning the cursor to its
// natural 8-byte alignment.
func (r *Reader) BigInt() (int64, error) {
	r.align(8)
	if r.pos+8 > len(r.data) {
		return 0, ErrFormat
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

// MetaName reads an int32 index and returns the interned name stored at
// metadata_base + i*NameEntrySize.
func (r *Reader) MetaName() (Name, error) {
	idx, err := r.Int()
	if err != nil {
		return "", err
	}
	offset := int(idx) * NameEntrySize
	if idx < 0 || offset+NameEntrySize > len(r.metadata) {
		return "", ErrFormat
	}
	return DecodeName(r.metadata[offset : offset+NameEntrySize]), nil
}

// String reads an int32 length followed by that many bytes, copied out.
func (r *Reader) String() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Binary reads an int32 length followed by that many bytes, returned as a
// slice into the underlying data buffer without copying.
func (r *Reader) Binary() ([]byte, error) {
	return r.readBytes()
}

func (r *Reader) readBytes() ([]byte, error) {
	length, err := r.Int()
	if err != nil {
		return nil, err
	}
	if length < 0 || r.pos+int(length) > len(r.data) {
		return nil, ErrFormat
	}
	b := r.data[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return b, nil
}
