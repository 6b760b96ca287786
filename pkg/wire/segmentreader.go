package wire

import "fmt"

// ErrTruncatedSegment is returned when a block header claims more bytes
// than remain in the segment body.
var ErrTruncatedSegment = fmt.Errorf("segment body is shorter than a declared block length")

// Block is one decoded block's framing plus its data/metadata slices,
// together with its byte span within the segment body (the region
// immediately following SegmentHeader). Offsets here are what the Control
// File persists as "offset" (spec.md §3: "last_offset > 0 ⇒ replay is
// mid-segment").
type Block struct {
	Header BlockHeader
	Data   []byte
	Meta   []byte
	Start  uint32 // offset of this block's header within the segment body
	End    uint32 // Start + Header.TotalLength()
}

// NewBlockReader builds a Reader over this block's data/metadata slices.
func (b Block) NewBlockReader() *Reader {
	return NewReader(b.Header, b.Data, b.Meta)
}

// BlockIterator walks the sequence of blocks in a segment body
// (spec.md §4.4: "Read the block header, compute length = sizeof
// (BlockHeader) + data_length + meta_length").
type BlockIterator struct {
	body []byte
	pos  uint32
}

// NewBlockIterator constructs an iterator over body, the bytes following
// the segment header.
func NewBlockIterator(body []byte) *BlockIterator {
	return &BlockIterator{body: body}
}

// NewBlockIteratorAt resumes iteration at a previously persisted byte
// offset, supporting mid-segment resume (spec.md §4.4).
func NewBlockIteratorAt(body []byte, offset uint32) *BlockIterator {
	return &BlockIterator{body: body, pos: offset}
}

// Done reports whether the iterator has consumed the whole body.
func (it *BlockIterator) Done() bool {
	return int(it.pos) >= len(it.body)
}

// Next decodes the block at the current position and advances past it.
func (it *BlockIterator) Next() (Block, error) {
	start := it.pos
	if int(start)+BlockHeaderSize > len(it.body) {
		return Block{}, ErrTruncatedSegment
	}

	header, err := DecodeBlockHeader(it.body[start:])
	if err != nil {
		return Block{}, err
	}

	total := header.TotalLength()
	end := start + total
	if int(end) > len(it.body) {
		return Block{}, ErrTruncatedSegment
	}

	dataStart := start + BlockHeaderSize
	dataEnd := dataStart + header.DataLength
	metaEnd := dataEnd + header.MetaLength

	blk := Block{
		Header: header,
		Data:   it.body[dataStart:dataEnd],
		Meta:   it.body[dataEnd:metaEnd],
		Start:  start,
		End:    end,
	}
	it.pos = end
	return blk, nil
}
