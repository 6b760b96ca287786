// Package wire defines the on-disk segment/block format emitted by the
// journal producer and consumed by the replica, per spec.md §6.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Signature is the fixed ASCII magic at the start of every segment header.
const Signature = "FBLOG001"

// SegmentState is the lifecycle state recorded in a segment's header.
type SegmentState uint8

const (
	StateFree SegmentState = iota
	StateUsed
	StateFull
	StateArch
)

func (s SegmentState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateUsed:
		return "USED"
	case StateFull:
		return "FULL"
	case StateArch:
		return "ARCH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsReplayable reports whether a segment in this state is eligible for
// replay (spec.md §3: "Only FULL and ARCH are eligible for replay").
func (s SegmentState) IsReplayable() bool {
	return s == StateFull || s == StateArch
}

const (
	// LogVersion is the supported on-wire segment format version.
	LogVersion uint16 = 1
	// ProtocolVersion is the supported producer/consumer protocol version.
	ProtocolVersion uint16 = 1
)

// HeaderSize is the fixed byte length of SegmentHeader on the wire:
// 8 (signature) + 2 (version) + 2 (protocol) + 1 (state) + 16 (guid)
// + 8 (sequence) + 4 (total length) + 3 padding = 44 bytes.
const HeaderSize = 44

// SegmentHeader is the fixed-size header at the start of every segment
// file (spec.md §3/§6).
type SegmentHeader struct {
	Signature   [8]byte
	Version     uint16
	Protocol    uint16
	State       SegmentState
	SourceGUID  uuid.UUID
	Sequence    uint64
	TotalLength uint32
}

// ErrTruncatedHeader is returned when a candidate segment file is smaller
// than HeaderSize.
var ErrTruncatedHeader = fmt.Errorf("segment file is smaller than a segment header")

// DecodeHeader parses a SegmentHeader from the first HeaderSize bytes of
// buf. It performs no validation beyond the length check; field-level
// validation (signature, version, protocol, state) is the Segment
// Scanner's job (spec.md §4.3).
func DecodeHeader(buf []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(buf) < HeaderSize {
		return h, ErrTruncatedHeader
	}

	copy(h.Signature[:], buf[0:8])
	h.Version = binary.LittleEndian.Uint16(buf[8:10])
	h.Protocol = binary.LittleEndian.Uint16(buf[10:12])
	h.State = SegmentState(buf[12])
	copy(h.SourceGUID[:], buf[13:29])
	h.Sequence = binary.LittleEndian.Uint64(buf[29:37])
	h.TotalLength = binary.LittleEndian.Uint32(buf[37:41])
	return h, nil
}

// EncodeHeader serializes h into a HeaderSize-byte buffer. Used by tests
// and by the local segment-producer fixtures; the real producer is out of
// scope (spec.md §1).
func EncodeHeader(h SegmentHeader) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Signature[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint16(buf[10:12], h.Protocol)
	buf[12] = byte(h.State)
	copy(buf[13:29], h.SourceGUID[:])
	binary.LittleEndian.PutUint64(buf[29:37], h.Sequence)
	binary.LittleEndian.PutUint32(buf[37:41], h.TotalLength)
	return buf
}

// Equal reports whether two headers are byte-for-byte identical, used by
// the Replay Engine to detect a concurrent rewrite of the segment between
// scan time and replay time (spec.md §4.4).
func (h SegmentHeader) Equal(other SegmentHeader) bool {
	return h.Signature == other.Signature &&
		h.Version == other.Version &&
		h.Protocol == other.Protocol &&
		h.State == other.State &&
		h.SourceGUID == other.SourceGUID &&
		h.Sequence == other.Sequence &&
		h.TotalLength == other.TotalLength
}
