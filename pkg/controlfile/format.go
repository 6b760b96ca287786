// Package controlfile implements the per-(target, source GUID) crash-safe
// checkpoint described in spec.md §3 ("ControlFileData") and §4.2.
package controlfile

import (
	"encoding/binary"
	"fmt"
)

// Signature is the fixed magic at the start of every control file
// (spec.md §6).
const Signature = "FBREPLCTL\x00"

// Version is the only control-file format version this implementation
// understands. A mismatch is fatal (spec.md §7).
const Version uint16 = 1

// headerSize is 10 (signature) + 2 (version) + 4 (txn_count) + 8
// (sequence) + 4 (offset) + 8 (db_sequence) = 36 bytes.
const headerSize = 36

// activeTxnSize is 8 (tra_id) + 8 (sequence) = 16 bytes.
const activeTxnSize = 16

// ActiveTransaction is a persisted (master_tx_number, first_sequence_seen)
// pair (spec.md §3).
type ActiveTransaction struct {
	TraID    uint64
	Sequence uint64
}

// Data is the decoded contents of a control file (spec.md §3:
// "ControlFileData").
type Data struct {
	Sequence   uint64
	Offset     uint32
	DBSequence uint64
	Active     []ActiveTransaction
}

// ErrBadSignature and ErrBadVersion are fatal per spec.md §7 ("control
// file signature/version mismatch").
var (
	ErrBadSignature = fmt.Errorf("control file: signature mismatch")
	ErrBadVersion   = fmt.Errorf("control file: unsupported version")
	ErrTruncated    = fmt.Errorf("control file: truncated")
)

// Encode serializes d into the on-disk control file format.
func Encode(d Data) []byte {
	buf := make([]byte, headerSize+len(d.Active)*activeTxnSize)

	copy(buf[0:10], []byte(Signature))
	binary.LittleEndian.PutUint16(buf[10:12], Version)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(d.Active)))
	binary.LittleEndian.PutUint64(buf[16:24], d.Sequence)
	binary.LittleEndian.PutUint32(buf[24:28], d.Offset)
	binary.LittleEndian.PutUint64(buf[28:36], d.DBSequence)

	off := headerSize
	for _, a := range d.Active {
		binary.LittleEndian.PutUint64(buf[off:off+8], a.TraID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], a.Sequence)
		off += activeTxnSize
	}
	return buf
}

// Decode parses the on-disk control file format, validating signature and
// version.
func Decode(buf []byte) (Data, error) {
	var d Data
	if len(buf) < headerSize {
		return d, ErrTruncated
	}
	if string(buf[0:10]) != Signature {
		return d, ErrBadSignature
	}
	version := binary.LittleEndian.Uint16(buf[10:12])
	if version != Version {
		return d, ErrBadVersion
	}

	count := binary.LittleEndian.Uint32(buf[12:16])
	d.Sequence = binary.LittleEndian.Uint64(buf[16:24])
	d.Offset = binary.LittleEndian.Uint32(buf[24:28])
	d.DBSequence = binary.LittleEndian.Uint64(buf[28:36])

	need := headerSize + int(count)*activeTxnSize
	if len(buf) < need {
		return d, ErrTruncated
	}

	d.Active = make([]ActiveTransaction, count)
	off := headerSize
	for i := range d.Active {
		d.Active[i].TraID = binary.LittleEndian.Uint64(buf[off : off+8])
		d.Active[i].Sequence = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		off += activeTxnSize
	}
	return d, nil
}
