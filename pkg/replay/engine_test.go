package replay

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/downfa11-org/replicad/pkg/applier"
	"github.com/downfa11-org/replicad/pkg/controlfile"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// opBuilder assembles a block's data section, honoring the same 4/8-byte
// alignment relative to BlockHeaderSize that pkg/wire.Reader expects.
type opBuilder struct {
	buf []byte
}

func (b *opBuilder) align(size int) {
	offset := wire.BlockHeaderSize + len(b.buf)
	if rem := offset % size; rem != 0 {
		b.buf = append(b.buf, make([]byte, size-rem)...)
	}
}

func (b *opBuilder) tag(t wire.Tag) { b.buf = append(b.buf, byte(t)) }

func (b *opBuilder) int32(v int32) {
	b.align(4)
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(v))
	b.buf = append(b.buf, tmp...)
}

func (b *opBuilder) int64(v int64) {
	b.align(8)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, uint64(v))
	b.buf = append(b.buf, tmp...)
}

func (b *opBuilder) bytes(data []byte) {
	b.int32(int32(len(data)))
	b.buf = append(b.buf, data...)
}

// nameTable interns names into a fixed-width metadata table and returns
// the index writer callback ops use to reference them.
type nameTable struct {
	names []wire.Name
}

func (nt *nameTable) intern(n wire.Name) int32 {
	for i, existing := range nt.names {
		if existing == n {
			return int32(i)
		}
	}
	nt.names = append(nt.names, n)
	return int32(len(nt.names) - 1)
}

func (nt *nameTable) encode() []byte {
	buf := make([]byte, len(nt.names)*wire.NameEntrySize)
	for i, n := range nt.names {
		copy(buf[i*wire.NameEntrySize:], []byte(n))
	}
	return buf
}

func encodeRow(fields ...string) []byte {
	var buf []byte
	for _, f := range fields {
		buf = append(buf, byte(len(f)))
		buf = append(buf, []byte(f)...)
	}
	return buf
}

type blockSpec struct {
	traNumber uint64
	begin     bool
	end       bool
	build     func(b *opBuilder, nt *nameTable)
}

func buildSegmentBody(blocks []blockSpec) []byte {
	var body []byte
	for _, spec := range blocks {
		b := &opBuilder{}
		nt := &nameTable{}
		spec.build(b, nt)

		flags := wire.BlockFlags(0)
		if spec.begin {
			flags |= wire.FlagBeginTrans
		}
		if spec.end {
			flags |= wire.FlagEndTrans
		}

		header := wire.BlockHeader{
			TraNumber:  spec.traNumber,
			Flags:      flags,
			DataLength: uint32(len(b.buf)),
			MetaLength: uint32(len(nt.encode())),
		}
		body = append(body, wire.EncodeBlockHeader(header)...)
		body = append(body, b.buf...)
		body = append(body, nt.encode()...)
	}
	return body
}

func writeSegmentFile(t *testing.T, dir string, name string, guid uuid.UUID, seq uint64, state wire.SegmentState, body []byte) string {
	t.Helper()
	h := wire.SegmentHeader{
		Version: wire.LogVersion, Protocol: wire.ProtocolVersion,
		State: state, SourceGUID: guid, Sequence: seq, TotalLength: uint32(wire.HeaderSize + len(body)),
	}
	copy(h.Signature[:], []byte(wire.Signature))
	buf := append(wire.EncodeHeader(h), body...)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write segment fixture: %v", err)
	}
	return path
}

func usersFixture() (localdb.Relation, localdb.RowFormat) {
	rel := localdb.Relation{
		Name: wire.Name("USERS"),
		PrimaryKey: &localdb.IndexDesc{
			Name: "PK_USERS", FieldIndexes: []int{0}, Primary: true, Unique: true,
		},
	}
	format := localdb.RowFormat{Version: 1, Fields: []localdb.FieldDesc{{Name: "ID"}, {Name: "NAME"}}}
	return rel, format
}

func TestSweepColdStartInsertsAndCommits(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	blocks := []blockSpec{
		{
			traNumber: 5, begin: true, end: true,
			build: func(b *opBuilder, nt *nameTable) {
				b.tag(wire.OpStartTransaction)
				b.tag(wire.OpInsertRecord)
				b.int32(nt.intern(wire.Name("USERS")))
				b.bytes(encodeRow("\x01", "alice"))
				b.tag(wire.OpCommitTransaction)
			},
		},
	}
	writeSegmentFile(t, dir, "seg1.log", guid, 1, wire.StateArch, buildSegmentBody(blocks))

	db := localdb.NewMemDB()
	rel, format := usersFixture()
	db.DefineRelation(rel, format)
	app := applier.New("t1", db, nil)

	eng := New(Options{Target: "t1", Dir: dir, SourceGUID: guid, Database: db, Applier: app})
	defer eng.Close()

	outcome, err := eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if outcome != Continue {
		t.Fatalf("expected Continue, got %v", outcome)
	}

	got, err := db.Fetch(nil, &rel, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got.Fields[1].Data) != "alice" {
		t.Fatalf("expected inserted row 'alice', got %q", got.Fields[1].Data)
	}

	if _, err := os.Stat(filepath.Join(dir, "seg1.log")); !os.IsNotExist(err) {
		t.Fatalf("expected fully-replayed segment to be deleted")
	}
}

func TestSweepDetectsGap(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	// Pre-populate a control file already fully caught up through sequence
	// 5, then present only segment 7 (segment 6 missing).
	cf, err := controlfile.Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("Open control file: %v", err)
	}
	if err := cf.SaveComplete(5, nil); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}
	cf.Close()

	writeSegmentFile(t, dir, "seg7.log", guid, 7, wire.StateArch, nil)

	db := localdb.NewMemDB()
	app := applier.New("t1", db, nil)
	eng := New(Options{Target: "t1", Dir: dir, SourceGUID: guid, Database: db, Applier: app})
	defer eng.Close()

	outcome, err := eng.Sweep(context.Background())
	if err == nil {
		t.Fatalf("expected gap detection to return an error")
	}
	if outcome != Error {
		t.Fatalf("expected Error outcome, got %v", outcome)
	}
}

func TestSweepFastForwardsAlreadyAppliedSegments(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	writeSegmentFile(t, dir, "seg1.log", guid, 1, wire.StateArch, nil)

	db := localdb.NewMemDB()
	db.SetReplicationSequence(1) // master reports this replica is already at sequence 1
	app := applier.New("t1", db, nil)
	eng := New(Options{Target: "t1", Dir: dir, SourceGUID: guid, Database: db, Applier: app})
	defer eng.Close()

	outcome, err := eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if outcome != Suspend {
		t.Fatalf("expected Suspend after fast-forwarding the only queued segment, got %v", outcome)
	}
	if _, err := os.Stat(filepath.Join(dir, "seg1.log")); !os.IsNotExist(err) {
		t.Fatalf("expected fast-forwarded segment to be deleted")
	}
}

func TestSweepResumesMidSegmentWithoutReopeningActiveTransaction(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	// Block 1: BEGIN_TRANS for tx 77 with an insert. Block 2: a second
	// insert on the same still-open transaction.
	blocks := []blockSpec{
		{
			traNumber: 77, begin: true, end: false,
			build: func(b *opBuilder, nt *nameTable) {
				b.tag(wire.OpStartTransaction)
				b.tag(wire.OpInsertRecord)
				b.int32(nt.intern(wire.Name("USERS")))
				b.bytes(encodeRow("\x01", "alice"))
			},
		},
		{
			traNumber: 77, begin: false, end: true,
			build: func(b *opBuilder, nt *nameTable) {
				b.tag(wire.OpInsertRecord)
				b.int32(nt.intern(wire.Name("USERS")))
				b.bytes(encodeRow("\x02", "bob"))
				b.tag(wire.OpCommitTransaction)
			},
		},
	}
	body := buildSegmentBody(blocks)

	firstBlockLen := uint32(wire.BlockHeaderSize) +
		func() uint32 {
			h, _ := wire.DecodeBlockHeader(body)
			return h.DataLength + h.MetaLength
		}()

	writeSegmentFile(t, dir, "seg20.log", guid, 20, wire.StateArch, body)

	// Simulate a crash after block 1 was already applied: control file
	// persisted offset == end of block 1, with tx 77 in the active set.
	cf, err := controlfile.Open(dir, guid, 20)
	if err != nil {
		t.Fatalf("Open control file: %v", err)
	}
	if err := cf.SavePartial(20, firstBlockLen, []controlfile.ActiveTransaction{{TraID: 77, Sequence: 20}}); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}
	cf.Close()

	db := localdb.NewMemDB()
	rel, format := usersFixture()
	db.DefineRelation(rel, format)
	// Simulate that block 1's insert already reached the local database
	// before the crash.
	if _, err := db.Store(nil, &rel, &format, localdb.Row{Fields: []localdb.Value{{Data: []byte{1}}, {Data: []byte("alice")}}}); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	app := applier.New("t1", db, nil)
	eng := New(Options{Target: "t1", Dir: dir, SourceGUID: guid, Database: db, Applier: app})
	defer eng.Close()

	outcome, err := eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if outcome != Continue {
		t.Fatalf("expected Continue, got %v", outcome)
	}

	bob, err := db.Fetch(nil, &rel, 2)
	if err != nil {
		t.Fatalf("expected bob's row from block 2 to have been applied: %v", err)
	}
	if string(bob.Fields[1].Data) != "bob" {
		t.Fatalf("expected 'bob', got %q", bob.Fields[1].Data)
	}
}
