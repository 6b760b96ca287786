package applier

import (
	"context"
	"testing"

	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/wire"
)

func newTestApplier(t *testing.T) (*Applier, *localdb.MemDB) {
	t.Helper()
	db := localdb.NewMemDB()
	rel := localdb.Relation{
		ID:   1,
		Name: wire.Name("USERS"),
		PrimaryKey: &localdb.IndexDesc{
			Name: "PK_USERS", FieldIndexes: []int{0}, Primary: true, Unique: true,
		},
	}
	format := localdb.RowFormat{
		Version:   1,
		RowLength: 2,
		Fields: []localdb.FieldDesc{
			{Name: "ID"},
			{Name: "NAME"},
		},
	}
	db.DefineRelation(rel, format)

	a := New("test-target", db, nil)
	return a, db
}

func encodeRow(fields ...string) []byte {
	var buf []byte
	for _, f := range fields {
		buf = append(buf, byte(len(f)))
		buf = append(buf, []byte(f)...)
	}
	return buf
}

func TestApplierInsertThenFetch(t *testing.T) {
	a, db := newTestApplier(t)
	ctx := context.Background()

	if err := a.StartTransaction(ctx, 1); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := a.InsertRecord(1, wire.InsertRecord{Table: wire.Name("USERS"), Row: encodeRow("\x01", "alice")}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := a.CommitTransaction(ctx, 1); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	rel, _ := db.LookupRelation(wire.Name("USERS"))
	row, err := db.Fetch(nil, rel, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(row.Fields[1].Data) != "alice" {
		t.Fatalf("expected name 'alice', got %q", row.Fields[1].Data)
	}
}

func TestApplierInsertConflictFallsBackToUpdate(t *testing.T) {
	a, db := newTestApplier(t)
	ctx := context.Background()
	rel, _ := db.LookupRelation(wire.Name("USERS"))
	format, _ := db.CurrentFormat(rel)

	existing := localdb.Row{Fields: []localdb.Value{{Data: []byte("\x01")}, {Data: []byte("original")}}}
	if _, err := db.Store(nil, rel, format, existing); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	if err := a.StartTransaction(ctx, 2); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := a.InsertRecord(2, wire.InsertRecord{Table: wire.Name("USERS"), Row: encodeRow("\x01", "conflicting")}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := a.CommitTransaction(ctx, 2); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	row, err := db.Fetch(nil, rel, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(row.Fields[1].Data) != "conflicting" {
		t.Fatalf("expected insert-conflict to fall back to update with master's image, got %q", row.Fields[1].Data)
	}
}

func TestApplierUpdateMissingRowFallsBackToInsert(t *testing.T) {
	a, db := newTestApplier(t)
	ctx := context.Background()

	if err := a.StartTransaction(ctx, 3); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	err := a.UpdateRecord(3, wire.UpdateRecord{
		Table:    wire.Name("USERS"),
		OldImage: encodeRow("\x09", "ghost"),
		NewImage: encodeRow("\x09", "resurrected"),
	})
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if err := a.CommitTransaction(ctx, 3); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	rel, _ := db.LookupRelation(wire.Name("USERS"))
	row, err := db.Fetch(nil, rel, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(row.Fields[1].Data) != "resurrected" {
		t.Fatalf("expected update-on-missing-row to fall back to insert, got %q", row.Fields[1].Data)
	}
}

func TestApplierDeleteMissingRowIsIgnored(t *testing.T) {
	a, _ := newTestApplier(t)
	ctx := context.Background()

	if err := a.StartTransaction(ctx, 4); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	err := a.DeleteRecord(4, wire.DeleteRecord{Table: wire.Name("USERS"), Row: encodeRow("\x42", "nobody")})
	if err != nil {
		t.Fatalf("expected delete of a missing row to be a no-op, got error: %v", err)
	}
	if err := a.CommitTransaction(ctx, 4); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
}

func TestApplierBlobMaterializationRewritesReference(t *testing.T) {
	db := localdb.NewMemDB()
	rel := localdb.Relation{
		Name: wire.Name("DOCS"),
		PrimaryKey: &localdb.IndexDesc{
			Name: "PK_DOCS", FieldIndexes: []int{0}, Primary: true, Unique: true,
		},
	}
	format := localdb.RowFormat{
		Version: 1,
		Fields: []localdb.FieldDesc{
			{Name: "ID"},
			{Name: "BODY", IsBlob: true},
		},
	}
	db.DefineRelation(rel, format)
	a := New("test-target", db, nil)
	ctx := context.Background()

	if err := a.StartTransaction(ctx, 5); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := a.StoreBlob(5, wire.StoreBlob{MasterBlobID: 777, Bytes: []byte("document contents")}); err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}

	row := localdb.Row{Fields: []localdb.Value{
		{Data: []byte("\x01")},
		{IsBlob: true, BlobRef: 777},
	}}
	st, err := a.lookupState(5)
	if err != nil {
		t.Fatalf("lookupState: %v", err)
	}
	resolved := a.resolveBlobs(st, row, &format)
	if resolved.Fields[1].Null {
		t.Fatalf("expected resolved blob field to be non-null")
	}
	if len(resolved.Fields[1].Data) != 8 {
		t.Fatalf("expected local blob id to be encoded as 8 bytes, got %d", len(resolved.Fields[1].Data))
	}
}

func TestApplierNoKeyTablesFallbackIdentifiesByTuple(t *testing.T) {
	db := localdb.NewMemDB()
	rel := localdb.Relation{Name: wire.Name("AUDIT_LOG")}
	format := localdb.RowFormat{
		Version: 1,
		Fields: []localdb.FieldDesc{
			{Name: "EVENT"},
			{Name: "ACTOR"},
		},
	}
	db.DefineRelation(rel, format)

	noKeys := []localdb.NoKeyRule{{Table: wire.Name("AUDIT_LOG"), FieldIndexes: []int{0, 1}}}
	a := New("test-target", db, noKeys)
	ctx := context.Background()

	seed := localdb.Row{Fields: []localdb.Value{{Data: []byte("login")}, {Data: []byte("bob")}}}
	if _, err := db.Store(nil, &rel, &format, seed); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	if err := a.StartTransaction(ctx, 6); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	err := a.DeleteRecord(6, wire.DeleteRecord{Table: wire.Name("AUDIT_LOG"), Row: encodeRow("login", "bob")})
	if err != nil {
		t.Fatalf("DeleteRecord via NO_KEY_TABLES fallback: %v", err)
	}

	it, err := db.ScanRelation(nil, &rel)
	if err != nil {
		t.Fatalf("ScanRelation: %v", err)
	}
	_, _, ok, err := it.Next()
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if ok {
		t.Fatalf("expected the NO_KEY_TABLES-identified row to have been deleted")
	}
}
