package localdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// MemDB is an in-memory reference implementation of Database. It exists
// for tests and for a "local mode" deployment where the storage engine is
// this process rather than an external database driver.
type MemDB struct {
	mu sync.Mutex

	dialect  Dialect
	readOnly bool
	replica  bool
	privs    map[string]bool

	relations map[wire.Name]*Relation
	formats   map[wire.Name][]*RowFormat // index 0 == current

	rows    map[wire.Name]map[RecordID]Row
	nextRow map[wire.Name]RecordID

	generators map[wire.Name]GeneratorID
	genValues  map[GeneratorID]int64
	nextGen    GeneratorID

	blobs   map[BlobID][]byte
	nextBlob BlobID

	replSeq uint64
	ddlLog  []string
}

// NewMemDB returns an empty in-memory database in replica mode.
func NewMemDB() *MemDB {
	return &MemDB{
		dialect:    DialectV6,
		replica:    true,
		privs:      map[string]bool{"REPLICATE_INTO_DATABASE": true},
		relations:  make(map[wire.Name]*Relation),
		formats:    make(map[wire.Name][]*RowFormat),
		rows:       make(map[wire.Name]map[RecordID]Row),
		nextRow:    make(map[wire.Name]RecordID),
		generators: make(map[wire.Name]GeneratorID),
		genValues:  make(map[GeneratorID]int64),
		blobs:      make(map[BlobID][]byte),
	}
}

// DefineRelation registers a table's metadata and current row format. Test
// fixtures and the mock's setup code call this directly; it is not part of
// the Database interface.
func (m *MemDB) DefineRelation(rel Relation, format RowFormat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := rel
	m.relations[rel.Name] = &r
	m.formats[rel.Name] = []*RowFormat{&format}
	if _, ok := m.rows[rel.Name]; !ok {
		m.rows[rel.Name] = make(map[RecordID]Row)
	}
}

// DefineGenerator registers a sequence at an initial value.
func (m *MemDB) DefineGenerator(name wire.Name, initial int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextGen++
	id := m.nextGen
	m.generators[name] = id
	m.genValues[id] = initial
}

func (m *MemDB) IsReplica() bool { return m.replica }
func (m *MemDB) ReadOnly() bool  { return m.readOnly }
func (m *MemDB) Dialect() Dialect {
	return m.dialect
}

func (m *MemDB) HasPrivilege(priv string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.privs[priv]
}

// memTx tracks savepoint nesting and whether the transaction has ended.
// Row changes are applied to the MemDB immediately; Rollback and
// RollbackSavepoint do not revert them.
type memTx struct {
	db         *MemDB
	savepoints []int
	nextSP     int
	done       bool
}

func (m *MemDB) StartTransaction(ctx context.Context) (Transaction, error) {
	if m.readOnly {
		return nil, fmt.Errorf("localdb: database is read-only")
	}
	return &memTx{db: m}, nil
}

func (t *memTx) Prepare(ctx context.Context) error { return nil }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("localdb: transaction already ended")
	}
	t.done = true
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("localdb: transaction already ended")
	}
	t.done = true
	return nil
}

func (t *memTx) StartSavepoint() int {
	t.nextSP++
	t.savepoints = append(t.savepoints, t.nextSP)
	return t.nextSP
}

func (t *memTx) ReleaseSavepoint() error {
	if len(t.savepoints) == 0 {
		return fmt.Errorf("localdb: no savepoint to release")
	}
	t.savepoints = t.savepoints[:len(t.savepoints)-1]
	return nil
}

func (t *memTx) RollbackSavepoint() error {
	if len(t.savepoints) == 0 {
		return fmt.Errorf("localdb: no savepoint to roll back")
	}
	t.savepoints = t.savepoints[:len(t.savepoints)-1]
	return nil
}

func (m *MemDB) LookupRelation(name wire.Name) (*Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relations[name]
	if !ok {
		return nil, fmt.Errorf("localdb: unknown relation %q: %w", name, ErrNotFound)
	}
	return rel, nil
}

func (m *MemDB) CurrentFormat(rel *Relation) (*RowFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.formats[rel.Name]
	if len(fs) == 0 {
		return nil, fmt.Errorf("localdb: no row format registered for %q", rel.Name)
	}
	return fs[0], nil
}

func (m *MemDB) FormatAt(rel *Relation, version int) (*RowFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.formats[rel.Name] {
		if f.Version == version {
			return f, nil
		}
	}
	return nil, fmt.Errorf("localdb: no row format version %d for %q", version, rel.Name)
}

func (m *MemDB) ReserveRelation(tx Transaction, rel *Relation, writable bool) error {
	return nil
}

// DecodeRow interprets image as one Value per field, each length-prefixed
// by a single byte (0xFF marks NULL). This mirrors the reference wire
// convention used by pkg/wire for block payload framing, scaled down to a
// row image rather than a full block.
func (m *MemDB) DecodeRow(rel *Relation, format *RowFormat, image []byte) (Row, error) {
	row := Row{Fields: make([]Value, len(format.Fields))}
	pos := 0
	for i := range format.Fields {
		if pos >= len(image) {
			return Row{}, fmt.Errorf("localdb: row image truncated at field %d", i)
		}
		length := image[pos]
		pos++
		if length == 0xFF {
			row.Fields[i] = Value{Null: true, IsBlob: format.Fields[i].IsBlob}
			continue
		}
		if pos+int(length) > len(image) {
			return Row{}, fmt.Errorf("localdb: row image truncated at field %d", i)
		}
		data := image[pos : pos+int(length)]
		pos += int(length)
		row.Fields[i] = Value{Data: data, IsBlob: format.Fields[i].IsBlob}
	}
	return row, nil
}

func (m *MemDB) EncodeRow(rel *Relation, format *RowFormat, row Row) ([]byte, error) {
	var out []byte
	for _, v := range row.Fields {
		if v.Null {
			out = append(out, 0xFF)
			continue
		}
		if len(v.Data) >= 0xFF {
			return nil, fmt.Errorf("localdb: field too long to encode")
		}
		out = append(out, byte(len(v.Data)))
		out = append(out, v.Data...)
	}
	return out, nil
}

// CompareValues implements NULL-aware semantic equality (spec.md §4.5.2
// point 3): two NULLs compare equal, a NULL never equals a non-NULL, and
// non-NULLs compare byte-for-byte.
func (m *MemDB) CompareValues(a, b Value) bool {
	if a.Null || b.Null {
		return a.Null == b.Null
	}
	if len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func (m *MemDB) ScanIndexEqual(tx Transaction, rel *Relation, idx *IndexDesc, key Row) ([]RecordID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []RecordID
	for id, row := range m.rows[rel.Name] {
		if indexKeyMatches(m, idx, key, row) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}

func indexKeyMatches(m *MemDB, idx *IndexDesc, key, row Row) bool {
	if len(idx.FieldIndexes) != len(key.Fields) {
		return false
	}
	for i, fieldIdx := range idx.FieldIndexes {
		if fieldIdx >= len(row.Fields) {
			return false
		}
		if !m.CompareValues(key.Fields[i], row.Fields[fieldIdx]) {
			return false
		}
	}
	return true
}

type memRowIterator struct {
	ids  []RecordID
	rows []Row
	pos  int
}

func (it *memRowIterator) Next() (RecordID, Row, bool, error) {
	if it.pos >= len(it.ids) {
		return 0, Row{}, false, nil
	}
	id, row := it.ids[it.pos], it.rows[it.pos]
	it.pos++
	return id, row, true, nil
}

func (it *memRowIterator) Close() error { return nil }

func (m *MemDB) ScanRelation(tx Transaction, rel *Relation) (RowIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := &memRowIterator{}
	for id, row := range m.rows[rel.Name] {
		it.ids = append(it.ids, id)
		it.rows = append(it.rows, row)
	}
	return it, nil
}

func (m *MemDB) Fetch(tx Transaction, rel *Relation, id RecordID) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.IsSingleRow {
		id = 0
	}
	row, ok := m.rows[rel.Name][id]
	if !ok {
		return Row{}, fmt.Errorf("localdb: record %d in %q: %w", id, rel.Name, ErrNotFound)
	}
	return row, nil
}

func (m *MemDB) Store(tx Transaction, rel *Relation, format *RowFormat, row Row) (RecordID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.IsSingleRow {
		if _, exists := m.rows[rel.Name][0]; exists {
			return 0, fmt.Errorf("localdb: single-row relation %q already populated: %w", rel.Name, ErrUniqueViolation)
		}
		m.rows[rel.Name][0] = row
		return 0, nil
	}

	if err := m.checkUniqueLocked(rel, row); err != nil {
		return 0, err
	}

	id := m.nextRow[rel.Name] + 1
	m.nextRow[rel.Name] = id
	m.rows[rel.Name][id] = row
	logx.Debug("localdb: stored record %d in %s", id, rel.Name)
	return id, nil
}

// checkUniqueLocked scans existing rows against every unique/primary index
// and returns ErrUniqueViolation on the first conflict, matching the
// storage engine behavior the Applier's insert path catches (spec.md
// §4.5.3).
func (m *MemDB) checkUniqueLocked(rel *Relation, row Row) error {
	indexes := rel.UniqueIndexes
	if rel.PrimaryKey != nil {
		indexes = append([]IndexDesc{*rel.PrimaryKey}, indexes...)
	}
	for _, idx := range indexes {
		for _, existing := range m.rows[rel.Name] {
			if rowKeyEqual(m, &idx, row, existing) {
				return fmt.Errorf("localdb: unique index %q on %q: %w", idx.Name, rel.Name, ErrUniqueViolation)
			}
		}
	}
	return nil
}

func rowKeyEqual(m *MemDB, idx *IndexDesc, a, b Row) bool {
	for _, fieldIdx := range idx.FieldIndexes {
		if fieldIdx >= len(a.Fields) || fieldIdx >= len(b.Fields) {
			return false
		}
		if !m.CompareValues(a.Fields[fieldIdx], b.Fields[fieldIdx]) {
			return false
		}
	}
	return true
}

func (m *MemDB) Modify(tx Transaction, rel *Relation, id RecordID, format *RowFormat, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.IsSingleRow {
		id = 0
	}
	if _, ok := m.rows[rel.Name][id]; !ok {
		return fmt.Errorf("localdb: record %d in %q: %w", id, rel.Name, ErrNotFound)
	}
	m.rows[rel.Name][id] = row
	return nil
}

func (m *MemDB) Erase(tx Transaction, rel *Relation, id RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.IsSingleRow {
		id = 0
	}
	if _, ok := m.rows[rel.Name][id]; !ok {
		return fmt.Errorf("localdb: record %d in %q: %w", id, rel.Name, ErrNotFound)
	}
	delete(m.rows[rel.Name], id)
	return nil
}

func (m *MemDB) IndexStore(tx Transaction, rel *Relation, id RecordID) error   { return nil }
func (m *MemDB) IndexModify(tx Transaction, rel *Relation, oldID, newID RecordID) error {
	return nil
}

func (m *MemDB) ReplLogInsert(tx Transaction, rel *Relation, id RecordID) error { return nil }
func (m *MemDB) ReplLogModify(tx Transaction, rel *Relation, id RecordID) error { return nil }
func (m *MemDB) ReplLogErase(tx Transaction, rel *Relation, id RecordID) error  { return nil }

type memBlobWriter struct {
	db   *MemDB
	data []byte
}

func (w *memBlobWriter) Put(data []byte) error {
	w.data = append(w.data, data...)
	return nil
}

func (w *memBlobWriter) Close() (BlobID, error) {
	w.db.mu.Lock()
	defer w.db.mu.Unlock()
	w.db.nextBlob++
	id := w.db.nextBlob
	w.db.blobs[id] = w.data
	return id, nil
}

func (m *MemDB) BlobCreate(tx Transaction) (BlobWriter, error) {
	return &memBlobWriter{db: m}, nil
}

func (m *MemDB) GeneratorLookup(name wire.Name) (GeneratorID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.generators[name]
	return id, ok
}

func (m *MemDB) GeneratorCurrent(id GeneratorID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.genValues[id]
}

// GeneratorSet applies the value only if it advances the sequence, mirroring
// the "generator sync never goes backward" rule (spec.md §4.5.1).
func (m *MemDB) GeneratorSet(id GeneratorID, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value > m.genValues[id] {
		m.genValues[id] = value
	}
	return nil
}

func (m *MemDB) ExecuteImmediate(tx Transaction, sql string, dialect Dialect, owner wire.Name) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ddlLog = append(m.ddlLog, sql)
	logx.Info("localdb: executed DDL as %s (dialect %d): %s", owner, dialect, sql)
	return nil
}

func (m *MemDB) GetReplicationSequence(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replSeq, nil
}

// SetReplicationSequence lets test fixtures simulate the master reporting a
// REPLICATION_SEQUENCE value for fast-forward detection (spec.md §4.3
// point 4).
func (m *MemDB) SetReplicationSequence(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replSeq = seq
}
