// Package localdb declares the pluggable local-database interface the
// Applier consumes (spec.md §6: "Local database API consumed by the
// Applier"). The underlying storage engine primitives (row fetch/store/
// modify/erase, index build, blob store, sequence update, DDL execution)
// are out of this system's core scope (spec.md §1); this package only
// specifies the seam and ships an in-memory reference implementation used
// by tests.
package localdb

import (
	"context"
	"errors"

	"github.com/downfa11-org/replicad/pkg/wire"
)

// Dialect selects the SQL dialect used for ExecuteImmediate (spec.md
// §4.5.1: "V5 if the DB is in legacy dialect, V6 otherwise").
type Dialect int

const (
	DialectV5 Dialect = 5
	DialectV6 Dialect = 6
)

// RecordID is an opaque handle to one stored row, scoped to a Relation.
type RecordID uint64

// GeneratorID is an opaque handle returned by GeneratorLookup.
type GeneratorID int

// BlobID is a local, permanent blob identifier.
type BlobID uint64

// Sentinel errors the Applier's conflict-resolution logic (spec.md §4.5.3)
// specifically catches and reacts to.
var (
	ErrUniqueViolation = errors.New("unique key violation")
	ErrNoDup           = errors.New("no duplicate")
	ErrNotFound        = errors.New("record not found")
)

// Value is one field of a decoded row image. Blob-typed fields carry the
// master-wire blob id in BlobRef instead of inline bytes until the
// Applier resolves and rewrites it to a local BlobID (spec.md §4.5.4).
type Value struct {
	Null    bool
	Data    []byte
	IsBlob  bool
	BlobRef uint64 // wire-side (master) blob id; 0 means empty
}

// Row is a positional decoding of a wire row image against a RowFormat.
type Row struct {
	Fields []Value
}

// FieldDesc describes one column of a table's row format.
type FieldDesc struct {
	Name        string
	IsBlob      bool
	BlobSubType int
	Charset     int
}

// RowFormat is one historical version of a table's on-disk row layout
// (spec.md §4.5.5: "the wire row image length is used to locate the
// table's historical row format").
type RowFormat struct {
	Version   int
	RowLength int
	Fields    []FieldDesc
}

// IndexDesc describes a candidate identifying index: the primary key, or
// (absent that) the unique index with the fewest columns (spec.md
// §4.5.2).
type IndexDesc struct {
	Name         string
	FieldIndexes []int // positions into the row format's Fields
	Primary      bool
	Unique       bool
	Descending   bool
}

// Relation is a table's identifying metadata as seen by the Applier.
type Relation struct {
	ID            int
	Name          wire.Name
	PrimaryKey    *IndexDesc
	UniqueIndexes []IndexDesc
	// IsSingleRow marks the hard-coded "database info" relation exception
	// (spec.md §4.5.2 point 3): it always resolves to RecordID 0.
	IsSingleRow bool
}

// NoKeyRule is one entry of the NO_KEY_TABLES fallback table (spec.md
// §4.5.2 point 3, §9 open question: "should be treated as configuration
// data rather than compile-time"). FieldIndexes names the tuple of fields
// whose equality defines uniqueness for relations with no primary or
// unique key.
type NoKeyRule struct {
	Table        wire.Name
	FieldIndexes []int
}

// Transaction is a local transaction handle the Applier opened to
// represent one master transaction (spec.md §3: "ReplicaTransaction").
type Transaction interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// StartSavepoint pushes a new savepoint frame and returns its id.
	StartSavepoint() int
	// ReleaseSavepoint pops and commits the innermost savepoint. It fails
	// if there is no savepoint to release (spec.md §4.5.6).
	ReleaseSavepoint() error
	// RollbackSavepoint pops and undoes the innermost savepoint. It fails
	// if there is no savepoint to roll back (spec.md §4.5.6).
	RollbackSavepoint() error
}

// RowIterator walks every row of a relation, used by the NO_KEY_TABLES
// fallback full-scan path (spec.md §4.5.2 point 3).
type RowIterator interface {
	Next() (RecordID, Row, bool, error)
	Close() error
}

// Database is the local database handle exposing the atomic primitives
// the Applier drives (spec.md §6). Concrete implementations own the real
// storage engine; the core here never reaches past this interface.
type Database interface {
	// Mode / permission checks (spec.md §4.5, §7 fatal conditions).
	IsReplica() bool
	HasPrivilege(priv string) bool
	ReadOnly() bool
	Dialect() Dialect

	// Transactions.
	StartTransaction(ctx context.Context) (Transaction, error)

	// Metadata.
	LookupRelation(name wire.Name) (*Relation, error)
	CurrentFormat(rel *Relation) (*RowFormat, error)
	FormatAt(rel *Relation, version int) (*RowFormat, error)
	ReserveRelation(tx Transaction, rel *Relation, writable bool) error

	// Row decode/encode against a resolved format (spec.md §1: storage
	// engine primitives are external; this is the minimal seam the
	// Applier needs to do key-based record identification).
	DecodeRow(rel *Relation, format *RowFormat, image []byte) (Row, error)
	EncodeRow(rel *Relation, format *RowFormat, row Row) ([]byte, error)
	// CompareValues implements the database's semantic value comparison:
	// NULLs equal NULLs, non-NULLs compared by type-aware comparator
	// (spec.md §4.5.2 point 3).
	CompareValues(a, b Value) bool

	// Record identification and row operations.
	ScanIndexEqual(tx Transaction, rel *Relation, idx *IndexDesc, key Row) ([]RecordID, error)
	ScanRelation(tx Transaction, rel *Relation) (RowIterator, error)
	Fetch(tx Transaction, rel *Relation, id RecordID) (Row, error)
	Store(tx Transaction, rel *Relation, format *RowFormat, row Row) (RecordID, error)
	Modify(tx Transaction, rel *Relation, id RecordID, format *RowFormat, row Row) error
	Erase(tx Transaction, rel *Relation, id RecordID) error
	IndexStore(tx Transaction, rel *Relation, id RecordID) error
	IndexModify(tx Transaction, rel *Relation, oldID, newID RecordID) error

	// Downstream cascade hooks (spec.md §6: "replLog* hooks").
	ReplLogInsert(tx Transaction, rel *Relation, id RecordID) error
	ReplLogModify(tx Transaction, rel *Relation, id RecordID) error
	ReplLogErase(tx Transaction, rel *Relation, id RecordID) error

	// Blobs.
	BlobCreate(tx Transaction) (BlobWriter, error)

	// Sequences.
	GeneratorLookup(name wire.Name) (GeneratorID, bool)
	GeneratorCurrent(id GeneratorID) int64
	GeneratorSet(id GeneratorID, value int64) error

	// DDL / administrative SQL.
	ExecuteImmediate(tx Transaction, sql string, dialect Dialect, owner wire.Name) error

	// GetReplicationSequence returns the master-observed DB sequence
	// (spec.md §6: "getContext('SYSTEM','REPLICATION_SEQUENCE')").
	GetReplicationSequence(ctx context.Context) (uint64, error)
}

// BlobWriter is the write side of blob materialization (spec.md §4.5.1
// StoreBlob / §6 "blob.create/put/close").
type BlobWriter interface {
	Put(data []byte) error
	Close() (BlobID, error)
}
