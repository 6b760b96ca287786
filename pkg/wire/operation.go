package wire

// Tag identifies the kind of operation encoded in a block's data section
// (spec.md §3).
type Tag uint8

const (
	OpStartTransaction Tag = iota + 1
	OpPrepareTransaction
	OpCommitTransaction
	OpRollbackTransaction
	OpCleanupTransaction
	OpStartSavepoint
	OpReleaseSavepoint
	OpRollbackSavepoint
	OpInsertRecord
	OpUpdateRecord
	OpDeleteRecord
	OpStoreBlob
	OpExecuteSql
	OpSetSequence
)

// InsertRecord carries the wire image of one row insert.
type InsertRecord struct {
	Table Name
	Row   []byte
}

// UpdateRecord carries the before/after images of one row update.
type UpdateRecord struct {
	Table    Name
	OldImage []byte
	NewImage []byte
}

// DeleteRecord carries the wire image of one row delete (used only for
// record identification, not for storage).
type DeleteRecord struct {
	Table Name
	Row   []byte
}

// StoreBlob carries one blob's bytes, keyed by the master's blob id.
type StoreBlob struct {
	MasterBlobID uint64
	Bytes        []byte
}

// ExecuteSQL carries a verbatim DDL/administrative statement and the
// owner it should run as.
type ExecuteSQL struct {
	Text  string
	Owner Name
}

// SetSequence carries a generator name and the value the master observed.
type SetSequence struct {
	Name  Name
	Value int64
}
