// Package applier drives the local database through the operations
// decoded from a segment's blocks (spec.md §4.5, the Applier component
// C5), resolving conflicts against locally-modified rows with
// master-copy-wins semantics.
package applier

import (
	"context"
	"fmt"
	"sync"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/metrics"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// txState tracks one in-flight master transaction's local counterpart and
// the id remap table blobs need across the lifetime of the transaction
// (spec.md §4.5.4: "the blob id map is transaction-scoped").
type txState struct {
	tx        localdb.Transaction
	blobIDMap map[uint64]localdb.BlobID
}

// Applier owns the map of open master transactions and applies decoded
// operations to a Database (spec.md §3: "ReplicaTransaction" set).
type Applier struct {
	mu       sync.Mutex
	db       localdb.Database
	txByID   map[uint64]*txState
	noKeys   []localdb.NoKeyRule
	target   string
}

// New constructs an Applier over db. noKeys configures the NO_KEY_TABLES
// fallback identification rules (spec.md §9: modeled as configuration
// data, not a compile-time array).
func New(target string, db localdb.Database, noKeys []localdb.NoKeyRule) *Applier {
	return &Applier{
		db:     db,
		txByID: make(map[uint64]*txState),
		noKeys: noKeys,
		target: target,
	}
}

// ActiveTransactionIDs returns the master transaction numbers this Applier
// currently has open. The Replay Engine uses it to tell a cold start (no
// open transactions) from a warm one when choosing the first expected
// segment sequence (spec.md §4.4).
func (a *Applier) ActiveTransactionIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.txByID))
	for id := range a.txByID {
		ids = append(ids, id)
	}
	return ids
}

// DiscardAll drops every open transaction without committing or rolling
// back the underlying local::Transaction. The Replay Engine calls it when
// it resyncs the control state after the local database was switched or
// restored (resync-after-reattach, spec.md §4.4).
func (a *Applier) DiscardAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txByID = make(map[uint64]*txState)
}

func (a *Applier) lookupState(traNumber uint64) (*txState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.txByID[traNumber]
	if !ok {
		return nil, fmt.Errorf("applier: no open transaction %d", traNumber)
	}
	return st, nil
}

// StartTransaction opens a new local transaction for a master transaction
// number (spec.md §4.5.1).
func (a *Applier) StartTransaction(ctx context.Context, traNumber uint64) error {
	tx, err := a.db.StartTransaction(ctx)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: start transaction", err)
	}

	a.mu.Lock()
	a.txByID[traNumber] = &txState{tx: tx, blobIDMap: make(map[uint64]localdb.BlobID)}
	a.mu.Unlock()

	metrics.ActiveTransactions.WithLabelValues(a.target).Inc()
	return nil
}

// PrepareTransaction runs the two-phase-commit prepare step (spec.md
// §4.5.1).
func (a *Applier) PrepareTransaction(ctx context.Context, traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: prepare", err)
	}
	if err := st.tx.Prepare(ctx); err != nil {
		return replerr.OperationRecoverableErr("applier: prepare", err)
	}
	return nil
}

// CommitTransaction commits and forgets a transaction (spec.md §4.5.1).
func (a *Applier) CommitTransaction(ctx context.Context, traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: commit", err)
	}
	if err := st.tx.Commit(ctx); err != nil {
		return replerr.OperationRecoverableErr("applier: commit", err)
	}
	a.forget(traNumber)
	return nil
}

// RollbackTransaction rolls back and forgets a transaction (spec.md
// §4.5.1).
func (a *Applier) RollbackTransaction(ctx context.Context, traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: rollback", err)
	}
	if err := st.tx.Rollback(ctx); err != nil {
		return replerr.OperationRecoverableErr("applier: rollback", err)
	}
	a.forget(traNumber)
	return nil
}

// CleanupTransaction forgets a transaction without touching the storage
// engine, for transactions the master already resolved before this replica
// attached (spec.md §4.5.1).
func (a *Applier) CleanupTransaction(traNumber uint64) {
	a.forget(traNumber)
}

func (a *Applier) forget(traNumber uint64) {
	a.mu.Lock()
	_, existed := a.txByID[traNumber]
	delete(a.txByID, traNumber)
	a.mu.Unlock()
	if existed {
		metrics.ActiveTransactions.WithLabelValues(a.target).Dec()
	}
}

// StartSavepoint pushes a new savepoint frame (spec.md §4.5.6).
func (a *Applier) StartSavepoint(traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: start savepoint", err)
	}
	st.tx.StartSavepoint()
	return nil
}

// ReleaseSavepoint releases the innermost savepoint (spec.md §4.5.6).
func (a *Applier) ReleaseSavepoint(traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: release savepoint", err)
	}
	if err := st.tx.ReleaseSavepoint(); err != nil {
		return replerr.OperationRecoverableErr("applier: release savepoint", err)
	}
	return nil
}

// RollbackSavepoint rolls back the innermost savepoint (spec.md §4.5.6).
func (a *Applier) RollbackSavepoint(traNumber uint64) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: rollback savepoint", err)
	}
	if err := st.tx.RollbackSavepoint(); err != nil {
		return replerr.OperationRecoverableErr("applier: rollback savepoint", err)
	}
	return nil
}

// SetSequence applies a generator value observed on the master. The value
// is only applied if it advances the generator; a replica generator never
// moves backward (spec.md §4.5.1).
func (a *Applier) SetSequence(op wire.SetSequence) error {
	id, ok := a.db.GeneratorLookup(op.Name)
	if !ok {
		logx.Warn("applier[%s]: unknown generator %q, ignoring SetSequence", a.target, op.Name)
		return nil
	}
	if op.Value <= a.db.GeneratorCurrent(id) {
		return nil
	}
	if err := a.db.GeneratorSet(id, op.Value); err != nil {
		return replerr.OperationRecoverableErr("applier: set sequence", err)
	}
	return nil
}

// ExecuteSql runs a verbatim administrative statement, choosing the SQL
// dialect from the local database's configuration (spec.md §4.5.1: "V5 if
// the DB is in legacy dialect, V6 otherwise").
func (a *Applier) ExecuteSql(traNumber uint64, op wire.ExecuteSQL) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: execute sql", err)
	}
	if err := a.db.ExecuteImmediate(st.tx, op.Text, a.db.Dialect(), op.Owner); err != nil {
		return replerr.OperationRecoverableErr("applier: execute sql", err)
	}
	return nil
}
