package applier

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/metrics"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// resolveRelation looks up a relation and the row format matching the wire
// image length, walking historical formats when the current one doesn't
// match (spec.md §4.5.5).
func (a *Applier) resolveRelation(name wire.Name, image []byte) (*localdb.Relation, *localdb.RowFormat, error) {
	rel, err := a.db.LookupRelation(name)
	if err != nil {
		return nil, nil, err
	}
	format, err := a.db.CurrentFormat(rel)
	if err != nil {
		return nil, nil, err
	}
	if formatMatches(format, image) {
		return rel, format, nil
	}
	// Wire row length doesn't match the current format; walk back through
	// historical versions (spec.md §4.5.5).
	for v := format.Version - 1; v >= 1; v-- {
		older, err := a.db.FormatAt(rel, v)
		if err != nil {
			continue
		}
		if formatMatches(older, image) {
			return rel, older, nil
		}
	}
	return nil, nil, fmt.Errorf("applier: no row format of %q matches wire image length %d", name, len(image))
}

func formatMatches(format *localdb.RowFormat, image []byte) bool {
	if format.RowLength <= 0 {
		return true // format doesn't declare a fixed length; accept as-is
	}
	return format.RowLength == len(image)
}

// identifyRecord finds the local RecordID a wire row image refers to,
// using the relation's primary key or narrowest unique index, falling back
// to the NO_KEY_TABLES tuple-equality scan when no key exists (spec.md
// §4.5.2).
func (a *Applier) identifyRecord(tx localdb.Transaction, rel *localdb.Relation, format *localdb.RowFormat, row localdb.Row) (localdb.RecordID, bool, error) {
	if rel.IsSingleRow {
		return 0, true, nil
	}

	idx := rel.PrimaryKey
	if idx == nil {
		idx = narrowestUnique(rel.UniqueIndexes)
	}

	if idx != nil {
		key := localdb.Row{Fields: selectFields(row, idx.FieldIndexes)}
		matches, err := a.db.ScanIndexEqual(tx, rel, idx, key)
		if err != nil {
			return 0, false, err
		}
		if len(matches) == 0 {
			return 0, false, nil
		}
		if len(matches) > 1 {
			logx.Warn("applier: ambiguous key match on %q (%d candidates), using first", rel.Name, len(matches))
		}
		return matches[0], true, nil
	}

	// NO_KEY_TABLES fallback: full-scan tuple equality (spec.md §4.5.2
	// point 3, §9).
	fields := a.noKeyFields(rel.Name)
	if fields == nil {
		return 0, false, fmt.Errorf("applier: relation %q has no key and no NO_KEY_TABLES rule configured", rel.Name)
	}
	return a.scanForMatch(tx, rel, row, fields)
}

func (a *Applier) noKeyFields(name wire.Name) []int {
	for _, rule := range a.noKeys {
		if rule.Table == name {
			return rule.FieldIndexes
		}
	}
	return nil
}

func (a *Applier) scanForMatch(tx localdb.Transaction, rel *localdb.Relation, row localdb.Row, fieldIndexes []int) (localdb.RecordID, bool, error) {
	it, err := a.db.ScanRelation(tx, rel)
	if err != nil {
		return 0, false, err
	}
	defer it.Close()

	var found localdb.RecordID
	var count int
	for {
		id, candidate, ok, err := it.Next()
		if err != nil {
			return 0, false, err
		}
		if !ok {
			break
		}
		if tupleEqual(a.db, row, candidate, fieldIndexes) {
			found = id
			count++
		}
	}
	if count == 0 {
		return 0, false, nil
	}
	if count > 1 {
		logx.Warn("applier: NO_KEY_TABLES scan on %q found %d ambiguous matches, using last", rel.Name, count)
	}
	return found, true, nil
}

func tupleEqual(db localdb.Database, a, b localdb.Row, fieldIndexes []int) bool {
	for _, i := range fieldIndexes {
		if i >= len(a.Fields) || i >= len(b.Fields) {
			return false
		}
		if !db.CompareValues(a.Fields[i], b.Fields[i]) {
			return false
		}
	}
	return true
}

func narrowestUnique(indexes []localdb.IndexDesc) *localdb.IndexDesc {
	var best *localdb.IndexDesc
	for i := range indexes {
		if !indexes[i].Unique {
			continue
		}
		if best == nil || len(indexes[i].FieldIndexes) < len(best.FieldIndexes) {
			best = &indexes[i]
		}
	}
	return best
}

func selectFields(row localdb.Row, indexes []int) []localdb.Value {
	out := make([]localdb.Value, len(indexes))
	for i, idx := range indexes {
		if idx < len(row.Fields) {
			out[i] = row.Fields[idx]
		}
	}
	return out
}

// InsertRecord applies a master insert. On a unique-key conflict it falls
// back to a find-then-update, mirroring the master-copy-wins rule (spec.md
// §4.5.3: "insert conflicting with an existing row updates it in place").
// If no conflicting row can be located, the insert is attempted once more.
func (a *Applier) InsertRecord(traNumber uint64, op wire.InsertRecord) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: insert", err)
	}

	rel, format, err := a.resolveRelation(op.Table, op.Row)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: insert", err)
	}
	row, err := a.db.DecodeRow(rel, format, op.Row)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: insert", err)
	}
	row = a.resolveBlobs(st, row, format)

	id, err := a.db.Store(st.tx, rel, format, row)
	if err == nil {
		if err := a.db.IndexStore(st.tx, rel, id); err != nil {
			return replerr.OperationRecoverableErr("applier: insert index store", err)
		}
		if err := a.db.ReplLogInsert(st.tx, rel, id); err != nil {
			return replerr.OperationRecoverableErr("applier: insert repl log", err)
		}
		return nil
	}

	if !errors.Is(err, localdb.ErrUniqueViolation) {
		return replerr.OperationRecoverableErr("applier: insert failed", err)
	}

	// Uniqueness conflict: the master's insert collides with an existing
	// local row. Find it and update it instead (spec.md §4.5.3).
	existingID, found, findErr := a.identifyRecord(st.tx, rel, format, row)
	if findErr != nil {
		return replerr.OperationRecoverableErr("applier: insert conflict, could not locate existing row", err)
	}
	if !found {
		// No conflicting row located after all: second (paranoid) insert attempt.
		newID, err := a.db.Store(st.tx, rel, format, row)
		if err != nil {
			return replerr.OperationRecoverableErr("applier: insert retry", err)
		}
		if err := a.db.IndexStore(st.tx, rel, newID); err != nil {
			return replerr.OperationRecoverableErr("applier: insert retry index store", err)
		}
		if err := a.db.ReplLogInsert(st.tx, rel, newID); err != nil {
			return replerr.OperationRecoverableErr("applier: insert retry repl log", err)
		}
		return nil
	}

	metrics.ConflictResolutionsTotal.WithLabelValues(a.target, "insert_to_update").Inc()
	logx.Warn("applier[%s]: insert into %q conflicted, updating existing record %d instead", a.target, rel.Name, existingID)

	if err := a.db.Modify(st.tx, rel, existingID, format, row); err != nil {
		return replerr.OperationRecoverableErr("applier: insert-as-update", err)
	}
	if err := a.db.ReplLogModify(st.tx, rel, existingID); err != nil {
		return replerr.OperationRecoverableErr("applier: insert-as-update repl log", err)
	}
	return nil
}

// UpdateRecord applies a master update. If the target row is missing
// locally, it falls back to an insert of the new image (spec.md §4.5.3:
// "update targeting a missing row inserts it").
func (a *Applier) UpdateRecord(traNumber uint64, op wire.UpdateRecord) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}

	rel, oldFormat, err := a.resolveRelation(op.Table, op.OldImage)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}
	oldRow, err := a.db.DecodeRow(rel, oldFormat, op.OldImage)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}

	id, found, err := a.identifyRecord(st.tx, rel, oldFormat, oldRow)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update identify", err)
	}

	_, newFormat, err := a.resolveRelation(op.Table, op.NewImage)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}
	newRow, err := a.db.DecodeRow(rel, newFormat, op.NewImage)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}
	newRow = a.resolveBlobsForUpdate(st, oldRow, newRow, newFormat)

	if !found {
		metrics.ConflictResolutionsTotal.WithLabelValues(a.target, "update_to_insert").Inc()
		logx.Warn("applier[%s]: update on %q found no matching row, inserting instead", a.target, rel.Name)

		newID, err := a.db.Store(st.tx, rel, newFormat, newRow)
		if err != nil {
			return replerr.OperationRecoverableErr("applier: update-as-insert", err)
		}
		if err := a.db.IndexStore(st.tx, rel, newID); err != nil {
			return replerr.OperationRecoverableErr("applier: update-as-insert index store", err)
		}
		if err := a.db.ReplLogInsert(st.tx, rel, newID); err != nil {
			return replerr.OperationRecoverableErr("applier: update-as-insert repl log", err)
		}
		return nil
	}

	if err := a.db.Modify(st.tx, rel, id, newFormat, newRow); err != nil {
		return replerr.OperationRecoverableErr("applier: update", err)
	}
	if err := a.db.IndexModify(st.tx, rel, id, id); err != nil {
		return replerr.OperationRecoverableErr("applier: update index modify", err)
	}
	if err := a.db.ReplLogModify(st.tx, rel, id); err != nil {
		return replerr.OperationRecoverableErr("applier: update repl log", err)
	}
	return nil
}

// DeleteRecord applies a master delete. A missing target row is logged and
// ignored (spec.md §4.5.3: "delete targeting a missing row is a no-op").
func (a *Applier) DeleteRecord(traNumber uint64, op wire.DeleteRecord) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: delete", err)
	}

	rel, format, err := a.resolveRelation(op.Table, op.Row)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: delete", err)
	}
	row, err := a.db.DecodeRow(rel, format, op.Row)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: delete", err)
	}

	id, found, err := a.identifyRecord(st.tx, rel, format, row)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: delete identify", err)
	}
	if !found {
		metrics.ConflictResolutionsTotal.WithLabelValues(a.target, "delete_missing_ignored").Inc()
		logx.Warn("applier[%s]: delete on %q found no matching row, ignoring", a.target, rel.Name)
		return nil
	}

	if err := a.db.Erase(st.tx, rel, id); err != nil {
		return replerr.OperationRecoverableErr("applier: delete", err)
	}
	if err := a.db.ReplLogErase(st.tx, rel, id); err != nil {
		return replerr.OperationRecoverableErr("applier: delete repl log", err)
	}
	return nil
}
