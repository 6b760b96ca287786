package applier

import (
	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// StoreBlob materializes one blob under its transaction-scoped master id,
// mapping it to a permanent local BlobID the row-resolution step later
// substitutes into BlobRef fields (spec.md §4.5.4).
func (a *Applier) StoreBlob(traNumber uint64, op wire.StoreBlob) error {
	st, err := a.lookupState(traNumber)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: store blob", err)
	}

	w, err := a.db.BlobCreate(st.tx)
	if err != nil {
		return replerr.OperationRecoverableErr("applier: store blob", err)
	}
	if err := w.Put(op.Bytes); err != nil {
		return replerr.OperationRecoverableErr("applier: store blob", err)
	}
	id, err := w.Close()
	if err != nil {
		return replerr.OperationRecoverableErr("applier: store blob", err)
	}

	st.blobIDMap[op.MasterBlobID] = id
	return nil
}

// resolveBlobs rewrites every blob-typed field's BlobRef (the master's
// transaction-scoped blob id) to the permanent local BlobID recorded by a
// prior StoreBlob, for a freshly inserted row.
func (a *Applier) resolveBlobs(st *txState, row localdb.Row, format *localdb.RowFormat) localdb.Row {
	for i := range row.Fields {
		f := &row.Fields[i]
		if !f.IsBlob || f.Null {
			continue
		}
		if localID, ok := st.blobIDMap[f.BlobRef]; ok {
			f.Data = encodeBlobID(localID)
		} else {
			logx.Warn("applier[%s]: blob ref %d has no matching StoreBlob, leaving field null", a.target, f.BlobRef)
			f.Null = true
		}
	}
	return row
}

// resolveBlobsForUpdate additionally honors the "same_blobs" case: when the
// new image's blob field is unchanged from the old image's (same wire
// reference), the old row's already-resolved local blob id is carried
// forward rather than expecting a fresh StoreBlob for it (spec.md §4.5.4).
func (a *Applier) resolveBlobsForUpdate(st *txState, oldRow, newRow localdb.Row, format *localdb.RowFormat) localdb.Row {
	for i := range newRow.Fields {
		f := &newRow.Fields[i]
		if !f.IsBlob || f.Null {
			continue
		}
		if i < len(oldRow.Fields) && oldRow.Fields[i].IsBlob && oldRow.Fields[i].BlobRef == f.BlobRef && oldRow.Fields[i].BlobRef != 0 {
			newRow.Fields[i] = oldRow.Fields[i]
			continue
		}
		if localID, ok := st.blobIDMap[f.BlobRef]; ok {
			f.Data = encodeBlobID(localID)
		} else {
			logx.Warn("applier[%s]: blob ref %d has no matching StoreBlob, leaving field null", a.target, f.BlobRef)
			f.Null = true
		}
	}
	return newRow
}

// encodeBlobID renders a permanent local blob id into the field-value
// byte form Store/Modify expect, matching DecodeRow/EncodeRow's convention
// of opaque byte payloads per field.
func encodeBlobID(id localdb.BlobID) []byte {
	buf := make([]byte, 8)
	v := uint64(id)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}
