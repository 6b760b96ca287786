package replay

import (
	"context"
	"fmt"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// applyBlock decodes every operation in a block's data section and drives
// the Applier with each. An error categorized OperationRecoverable is
// logged here as a warning and decoding continues with the next
// operation; any other error aborts the block.
func (e *Engine) applyBlock(ctx context.Context, blk wire.Block) error {
	r := blk.NewBlockReader()
	tra := r.TransactionID()

	for !r.Eof() {
		if err := ctx.Err(); err != nil {
			return err
		}

		tag, err := r.Tag()
		if err != nil {
			return err
		}

		if err := e.applyOperation(ctx, r, tra, tag); err != nil {
			if replerr.CategoryOf(err) == replerr.OperationRecoverable {
				logx.Warn("replay[%s]: tx %d: %v", e.target, tra, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) applyOperation(ctx context.Context, r *wire.Reader, tra uint64, tag wire.Tag) error {
	switch tag {
	case wire.OpStartTransaction:
		return e.app.StartTransaction(ctx, tra)
	case wire.OpPrepareTransaction:
		return e.app.PrepareTransaction(ctx, tra)
	case wire.OpCommitTransaction:
		return e.app.CommitTransaction(ctx, tra)
	case wire.OpRollbackTransaction:
		return e.app.RollbackTransaction(ctx, tra)
	case wire.OpCleanupTransaction:
		e.app.CleanupTransaction(tra)
		return nil
	case wire.OpStartSavepoint:
		return e.app.StartSavepoint(tra)
	case wire.OpReleaseSavepoint:
		return e.app.ReleaseSavepoint(tra)
	case wire.OpRollbackSavepoint:
		return e.app.RollbackSavepoint(tra)

	case wire.OpInsertRecord:
		table, err := r.MetaName()
		if err != nil {
			return err
		}
		row, err := r.Binary()
		if err != nil {
			return err
		}
		return e.app.InsertRecord(tra, wire.InsertRecord{Table: table, Row: row})

	case wire.OpUpdateRecord:
		table, err := r.MetaName()
		if err != nil {
			return err
		}
		oldImage, err := r.Binary()
		if err != nil {
			return err
		}
		newImage, err := r.Binary()
		if err != nil {
			return err
		}
		return e.app.UpdateRecord(tra, wire.UpdateRecord{Table: table, OldImage: oldImage, NewImage: newImage})

	case wire.OpDeleteRecord:
		table, err := r.MetaName()
		if err != nil {
			return err
		}
		row, err := r.Binary()
		if err != nil {
			return err
		}
		return e.app.DeleteRecord(tra, wire.DeleteRecord{Table: table, Row: row})

	case wire.OpStoreBlob:
		id, err := r.BigInt()
		if err != nil {
			return err
		}
		bytes, err := r.Binary()
		if err != nil {
			return err
		}
		return e.app.StoreBlob(tra, wire.StoreBlob{MasterBlobID: uint64(id), Bytes: bytes})

	case wire.OpExecuteSql:
		owner, err := r.MetaName()
		if err != nil {
			return err
		}
		text, err := r.String()
		if err != nil {
			return err
		}
		return e.app.ExecuteSql(tra, wire.ExecuteSQL{Text: text, Owner: owner})

	case wire.OpSetSequence:
		name, err := r.MetaName()
		if err != nil {
			return err
		}
		value, err := r.BigInt()
		if err != nil {
			return err
		}
		return e.app.SetSequence(wire.SetSequence{Name: name, Value: value})

	default:
		return replerr.SweepErr("replay: decode operation", fmt.Errorf("unknown tag %d", tag))
	}
}
