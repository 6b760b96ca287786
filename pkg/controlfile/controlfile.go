package controlfile

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/replerr"
)

// ControlFile is the sole persistent progress record for one
// (target, source GUID) pair (spec.md §4.2). The local database's own
// redo/undo provides atomicity for each block's transactional effects;
// the replay position itself is authoritative only here.
type ControlFile struct {
	mu   sync.Mutex
	file *os.File
	path string
	data Data
}

// Open takes the exclusive lock for the lifetime of the returned handle,
// then creates the control file if missing (initializing Sequence to
// max(0, currentSegmentSequence-1)) or validates and loads an existing
// one.
func Open(dir string, sourceGUID uuid.UUID, currentSegmentSequence uint64) (*ControlFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, replerr.SweepErr("control file: create directory", err)
	}

	path := filepath.Join(dir, sourceGUID.String())

	f, err := os.OpenFile(path, syncOpenFlags, 0o644)
	if err != nil {
		return nil, replerr.SweepErr("control file: open", err)
	}

	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, replerr.SweepErr("control file: another worker holds the lock", err)
	}

	cf := &ControlFile{file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		cf.Close()
		return nil, replerr.SweepErr("control file: stat", err)
	}

	if info.Size() == 0 {
		initSeq := uint64(0)
		if currentSegmentSequence > 0 {
			initSeq = currentSegmentSequence - 1
		}
		cf.data = Data{Sequence: initSeq, Offset: 0, DBSequence: 0}
		if err := cf.writeLocked(); err != nil {
			cf.Close()
			return nil, err
		}
		logx.Info("control file %s created at sequence %d", path, initSeq)
		return cf, nil
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		cf.Close()
		return nil, replerr.SweepErr("control file: read", err)
	}
	data, err := Decode(buf)
	if err != nil {
		cf.Close()
		return nil, replerr.FatalErr("control file corrupt", err)
	}
	cf.data = data
	return cf, nil
}

// Snapshot returns a copy of the currently held control file data.
func (cf *ControlFile) Snapshot() Data {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	active := make([]ActiveTransaction, len(cf.data.Active))
	copy(active, cf.data.Active)
	d := cf.data
	d.Active = active
	return d
}

// SavePartial rewrites the header and active-transaction list, but only
// if progress is monotone: seq > last_sequence, or seq == last_sequence
// and offset > last_offset (spec.md §4.2).
func (cf *ControlFile) SavePartial(seq uint64, offset uint32, active []ActiveTransaction) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if !(seq > cf.data.Sequence || (seq == cf.data.Sequence && offset > cf.data.Offset)) {
		return nil
	}

	cf.data.Sequence = seq
	cf.data.Offset = offset
	cf.data.Active = cloneActive(active)
	return cf.writeLocked()
}

// SaveComplete rewrites the header and active-transaction list with
// offset reset to 0, if seq >= last_sequence (spec.md §4.2).
func (cf *ControlFile) SaveComplete(seq uint64, active []ActiveTransaction) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if seq < cf.data.Sequence {
		return nil
	}

	cf.data.Sequence = seq
	cf.data.Offset = 0
	cf.data.Active = cloneActive(active)
	return cf.writeLocked()
}

// SaveDBSequence records the master's self-reported REPLICATION_SEQUENCE
// observed at connect time.
func (cf *ControlFile) SaveDBSequence(v uint64) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.data.DBSequence = v
	return cf.writeLocked()
}

// Reset rolls the control file state backward. This is only legitimate
// after a resync-after-reattach (spec.md §4.4): the local database was
// switched or restored out from under the replica.
func (cf *ControlFile) Reset(seq uint64, dbSequence uint64) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.data = Data{Sequence: seq, Offset: 0, DBSequence: dbSequence}
	return cf.writeLocked()
}

func (cf *ControlFile) writeLocked() error {
	buf := Encode(cf.data)

	if _, err := cf.file.WriteAt(buf, 0); err != nil {
		return replerr.SweepErr("control file: write", err)
	}
	if err := cf.file.Truncate(int64(len(buf))); err != nil {
		return replerr.SweepErr("control file: truncate", err)
	}
	if err := cf.file.Sync(); err != nil {
		return replerr.SweepErr("control file: sync", err)
	}
	return nil
}

// Close releases the exclusive lock and closes the underlying handle.
func (cf *ControlFile) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.file == nil {
		return nil
	}
	_ = unlock(cf.file)
	err := cf.file.Close()
	cf.file = nil
	return err
}

func cloneActive(active []ActiveTransaction) []ActiveTransaction {
	out := make([]ActiveTransaction, len(active))
	copy(out, active)
	return out
}
