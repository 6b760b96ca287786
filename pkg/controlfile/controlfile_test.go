package controlfile

import (
	"os"
	"testing"

	"github.com/google/uuid"
)

func truncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}

func TestOpenInitializesFromCurrentSequence(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	cf, err := Open(dir, guid, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cf.Close()

	snap := cf.Snapshot()
	if snap.Sequence != 4 || snap.Offset != 0 || len(snap.Active) != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
}

func TestOpenInitializesAtZeroWhenCurrentSequenceIsZero(t *testing.T) {
	dir := t.TempDir()
	cf, err := Open(dir, uuid.New(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cf.Close()

	if cf.Snapshot().Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", cf.Snapshot().Sequence)
	}
}

func TestSavePartialIsMonotone(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()
	cf, err := Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cf.Close()

	if err := cf.SavePartial(20, 200, []ActiveTransaction{{TraID: 77, Sequence: 20}}); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}

	// A lower (seq, offset) pair must not regress the persisted state.
	if err := cf.SavePartial(20, 100, nil); err != nil {
		t.Fatalf("SavePartial (regressing): %v", err)
	}
	snap := cf.Snapshot()
	if snap.Offset != 200 {
		t.Fatalf("expected monotone offset to remain 200, got %d", snap.Offset)
	}

	if err := cf.SavePartial(20, 400, nil); err != nil {
		t.Fatalf("SavePartial (advancing): %v", err)
	}
	if cf.Snapshot().Offset != 400 {
		t.Fatalf("expected offset to advance to 400")
	}
}

func TestSaveCompleteResetsOffset(t *testing.T) {
	dir := t.TempDir()
	cf, err := Open(dir, uuid.New(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cf.Close()

	if err := cf.SavePartial(20, 400, nil); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}
	if err := cf.SaveComplete(20, nil); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	snap := cf.Snapshot()
	if snap.Sequence != 20 || snap.Offset != 0 {
		t.Fatalf("expected sequence 20, offset 0, got %+v", snap)
	}
}

func TestSavePartialDurability(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	cf, err := Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	active := []ActiveTransaction{{TraID: 77, Sequence: 20}}
	if err := cf.SavePartial(20, 200, active); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}
	cf.Close()

	reopened, err := Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap := reopened.Snapshot()
	if snap.Sequence != 20 || snap.Offset != 200 {
		t.Fatalf("durability round trip failed: %+v", snap)
	}
	if len(snap.Active) != 1 || snap.Active[0].TraID != 77 {
		t.Fatalf("active transaction list not durable: %+v", snap.Active)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	cf, err := Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cf.Close()

	// Corrupt the file by truncating it mid-header.
	path := cf.path
	if err := truncateFile(path, 5); err != nil {
		t.Fatalf("truncate fixture file: %v", err)
	}

	if _, err := Open(dir, guid, 1); err == nil {
		t.Fatalf("expected Open to reject a truncated control file")
	}
}

func TestSecondOpenFailsWhileLockHeld(t *testing.T) {
	dir := t.TempDir()
	guid := uuid.New()

	first, err := Open(dir, guid, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(dir, guid, 1); err == nil {
		t.Fatalf("expected second Open to fail while the first holds the exclusive lock")
	}
}
