package replerr

import (
	"errors"
	"testing"
)

func TestCategoryOfDefaultsToSweepError(t *testing.T) {
	if CategoryOf(errors.New("boom")) != SweepError {
		t.Fatalf("uncategorized error should default to SweepError")
	}
}

func TestWrapPreservesCategoryAndChain(t *testing.T) {
	base := errors.New("unique key violation")
	wrapped := Wrap(OperationRecoverableErr("insert failed", base), "replication error")

	if CategoryOf(wrapped) != OperationRecoverable {
		t.Fatalf("expected category to survive wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected errors.Is to see through the wrap chain")
	}
}
