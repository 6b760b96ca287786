package logx

import "testing"

func TestDeduperSuppressesRepeats(t *testing.T) {
	var d Deduper

	if !d.Report("gap: segment 11 missing") {
		t.Fatalf("first report should log")
	}
	if d.Report("gap: segment 11 missing") {
		t.Fatalf("repeat of the same message should be suppressed")
	}
	if !d.Report("gap: segment 12 missing") {
		t.Fatalf("a different message should log")
	}

	d.Reset()
	if !d.Report("gap: segment 12 missing") {
		t.Fatalf("after Reset the same message should log again")
	}
}
