package config_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/downfa11-org/replicad/internal/config"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{
		Targets: []config.Target{{Name: "t1", SourceDir: "/tmp/x"}},
	}
	cfg.Normalize()

	if cfg.ExporterPort != 9100 {
		t.Errorf("ExporterPort default incorrect: %d", cfg.ExporterPort)
	}
	tgt := cfg.Targets[0]
	if tgt.IdleTimeout != 2*time.Second {
		t.Errorf("IdleTimeout default incorrect: %v", tgt.IdleTimeout)
	}
	if tgt.ApplyErrorTimeout != 10*time.Second {
		t.Errorf("ApplyErrorTimeout default incorrect: %v", tgt.ApplyErrorTimeout)
	}
}

func TestNormalizePreservesExplicitTimeouts(t *testing.T) {
	cfg := &config.Config{
		Targets: []config.Target{{
			Name: "t1", SourceDir: "/tmp/x",
			IdleTimeout: 5 * time.Second, ApplyErrorTimeout: 30 * time.Second,
		}},
	}
	cfg.Normalize()

	if cfg.Targets[0].IdleTimeout != 5*time.Second {
		t.Errorf("explicit IdleTimeout overridden")
	}
	if cfg.Targets[0].ApplyErrorTimeout != 30*time.Second {
		t.Errorf("explicit ApplyErrorTimeout overridden")
	}
}

func TestParsedSourceGUIDNilWhenUnset(t *testing.T) {
	tgt := config.Target{Name: "t1"}
	guid, err := tgt.ParsedSourceGUID()
	if err != nil {
		t.Fatalf("ParsedSourceGUID: %v", err)
	}
	if guid != uuid.Nil {
		t.Fatalf("expected uuid.Nil so the Replay Engine pins to the first source GUID it observes, got %s", guid)
	}
}

func TestParsedSourceGUIDRejectsMalformed(t *testing.T) {
	tgt := config.Target{Name: "t1", SourceGUID: "not-a-guid"}
	if _, err := tgt.ParsedSourceGUID(); err == nil {
		t.Fatalf("expected an error for malformed source_guid")
	}
}
