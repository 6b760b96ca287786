package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/downfa11-org/replicad/internal/config"
	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/metrics"
	"github.com/downfa11-org/replicad/pkg/applier"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/replay"
	"github.com/downfa11-org/replicad/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logx.Fatal("failed to load config: %v", err)
	}

	logx.Info("starting replicad with %d target(s)", len(cfg.Targets))

	targets := make([]worker.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		guid, err := t.ParsedSourceGUID()
		if err != nil {
			logx.Fatal("target %q: invalid source_guid: %v", t.Name, err)
		}

		db, err := openDatabase(t)
		if err != nil {
			logx.Fatal("target %q: failed to open target database: %v", t.Name, err)
		}

		app := applier.New(t.Name, db, nil)
		eng := replay.New(replay.Options{
			Target:       t.Name,
			Dir:          t.SourceDir,
			SourceGUID:   guid,
			PreserveMode: t.PreserveMode,
			Database:     db,
			Applier:      app,
		})

		targets = append(targets, worker.Target{
			Name:              t.Name,
			Engine:            eng,
			IdleTimeout:       t.IdleTimeout,
			ApplyErrorTimeout: t.ApplyErrorTimeout,
		})
	}

	sup := worker.New(targets)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.EnableExporter {
		metrics.StartExporter(cfg.ExporterPort)
	}

	sup.Start(ctx)

	<-ctx.Done()
	logx.Info("shutdown signal received, draining workers")
	sup.Stop()
	logx.Info("replicad stopped")
}

// openDatabase opens the local database plugin for a target. Only the
// in-memory reference implementation ships with this repo (spec.md's
// external interfaces leave the concrete local database out of scope);
// a production deployment supplies its own localdb.Database.
func openDatabase(t config.Target) (localdb.Database, error) {
	if t.TargetDSN == "" {
		return localdb.NewMemDB(), nil
	}
	return nil, fmt.Errorf("no localdb.Database implementation registered for dsn scheme in %q", t.TargetDSN)
}
