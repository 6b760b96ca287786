// Package worker runs one long-lived goroutine per configured replication
// target, each driving its own replay.Engine through an idle/error
// backoff sleep loop (spec.md §5, the Worker Supervisor component C6).
// Grounded on the teacher's ISRManager ticker-and-stop-channel pattern.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/metrics"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/replay"
)

// Target is one worker's static configuration.
type Target struct {
	Name              string
	Engine            *replay.Engine
	IdleTimeout       time.Duration
	ApplyErrorTimeout time.Duration
}

// Supervisor owns one worker goroutine per Target. Workers share no
// mutable state beyond the process-wide shutdown flag and active-worker
// counter (spec.md §5).
type Supervisor struct {
	targets []Target

	shuttingDown atomic.Bool
	active       atomic.Int32

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New constructs a Supervisor over the given targets.
func New(targets []Target) *Supervisor {
	return &Supervisor{targets: targets, stopCh: make(chan struct{})}
}

// Start launches one goroutine per target. Calling Start more than once
// has no additional effect.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for _, t := range s.targets {
			s.wg.Add(1)
			s.active.Add(1)
			go s.run(ctx, t)
		}
	})
}

// Stop raises the shutdown flag and blocks until every worker has
// observed it and returned.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)
		close(s.stopCh)
	})
	s.wg.Wait()
}

// ActiveWorkers reports how many worker goroutines have not yet exited.
func (s *Supervisor) ActiveWorkers() int32 {
	return s.active.Load()
}

func (s *Supervisor) run(ctx context.Context, t Target) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer t.Engine.Close()

	logx.Info("worker[%s]: started", t.Name)

	var errLog logx.Deduper
	for {
		if s.shuttingDown.Load() {
			logx.Info("worker[%s]: shutdown observed, exiting", t.Name)
			return
		}

		outcome, sleep, err := s.sweepOnce(ctx, t, &errLog)
		if outcome == replay.Error && replerr.CategoryOf(err) == replerr.Fatal {
			logx.Error("worker[%s]: fatal condition, exiting permanently: %v", t.Name, err)
			return
		}

		select {
		case <-s.stopCh:
			logx.Info("worker[%s]: shutdown observed, exiting", t.Name)
			return
		case <-ctx.Done():
			logx.Info("worker[%s]: context canceled, exiting", t.Name)
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Supervisor) sweepOnce(ctx context.Context, t Target, errLog *logx.Deduper) (replay.Outcome, time.Duration, error) {
	start := time.Now()
	outcome, err := t.Engine.Sweep(ctx)
	metrics.SweepDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	metrics.SweepsTotal.WithLabelValues(t.Name, outcome.String()).Inc()

	switch outcome {
	case replay.Continue:
		return outcome, 0, err
	case replay.Suspend:
		return outcome, t.IdleTimeout, err
	case replay.Error:
		errLog.Report(fmt.Sprintf("worker[%s]: sweep error: %v", t.Name, err))
		return outcome, t.ApplyErrorTimeout, err
	default:
		return outcome, t.IdleTimeout, err
	}
}
