// Package replay drives one target's sweep loop: scan, gap detection,
// fast-forward, resync-after-reattach, block-level replay with
// mid-segment rewind, and post-segment garbage collection (spec.md §4.4,
// the Replay Engine component C4).
package replay

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/internal/metrics"
	"github.com/downfa11-org/replicad/internal/replerr"
	"github.com/downfa11-org/replicad/pkg/applier"
	"github.com/downfa11-org/replicad/pkg/controlfile"
	"github.com/downfa11-org/replicad/pkg/localdb"
	"github.com/downfa11-org/replicad/pkg/scanner"
	"github.com/downfa11-org/replicad/pkg/segment"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// Outcome is the result of one sweep (spec.md §4.4: "{SUSPEND, CONTINUE,
// ERROR}").
type Outcome int

const (
	Suspend Outcome = iota
	Continue
	Error
)

func (o Outcome) String() string {
	switch o {
	case Suspend:
		return "suspend"
	case Continue:
		return "continue"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Engine is the per-target sweep driver. One Engine is owned by exactly
// one worker goroutine; it is not safe for concurrent use.
type Engine struct {
	target       string
	dir          string
	sourceGUID   uuid.UUID
	preserveMode bool

	db  localdb.Database
	app *applier.Applier
	cf  *controlfile.ControlFile

	preconditionsChecked bool
}

// requiredPrivilege is the privilege the local database must grant the
// connecting user for replication to run (spec.md §7 category 4).
const requiredPrivilege = "REPLICATE_INTO_DATABASE"

// checkPreconditions verifies the fatal preconditions spec.md §7 category 4
// requires before any replay work begins: the database must be in replica
// mode, the caller must hold REPLICATE_INTO_DATABASE, and the database must
// not be read-only. Any violation is Fatal and the worker must exit rather
// than retry.
func (e *Engine) checkPreconditions() error {
	if e.preconditionsChecked {
		return nil
	}
	if !e.db.IsReplica() {
		return replerr.FatalErr("replay: database is not in replica mode", nil)
	}
	if !e.db.HasPrivilege(requiredPrivilege) {
		return replerr.FatalErr(fmt.Sprintf("replay: caller lacks %s", requiredPrivilege), nil)
	}
	if e.db.ReadOnly() {
		return replerr.FatalErr("replay: database is read-only", nil)
	}
	e.preconditionsChecked = true
	return nil
}

// Options configures a new Engine.
type Options struct {
	Target       string
	Dir          string
	SourceGUID   uuid.UUID
	PreserveMode bool
	Database     localdb.Database
	Applier      *applier.Applier
}

// New constructs an Engine. The Control File is not opened until the
// first Sweep, since it is opened against the sequence of the first
// segment actually found (spec.md §4.4).
func New(opts Options) *Engine {
	return &Engine{
		target:       opts.Target,
		dir:          opts.Dir,
		sourceGUID:   opts.SourceGUID,
		preserveMode: opts.PreserveMode,
		db:           opts.Database,
		app:          opts.Applier,
	}
}

// Close releases the Control File's exclusive lock.
func (e *Engine) Close() error {
	if e.cf == nil {
		return nil
	}
	return e.cf.Close()
}

// Sweep performs one pass: it replays at most one segment's worth of
// progress and returns the outcome describing what the worker supervisor
// should do next.
func (e *Engine) Sweep(ctx context.Context) (Outcome, error) {
	if err := e.checkPreconditions(); err != nil {
		return Error, err
	}

	var guidFilter *uuid.UUID
	if e.sourceGUID != uuid.Nil {
		guidFilter = &e.sourceGUID
	}

	segs, err := scanner.Scan(scanner.Options{Dir: e.dir, SourceGUID: guidFilter, PreserveMode: e.preserveMode})
	if err != nil {
		return Error, replerr.SweepErr("replay: scan source directory", err)
	}
	if len(segs) == 0 {
		metrics.ReplicationLagSegments.WithLabelValues(e.target).Set(0)
		return Suspend, nil
	}

	if e.sourceGUID == uuid.Nil {
		e.sourceGUID = segs[0].Header.SourceGUID
		logx.Info("replay[%s]: pinned to source GUID %s (first segment observed)", e.target, e.sourceGUID)
	}

	if e.cf == nil {
		cf, err := controlfile.Open(e.dir, e.sourceGUID, segs[0].Header.Sequence)
		if err != nil {
			return Error, err
		}
		e.cf = cf
	}

	dbSeq, err := e.db.GetReplicationSequence(ctx)
	if err != nil {
		return Error, replerr.SweepErr("replay: get replication sequence", err)
	}

	snap := e.cf.Snapshot()
	if dbSeq != snap.DBSequence {
		logx.Warn("replay[%s]: master replication sequence changed (%d -> %d), resyncing control state", e.target, snap.DBSequence, dbSeq)
		if err := e.cf.Reset(dbSeq, dbSeq); err != nil {
			return Error, err
		}
		e.app.DiscardAll()
		snap = e.cf.Snapshot()
	}

	queue := make([]scanner.LogSegment, 0, len(segs))
	for _, s := range segs {
		if s.Header.Sequence <= dbSeq {
			if err := os.Remove(s.Filename); err != nil && !os.IsNotExist(err) {
				logx.Warn("replay[%s]: failed to remove fast-forwarded segment %s: %v", e.target, s.Filename, err)
			}
			metrics.SegmentsFastForwardedTotal.WithLabelValues(e.target).Inc()
			continue
		}
		queue = append(queue, s)
	}
	metrics.ReplicationLagSegments.WithLabelValues(e.target).Set(float64(len(queue)))
	if len(queue) == 0 {
		return Suspend, nil
	}

	threshold := thresholdSequence(snap)
	nextSeq := snap.Sequence + 1
	if len(e.app.ActiveTransactionIDs()) == 0 {
		nextSeq = threshold
	}

	seg := queue[0]
	seq := seg.Header.Sequence

	switch {
	case seq > nextSeq:
		return Error, replerr.SweepErr("replay: gap detected", fmt.Errorf("expected segment %d, found %d", nextSeq, seq))
	case seq < nextSeq:
		if err := os.Remove(seg.Filename); err != nil && !os.IsNotExist(err) {
			logx.Warn("replay[%s]: failed to remove superseded segment %s: %v", e.target, seg.Filename, err)
		}
		return Continue, nil
	}

	outcome, err := e.replaySegment(ctx, seg, snap)
	if err != nil {
		return Error, err
	}

	e.garbageCollect(queue[1:])
	return outcome, nil
}

// thresholdSequence computes the sequence below which every queued
// segment is already fully reflected in the replica (spec.md §4.4).
func thresholdSequence(snap controlfile.Data) uint64 {
	if len(snap.Active) > 0 {
		oldest := snap.Active[0].Sequence
		for _, tx := range snap.Active[1:] {
			if tx.Sequence < oldest {
				oldest = tx.Sequence
			}
		}
		return oldest
	}
	if snap.Offset > 0 {
		return snap.Sequence
	}
	return snap.Sequence + 1
}

// garbageCollect deletes any already-scanned but not-yet-replayed segment
// that the current control state shows is safely superseded.
func (e *Engine) garbageCollect(rest []scanner.LogSegment) {
	snap := e.cf.Snapshot()
	threshold := thresholdSequence(snap)
	for _, s := range rest {
		if s.Header.Sequence < threshold {
			if err := os.Remove(s.Filename); err != nil && !os.IsNotExist(err) {
				logx.Warn("replay[%s]: failed to garbage collect segment %s: %v", e.target, s.Filename, err)
			}
		}
	}
}

// replaySegment iterates every block of seg from the start, applying each
// through the Applier unless rewind mode excludes it. Iteration always
// starts at byte 0, even when resuming mid-segment: a still-open
// transaction's earlier blocks must be re-fed to the Applier so its
// in-memory transaction map is reconstructed after a crash (spec.md
// §4.4, §8 scenario 4). Rewind gating, not the start position, is what
// prevents already-applied effects from being double-applied.
func (e *Engine) replaySegment(ctx context.Context, seg scanner.LogSegment, snap controlfile.Data) (Outcome, error) {
	r, err := segment.Open(seg.Filename)
	if err != nil {
		return Error, replerr.SweepErr("replay: open segment", err)
	}
	defer r.Close()

	buf, err := r.Bytes()
	if err != nil {
		return Error, replerr.SweepErr("replay: read segment", err)
	}
	if len(buf) < wire.HeaderSize {
		return Error, replerr.SweepErr("replay: segment shrank below header size since scan", nil)
	}

	header, err := wire.DecodeHeader(buf)
	if err != nil {
		return Error, replerr.SweepErr("replay: decode segment header", err)
	}
	if !header.Equal(seg.Header) {
		return Error, replerr.SweepErr("replay: segment was rewritten concurrently", nil)
	}

	body := buf[wire.HeaderSize:]

	active := activeMap(snap.Active)
	it := wire.NewBlockIterator(body)

	for !it.Done() {
		select {
		case <-ctx.Done():
			return Suspend, ctx.Err()
		default:
		}

		blk, err := it.Next()
		if err != nil {
			return Error, replerr.SweepErr("replay: decode block", err)
		}

		rewind := seg.Header.Sequence < snap.Sequence ||
			(seg.Header.Sequence == snap.Sequence && (snap.Offset == 0 || blk.Start < snap.Offset))

		apply := true
		if rewind && blk.Header.TraNumber != 0 {
			if _, open := active[blk.Header.TraNumber]; !open {
				apply = false
			}
		}

		if apply {
			if err := e.applyBlock(ctx, blk); err != nil {
				return Error, replerr.Wrap(err, "replay: apply block")
			}
			metrics.BlocksAppliedTotal.WithLabelValues(e.target).Inc()
		}

		if blk.Header.Flags.HasBegin() && blk.Header.TraNumber != 0 {
			active[blk.Header.TraNumber] = seg.Header.Sequence
		}
		if blk.Header.Flags.HasEnd() {
			if blk.Header.TraNumber == 0 {
				if !rewind {
					active = make(map[uint64]uint64)
				}
			} else {
				delete(active, blk.Header.TraNumber)
			}
		}

		if err := e.cf.SavePartial(seg.Header.Sequence, blk.End, activeSlice(active)); err != nil {
			return Error, err
		}
	}

	if err := e.cf.SaveComplete(seg.Header.Sequence, activeSlice(active)); err != nil {
		return Error, err
	}
	metrics.SegmentsReplayedTotal.WithLabelValues(e.target).Inc()

	referenced := false
	for _, firstSeq := range active {
		if firstSeq == seg.Header.Sequence {
			referenced = true
			break
		}
	}
	if !referenced {
		if err := os.Remove(seg.Filename); err != nil && !os.IsNotExist(err) {
			logx.Warn("replay[%s]: failed to remove fully-replayed segment %s: %v", e.target, seg.Filename, err)
		}
	}

	return Continue, nil
}

func activeMap(list []controlfile.ActiveTransaction) map[uint64]uint64 {
	m := make(map[uint64]uint64, len(list))
	for _, a := range list {
		m[a.TraID] = a.Sequence
	}
	return m
}

func activeSlice(m map[uint64]uint64) []controlfile.ActiveTransaction {
	out := make([]controlfile.ActiveTransaction, 0, len(m))
	for id, seq := range m {
		out = append(out, controlfile.ActiveTransaction{TraID: id, Sequence: seq})
	}
	return out
}
