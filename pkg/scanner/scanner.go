// Package scanner enumerates candidate segment files in a source
// directory, validates their headers, and orders them by sequence number
// (spec.md §4.3, the Segment Scanner component C3).
package scanner

import (
	"container/heap"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/downfa11-org/replicad/internal/logx"
	"github.com/downfa11-org/replicad/pkg/wire"
)

// LogSegment is a discovered, header-validated segment file.
type LogSegment struct {
	Filename string
	Header   wire.SegmentHeader
}

// Options configures one scan of a source directory.
type Options struct {
	Dir          string
	SourceGUID   *uuid.UUID // nil means "no GUID filter configured"
	PreserveMode bool       // when true, skip "~"-prefixed names
}

// isProducerTempFile reports whether name is a producer temp file: it
// simultaneously contains '{', '}', and '-' (spec.md §4.3 / §6).
func isProducerTempFile(name string) bool {
	return strings.ContainsAny(name, "{") && strings.ContainsAny(name, "}") && strings.ContainsAny(name, "-")
}

// isSharingViolation reports whether err looks like another process has
// the file open exclusively. The only portable stdlib signal is a
// permission-denied style error; producers on POSIX typically won't
// contend this way, so this is a conservative heuristic kept narrow on
// purpose (spec.md §4.3 point 3, §7 "sharing violation").
func isSharingViolation(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// Scan walks opts.Dir once and returns the discovered segments ordered by
// header sequence number. FREE-state files are deleted as a side effect
// (spec.md §4.3 point 6).
func Scan(opts Options) ([]LogSegment, error) {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	pq := &segmentHeap{}
	heap.Init(pq)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if isProducerTempFile(name) {
			continue
		}
		if opts.PreserveMode && strings.HasPrefix(name, "~") {
			continue
		}
		if opts.SourceGUID != nil && name == opts.SourceGUID.String() {
			// Control files for other processes share this directory in
			// some deployments; never mistake one for a segment.
			continue
		}

		path := filepath.Join(opts.Dir, name)
		seg, skip, err := inspect(path, opts)
		if err != nil {
			logx.Warn("scanner: %s: %v", name, err)
			continue
		}
		if skip {
			continue
		}

		heap.Push(pq, seg)
	}

	out := make([]LogSegment, 0, pq.Len())
	for pq.Len() > 0 {
		out = append(out, heap.Pop(pq).(LogSegment))
	}
	return out, nil
}

// inspect opens, validates, and classifies one candidate file. skip==true
// means the file was recoverably rejected (spec.md §7 category 2) and the
// queue walk continues without it.
func inspect(path string, opts Options) (seg LogSegment, skip bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if isSharingViolation(err) {
			return LogSegment{}, true, nil
		}
		return LogSegment{}, true, err
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr != nil {
		return LogSegment{}, true, statErr
	}
	if info.Size() < wire.HeaderSize {
		return LogSegment{}, true, nil
	}

	buf := make([]byte, wire.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return LogSegment{}, true, err
	}

	header, err := wire.DecodeHeader(buf)
	if err != nil {
		return LogSegment{}, true, nil
	}

	if string(header.Signature[:len(wire.Signature)]) != wire.Signature {
		return LogSegment{}, true, nil
	}
	if header.Version != wire.LogVersion {
		return LogSegment{}, true, nil
	}
	if header.Protocol != wire.ProtocolVersion {
		return LogSegment{}, true, nil
	}
	if header.State > wire.StateArch {
		return LogSegment{}, true, nil
	}
	if opts.SourceGUID != nil && header.SourceGUID != *opts.SourceGUID {
		return LogSegment{}, true, nil
	}

	if header.State == wire.StateFree {
		if err := os.Remove(path); err != nil {
			logx.Warn("scanner: failed to remove stale FREE segment %s: %v", path, err)
		} else {
			logx.Debug("scanner: removed stale FREE segment %s", path)
		}
		return LogSegment{}, true, nil
	}

	if !header.State.IsReplayable() {
		return LogSegment{}, true, nil
	}

	return LogSegment{Filename: path, Header: header}, false, nil
}
