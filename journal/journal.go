// Package journal implements append-only record journals split into segment
// files.
//
// Every record carries an xxhash checksum. On open, a torn tail left by a
// crash is trimmed from the last segment, and a last segment whose header
// never made it to disk is deleted. Earlier segments are immutable; damage
// there is reported by Replay rather than repaired.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrClosed             = errors.New("journal closed")
	errCorrupted          = errors.New("corrupted journal segment")
)

type Options struct {
	FileName    string // e.g. "ledgers-*.wal"
	MaxFileSize int64  // new segment after this size

	// Invariant identifies the kind of journal; segments written with a
	// different invariant are rejected.
	Invariant [16]byte

	// Sync makes Append durable before it returns.
	Sync bool

	Now    func() time.Time
	Logger *slog.Logger
}

const DefaultMaxFileSize = 16 * 1024 * 1024

type segmentFile struct {
	name    string
	ordinal uint32
	size    int64
}

// Journal is safe for concurrent use.
type Journal struct {
	dir         string
	prefix      string
	suffix      string
	maxFileSize int64
	invariant   [16]byte
	sync        bool
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	segments []segmentFile
	records  uint64
	w        *os.File
	writeErr error
	closed   bool
}

// Open opens or creates the journal in dir, repairing the tail of the last
// segment if needed.
func Open(dir string, o Options) (*Journal, error) {
	if o.FileName == "" {
		o.FileName = "*"
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	j := &Journal{
		dir:         dir,
		prefix:      prefix,
		suffix:      suffix,
		maxFileSize: o.MaxFileSize,
		invariant:   o.Invariant,
		sync:        o.Sync,
		now:         o.Now,
		logger:      o.Logger,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := j.listSegments(); err != nil {
		return nil, err
	}
	if err := j.recoverTail(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.dir
}

func (j *Journal) path(name string) string {
	return filepath.Join(j.dir, name)
}

func (j *Journal) listSegments() error {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if !ent.Type().IsRegular() || !strings.HasPrefix(name, j.prefix) || !strings.HasSuffix(name, j.suffix) {
			continue
		}
		ord, _, err := parseSegmentName(j.prefix, j.suffix, name)
		if err != nil {
			j.logger.Warn("journal: ignoring unrecognized file", "dir", j.dir, "file", name)
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return err
		}
		j.segments = append(j.segments, segmentFile{name, ord, info.Size()})
	}
	slices.SortFunc(j.segments, func(a, b segmentFile) int {
		return int(int64(a.ordinal) - int64(b.ordinal))
	})
	for i := 1; i < len(j.segments); i++ {
		if j.segments[i].ordinal == j.segments[i-1].ordinal {
			return fmt.Errorf("journal %s: duplicate segment %d", j.dir, j.segments[i].ordinal)
		}
	}
	return nil
}

func (j *Journal) checkHeader(h *segmentHeader, seg *segmentFile) error {
	if h.Ordinal != seg.ordinal {
		return errCorrupted
	}
	if h.Invariant != j.invariant {
		return fmt.Errorf("%w: %s", ErrIncompatible, seg.name)
	}
	return nil
}

// recoverTail validates the last segment, deleting it if its header is
// incomplete and truncating any partial record at its end.
func (j *Journal) recoverTail() error {
	for len(j.segments) > 0 {
		seg := &j.segments[len(j.segments)-1]
		buf, err := os.ReadFile(j.path(seg.name))
		if err != nil {
			return err
		}

		var h segmentHeader
		err = decodeSegmentHeader(buf, &h)
		if err == nil {
			err = j.checkHeader(&h, seg)
		}
		if err == errCorrupted {
			j.logger.Warn("journal: deleting corrupted segment", "dir", j.dir, "file", seg.name, "size", len(buf))
			if err := os.Remove(j.path(seg.name)); err != nil {
				return fmt.Errorf("journal: failed to delete corrupted segment: %w", err)
			}
			j.segments = j.segments[:len(j.segments)-1]
			continue
		} else if err != nil {
			return err
		}

		var count uint64
		end, _ := scanRecords(buf[segmentHeaderSize:], func([]byte) error {
			count++
			return nil
		})
		end += segmentHeaderSize
		if end < len(buf) {
			j.logger.Warn("journal: truncating torn tail", "dir", j.dir, "file", seg.name, "size", len(buf), "valid", end)
			if err := os.Truncate(j.path(seg.name), int64(end)); err != nil {
				return err
			}
		}
		seg.size = int64(end)
		j.records = h.FirstRecord + count
		return nil
	}
	return nil
}

// Records returns the number of records in the journal.
func (j *Journal) Records() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// SegmentNames returns the segment file names in order.
func (j *Journal) SegmentNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, len(j.segments))
	for i, seg := range j.segments {
		names[i] = seg.name
	}
	return names
}

// Append writes one non-empty record. A write failure is sticky: the
// journal refuses further appends.
func (j *Journal) Append(data []byte) error {
	if len(data) == 0 {
		return errors.New("journal: empty record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}

	if err := j.prepareSegment_locked(); err != nil {
		return j.fail_locked(err)
	}
	buf := appendRecord(nil, data)
	if _, err := j.w.Write(buf); err != nil {
		return j.fail_locked(err)
	}
	if j.sync {
		if err := fdatasync(j.w); err != nil {
			return j.fail_locked(err)
		}
	}
	j.segments[len(j.segments)-1].size += int64(len(buf))
	j.records++
	return nil
}

// prepareSegment_locked makes j.w the file to append to, continuing the
// last segment unless it is full.
func (j *Journal) prepareSegment_locked() error {
	n := len(j.segments)
	if n > 0 && j.segments[n-1].size < j.maxFileSize {
		if j.w == nil {
			f, err := os.OpenFile(j.path(j.segments[n-1].name), os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				return err
			}
			j.w = f
		}
		return nil
	}

	if j.w != nil {
		if err := j.w.Close(); err != nil {
			return err
		}
		j.w = nil
	}
	var ord uint32 = 1
	if n > 0 {
		ord = j.segments[n-1].ordinal + 1
	}
	ts := j.timestamp()
	name := formatSegmentName(j.prefix, j.suffix, ord, ts)
	f, err := os.OpenFile(j.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	hdr := encodeSegmentHeader(&segmentHeader{
		Ordinal:     ord,
		Timestamp:   ts,
		FirstRecord: j.records,
		Invariant:   j.invariant,
	})
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	j.segments = append(j.segments, segmentFile{name, ord, segmentHeaderSize})
	j.w = f
	j.logger.Debug("journal: started segment", "dir", j.dir, "file", name, "first_record", j.records)
	return nil
}

func (j *Journal) timestamp() uint32 {
	v := j.now().Unix()
	if v < 0 || v > 0xFFFF_FFFF {
		panic("time travel disallowed")
	}
	return uint32(v)
}

func (j *Journal) fail_locked(err error) error {
	j.logger.Error("journal: write failed", "dir", j.dir, "err", err)
	j.writeErr = err
	if j.w != nil {
		j.w.Close()
		j.w = nil
	}
	return err
}

// Replay calls fn for every record in append order. data is only valid
// during the call. Appends wait until Replay returns.
func (j *Journal) Replay(ctx context.Context, fn func(data []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	for i := range j.segments {
		if err := j.replaySegment(ctx, &j.segments[i], fn); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replaySegment(ctx context.Context, seg *segmentFile, fn func(data []byte) error) error {
	f, err := os.Open(j.path(seg.name))
	if err != nil {
		return err
	}
	defer f.Close()
	if seg.size < segmentHeaderSize {
		return fmt.Errorf("%w: %s is %d bytes", errCorrupted, seg.name, seg.size)
	}
	buf, unmap, err := mapFile(f, int(seg.size))
	if err != nil {
		return fmt.Errorf("journal: mapping %s: %w", seg.name, err)
	}
	defer unmap()

	var h segmentHeader
	if err := decodeSegmentHeader(buf, &h); err != nil {
		return fmt.Errorf("journal: %s: %w", seg.name, err)
	}
	if err := j.checkHeader(&h, seg); err != nil {
		return fmt.Errorf("journal: %s: %w", seg.name, err)
	}
	body := buf[segmentHeaderSize:]
	end, err := scanRecords(body, func(data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(data)
	})
	if err != nil {
		return err
	}
	if end != len(body) {
		return fmt.Errorf("journal: %s: %w at offset %d", seg.name, errCorrupted, segmentHeaderSize+end)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.w != nil {
		err := j.w.Close()
		j.w = nil
		return err
	}
	return nil
}
