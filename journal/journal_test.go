package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		FileName:  "j*.wal",
		Invariant: [16]byte{'t', 'e', 's', 't'},
		Now:       func() time.Time { return start },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func open(t testing.TB, dir string, o Options) *Journal {
	t.Helper()
	j, err := Open(dir, o)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func replayAll(t testing.TB, j *Journal) []string {
	t.Helper()
	var recs []string
	err := j.Replay(context.Background(), func(data []byte) error {
		recs = append(recs, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return recs
}

func appendAll(j *Journal, recs ...string) {
	for _, r := range recs {
		ensure(j.Append([]byte(r)))
	}
}

func TestJournal_trivial(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir, testOptions())
	appendAll(j, "hello", "w", "orld")
	deepEq(t, j.Records(), uint64(3))
	deepEq(t, j.SegmentNames(), []string{"j000000000001-20240101T000000.wal"})
	deepEq(t, replayAll(t, j), []string{"hello", "w", "orld"})
	ensure(j.Close())

	data := must(os.ReadFile(filepath.Join(dir, "j000000000001-20240101T000000.wal")))
	deepEq(t, len(data), segmentHeaderSize+3*(1+recordChecksumSize)+len("hello")+len("w")+len("orld"))
	deepEq(t, binary.LittleEndian.Uint64(data), uint64(magic))
	deepEq(t, string(data[segmentHeaderSize:segmentHeaderSize+6]), "\x05hello")

	j = open(t, dir, testOptions())
	deepEq(t, j.Records(), uint64(3))
	appendAll(j, "again")
	deepEq(t, replayAll(t, j), []string{"hello", "w", "orld", "again"})
}

func TestJournal_headerSize(t *testing.T) {
	deepEq(t, binary.Size(segmentHeader{}), segmentHeaderSize)
}

func TestJournal_rotation(t *testing.T) {
	dir := t.TempDir()
	o := testOptions()
	o.MaxFileSize = segmentHeaderSize + 20
	j := open(t, dir, o)
	for i := range 10 {
		appendAll(j, strings.Repeat(string(rune('a'+i)), 8))
	}
	names := j.SegmentNames()
	deepEq(t, len(names), 5)
	deepEq(t, names[4], "j000000000005-20240101T000000.wal")
	ensure(j.Close())

	j = open(t, dir, o)
	deepEq(t, j.Records(), uint64(10))
	appendAll(j, "zz")
	deepEq(t, len(j.SegmentNames()), 6)
	recs := replayAll(t, j)
	deepEq(t, len(recs), 11)
	deepEq(t, recs[0], "aaaaaaaa")
	deepEq(t, recs[9], "jjjjjjjj")
	deepEq(t, recs[10], "zz")
}

func TestJournal_tornTail(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir, testOptions())
	appendAll(j, "one", "two")
	ensure(j.Close())

	fn := filepath.Join(dir, j.SegmentNames()[0])
	valid := must(os.Stat(fn)).Size()
	f := must(os.OpenFile(fn, os.O_WRONLY|os.O_APPEND, 0))
	must(f.Write(appendRecord(nil, []byte("three"))[:6]))
	ensure(f.Close())

	j = open(t, dir, testOptions())
	deepEq(t, j.Records(), uint64(2))
	deepEq(t, must(os.Stat(fn)).Size(), valid)
	appendAll(j, "four")
	deepEq(t, replayAll(t, j), []string{"one", "two", "four"})
}

func TestJournal_incompleteSegmentDeleted(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir, testOptions())
	appendAll(j, "one")
	ensure(j.Close())

	junk := filepath.Join(dir, "j000000000002-20240101T000000.wal")
	ensure(os.WriteFile(junk, []byte("JOURN"), 0o644))

	j = open(t, dir, testOptions())
	deepEq(t, j.SegmentNames(), []string{"j000000000001-20240101T000000.wal"})
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Errorf("** corrupted segment still exists: %v", err)
	}
	deepEq(t, replayAll(t, j), []string{"one"})
}

func TestJournal_incompatible(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir, testOptions())
	appendAll(j, "one")
	ensure(j.Close())

	o := testOptions()
	o.Invariant = [16]byte{'o', 't', 'h', 'e', 'r'}
	_, err := Open(dir, o)
	if !errors.Is(err, ErrIncompatible) {
		t.Errorf("** Open err = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_damageInOlderSegment(t *testing.T) {
	dir := t.TempDir()
	o := testOptions()
	o.MaxFileSize = segmentHeaderSize + 1
	j := open(t, dir, o)
	appendAll(j, "first", "second")
	ensure(j.Close())

	fn := filepath.Join(dir, j.SegmentNames()[0])
	data := must(os.ReadFile(fn))
	data[segmentHeaderSize+2] ^= 0xFF
	ensure(os.WriteFile(fn, data, 0o644))

	j = open(t, dir, o)
	err := j.Replay(context.Background(), func([]byte) error { return nil })
	if !errors.Is(err, errCorrupted) {
		t.Errorf("** Replay err = %v, wanted corruption", err)
	}
}

func TestJournal_replayStopsOnError(t *testing.T) {
	j := open(t, t.TempDir(), testOptions())
	appendAll(j, "a", "b", "c")
	stop := errors.New("stop")
	var seen int
	err := j.Replay(context.Background(), func(data []byte) error {
		seen++
		if string(data) == "b" {
			return stop
		}
		return nil
	})
	deepEq(t, err, stop)
	deepEq(t, seen, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = j.Replay(ctx, func([]byte) error { return nil })
	deepEq(t, err, context.Canceled)
}

func TestJournal_closed(t *testing.T) {
	j := open(t, t.TempDir(), testOptions())
	if err := j.Append(nil); err == nil {
		t.Errorf("** empty record accepted")
	}
	ensure(j.Close())
	deepEq(t, j.Append([]byte("x")), ErrClosed)
}

func TestParseName(t *testing.T) {
	ord, ts, err := parseSegmentName("x", ".wal", "x000000000123-20230101T000000.wal")
	if err != nil {
		t.Fatal(err)
	}
	deepEq(t, ord, uint32(123))
	deepEq(t, ts, uint32(1672531200))

	for _, name := range []string{"x123.wal", "x0-20230101T000000.wal", "y000000000001-20230101T000000.wal", "x1-2023.wal"} {
		if _, _, err := parseSegmentName("x", ".wal", name); err == nil {
			t.Errorf("** %q parsed", name)
		}
	}
}

func TestFormatName(t *testing.T) {
	deepEq(t, formatSegmentName("x", "y", 123, 1672531200), "x000000000123-20230101T000000y")
}

func TestParseRecord_damaged(t *testing.T) {
	rec := appendRecord(nil, []byte("hello"))
	data, n, ok := parseRecord(rec)
	deepEq(t, ok, true)
	deepEq(t, string(data), "hello")
	deepEq(t, n, len(rec))

	for i := range rec {
		bad := append([]byte(nil), rec...)
		bad[i] ^= 0x40
		if _, _, ok := parseRecord(bad); ok {
			t.Errorf("** damaged byte %d not detected", i)
		}
	}
	if _, _, ok := parseRecord(rec[:len(rec)-1]); ok {
		t.Errorf("** truncated record accepted")
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
