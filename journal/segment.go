package journal

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version1 uint8 = 1
)

// Segment file: segmentHeader record*
//
//	segmentHeader = magic:64 version:8 pad:8 flags:16 ordinal:32 timestamp:32 pad:32
//	                firstRecord:64 invariant:128 checksum:64
//	record        = size:uvarint data:size checksum:64
//
// The record checksum covers the size prefix and the data.
type segmentHeader struct {
	Magic       uint64
	Version     uint8
	_           uint8
	Flags       uint16
	Ordinal     uint32
	Timestamp   uint32
	_           uint32
	FirstRecord uint64
	Invariant   [16]byte
	Checksum    uint64
}

const segmentHeaderSize = 56

const recordChecksumSize = 8

const timestampFmt = "20060102T150405"

func encodeSegmentHeader(h *segmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	h.Magic = magic
	h.Version = version1
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	h.Checksum = xxhash.Sum64(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], h.Checksum)
	return buf
}

// decodeSegmentHeader returns errCorrupted for anything that does not look
// like a complete header, so that a half-created segment can be discarded.
func decodeSegmentHeader(buf []byte, h *segmentHeader) error {
	if len(buf) < segmentHeaderSize {
		return errCorrupted
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	if h.Magic != magic {
		return errCorrupted
	}
	if xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return errCorrupted
	}
	if h.Version > version1 {
		return ErrUnsupportedVersion
	}
	return nil
}

func appendRecord(b []byte, data []byte) []byte {
	start := len(b)
	b = binary.AppendUvarint(b, uint64(len(data)))
	b = append(b, data...)
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b[start:]))
}

// parseRecord decodes the record at the start of buf. ok is false when buf
// starts with a truncated or damaged record.
func parseRecord(buf []byte) (data []byte, n int, ok bool) {
	size, k := binary.Uvarint(buf)
	if k <= 0 || size == 0 || size > uint64(len(buf)) {
		return nil, 0, false
	}
	end := k + int(size)
	if end+recordChecksumSize > len(buf) {
		return nil, 0, false
	}
	if xxhash.Sum64(buf[:end]) != binary.LittleEndian.Uint64(buf[end:]) {
		return nil, 0, false
	}
	return buf[k:end], end + recordChecksumSize, true
}

// scanRecords calls fn for each valid record of a segment body and returns
// the offset just past the last one.
func scanRecords(body []byte, fn func(data []byte) error) (int, error) {
	var off int
	for off < len(body) {
		data, n, ok := parseRecord(body[off:])
		if !ok {
			break
		}
		if fn != nil {
			if err := fn(data); err != nil {
				return off, err
			}
		}
		off += n
	}
	return off, nil
}

func formatSegmentName(prefix, suffix string, ordinal, ts uint32) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s%s", prefix, ordinal, t.Format(timestampFmt), suffix)
}

func parseSegmentName(prefix, suffix, name string) (ordinal, ts uint32, err error) {
	body, ok := strings.CutPrefix(name, prefix)
	if ok {
		body, ok = strings.CutSuffix(body, suffix)
	}
	if !ok {
		return 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	ordStr, tsStr, ok := strings.Cut(body, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(ordStr, 10, 32)
	if err != nil || v == 0 {
		return 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return uint32(v), 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	return uint32(v), uint32(t.Unix()), nil
}
