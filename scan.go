package tokenidx

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// rawRange is an ascending range of byte strings: keys with the given
// prefix, starting at Lower (inclusive or exclusive).
type rawRange struct {
	Prefix   []byte
	Lower    []byte
	LowerInc bool
}

func (r *rawRange) start(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	var skipInitial bool
	lower := r.Lower
	if lower != nil {
		skipInitial = !r.LowerInc
		if r.Prefix != nil && !bytes.HasPrefix(lower, r.Prefix) {
			panic("lower bound does not match prefix")
		}
	} else if r.Prefix != nil {
		lower = r.Prefix
	}
	if lower != nil {
		k, v = bcur.Seek(lower)
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", hexAttr("lower", lower), hexAttr("key", k), hexAttr("val", v))
		}
		if skipInitial && !bytes.Equal(k, lower) {
			skipInitial = false
		}
	} else {
		k, v = bcur.First()
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "FIRST", hexAttr("key", k), hexAttr("val", v))
		}
	}
	if k != nil && r.match(k, v, logger) {
		if skipInitial {
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SKIP_INITIAL")
			}
			return r.next(bcur, logger)
		} else {
			return k, v
		}
	} else {
		return nil, nil
	}
}

func (r *rawRange) next(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	k, v := bcur.Next()
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k), hexAttr("val", v))
	}
	if k != nil && r.match(k, v, logger) {
		return k, v
	} else {
		return nil, nil
	}
}

func (r *rawRange) match(k, v []byte, logger *slog.Logger) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k), hexAttr("val", v))
		}
		return false
	}
	return true
}

func (r *rawRange) newCursor(bcur storageCursor, logger *slog.Logger) *rawRangeCursor {
	return &rawRangeCursor{rang: *r, bcur: bcur, logger: logger}
}

type rawRangeCursor struct {
	rang   rawRange
	bcur   storageCursor
	logger *slog.Logger
	k, v   []byte
	init   bool
}

func (c *rawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *rawRangeCursor) Key() []byte   { return c.k }
func (c *rawRangeCursor) Value() []byte { return c.v }

func (c *rawRangeCursor) Close() { c.bcur.Close() }
