package tokenidx

import (
	"errors"
	"testing"
)

func TestMustAndEnsure(t *testing.T) {
	if got := must(42, nil); got != 42 {
		t.Fatalf("must = %d, wanted 42", got)
	}
	assertPanics(t, func() { _ = must(0, errors.New("boom")) })
	assertPanics(t, func() { ensure(errors.New("boom")) })
	ensure(nil)
}

func TestNonNil(t *testing.T) {
	var b storageBucket
	assertPanics(t, func() { nonNil(b) })
	if got := nonNil("x"); got != "x" {
		t.Fatalf("nonNil = %q, wanted x", got)
	}
}

func TestHexstr(t *testing.T) {
	deepEqual(t, hexstr(nil), "<nil>")
	deepEqual(t, hexstr([]byte{}), "<empty>")
	deepEqual(t, hexstr([]byte{0xAB, 0x01}), "ab01")
	deepEqual(t, hexAttr("k", []byte{0x10}).Value.String(), "10")
}
