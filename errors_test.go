package tokenidx

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError(t *testing.T) {
	inner := errors.New("inner")
	err := dataErrf([]byte{0xAB}, 0, inner, "bad %s", "thing")
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	deepEqual(t, err.Error(), "bad thing: inner: (1) ab")

	long := make([]byte, 200)
	s := dataErrf(long, 5, nil, "long").Error()
	if !strings.HasPrefix(s, "long: (200) ") || !strings.Contains(s, "...") {
		t.Fatalf("err.Error() = %q, wanted truncated data", s)
	}
}

func TestValidationError(t *testing.T) {
	err := validationErrf("limit", "must be positive, got %d", -1)
	deepEqual(t, err.Error(), "invalid limit: must be positive, got -1")

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "limit" {
		t.Fatalf("errors.As = %v, wanted *ValidationError on limit", err)
	}
}

func TestNotFoundError(t *testing.T) {
	e := &NotFoundError{Index: "nfts", Key: "AB"}
	deepEqual(t, e.Error(), "nfts: AB not found")
	deepEqual(t, e.IsLedger(), false)

	e = &NotFoundError{Key: "42"}
	deepEqual(t, e.Error(), "ledger 42 not found")
	deepEqual(t, e.IsLedger(), true)
}

func TestInternalError(t *testing.T) {
	inner := errors.New("garbage")
	err := error(&InternalError{"nfts", "AB", inner})
	deepEqual(t, err.Error(), "internal error: nfts/AB: garbage")
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
}
