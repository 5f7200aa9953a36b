package tokenidx

import (
	"fmt"
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// ValidationError rejects a request before any storage call is made.
type ValidationError struct {
	Field string
	Msg   string
}

func validationErrf(field string, format string, args ...any) error {
	return &ValidationError{field, fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NotFoundError is a point lookup that found nothing. Index is empty for
// ledger lookups.
type NotFoundError struct {
	Index string
	Key   string
}

func (e *NotFoundError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("ledger %s not found", e.Key)
	}
	return fmt.Sprintf("%s: %s not found", e.Index, e.Key)
}

func (e *NotFoundError) IsLedger() bool {
	return e.Index == ""
}

// InternalError reports index data that violates the store's invariants,
// e.g. an undecodable record or a stored object that fails to parse.
type InternalError struct {
	Index string
	Key   string
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s/%s: %v", e.Index, e.Key, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
