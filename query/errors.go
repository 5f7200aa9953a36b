package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/driver"
)

const (
	CodeInvalidParams  = "invalidParams"
	CodeObjectNotFound = "objectNotFound"
	CodeLedgerNotFound = "lgrNotFound"
	CodeDBTimeout      = "dbTimeout"
	CodeInternal       = "internal"
)

// RPCError is the client-facing form of a query error.
type RPCError struct {
	Code       string `json:"error"`
	Message    string `json:"error_message"`
	HTTPStatus int    `json:"-"`

	Err error `json:"-"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// ToRPCError classifies err. Internal details of unexpected errors are not
// exposed in the message.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var re *RPCError
	if errors.As(err, &re) {
		return re
	}

	var (
		ve *tokenidx.ValidationError
		nf *tokenidx.NotFoundError
		ie *tokenidx.InternalError
		de *driver.DriverError
	)
	switch {
	case errors.As(err, &ve):
		return &RPCError{CodeInvalidParams, ve.Error(), http.StatusBadRequest, err}
	case errors.As(err, &nf) && nf.IsLedger():
		return &RPCError{CodeLedgerNotFound, "ledger not found", http.StatusNotFound, err}
	case errors.As(err, &nf):
		return &RPCError{CodeObjectNotFound, "object not found", http.StatusNotFound, err}
	case errors.As(err, &ie):
		return &RPCError{CodeInternal, "internal error", http.StatusInternalServerError, err}
	case errors.As(err, &de) && isTransient(de.Code):
		return &RPCError{CodeDBTimeout, "database timeout", http.StatusServiceUnavailable, err}
	case errors.Is(err, context.DeadlineExceeded):
		return &RPCError{CodeDBTimeout, "database timeout", http.StatusServiceUnavailable, err}
	default:
		return &RPCError{CodeInternal, "internal error", http.StatusInternalServerError, err}
	}
}

func isTransient(code driver.Code) bool {
	switch code {
	case driver.CodeLibRequestQueueFull, driver.CodeServerUnavailable, driver.CodeServerOverloaded:
		return true
	}
	return code.IsTimeout()
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}
