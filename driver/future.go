package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// handle is the native state of one asynchronous operation. It is shared by
// the Future that issued it and the driver goroutine executing it; each side
// holds one reference and the handle is freed by whichever drops the last.
type handle struct {
	id      uint64
	label   string
	route   uint64
	op      func() (any, error)
	created time.Time
	d       *Driver

	done chan struct{}

	mu        sync.Mutex
	completed bool
	cbSet     bool
	cb        func()

	// written once before done is closed
	code    Code
	message string
	cause   error
	err     error // pre-composed error of derived and pre-failed handles
	value   any

	refs  atomic.Int32
	freed atomic.Bool
}

func newHandle(d *Driver, label string) *handle {
	h := &handle{
		label:   label,
		created: time.Now(),
		d:       d,
		done:    make(chan struct{}),
	}
	h.refs.Store(1)
	if d != nil {
		d.handleAllocated(h)
	}
	return h
}

func (h *handle) retain() {
	if h.refs.Add(1) <= 1 {
		panic(fmt.Errorf("driver: retain of freed handle %q", h.label))
	}
}

func (h *handle) release() {
	n := h.refs.Add(-1)
	if n < 0 {
		panic(fmt.Errorf("driver: handle %q released too many times", h.label))
	}
	if n == 0 {
		h.free()
	}
}

func (h *handle) free() {
	if !h.freed.CompareAndSwap(false, true) {
		panic(fmt.Errorf("driver: double free of handle %q", h.label))
	}
	h.mu.Lock()
	h.cb = nil
	h.value = nil
	h.op = nil
	h.mu.Unlock()
	if h.d != nil {
		h.d.handleFreed(h)
	}
}

// complete moves the handle to its terminal state and runs the registered
// continuation, if any, on the calling goroutine.
func (h *handle) complete(value any, code Code, message string, cause, err error) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		panic(fmt.Errorf("driver: handle %q completed twice", h.label))
	}
	h.value, h.code, h.message, h.cause, h.err = value, code, message, cause, err
	h.completed = true
	cb := h.cb
	h.cb = nil
	close(h.done)
	h.mu.Unlock()

	if cb != nil {
		h.invoke(cb)
	}
}

func (h *handle) invoke(cb func()) {
	defer func() {
		if e := recover(); e != nil {
			logger := slog.Default()
			if h.d != nil {
				logger = h.d.logger
			}
			logger.Error("driver: continuation panicked", "op", h.label, "panic", e)
		}
	}()
	cb()
}

// Future is the eventual result of one asynchronous operation.
//
// The zero Future is not usable; futures come from Execute, Then, Completed
// and Failed.
type Future[T any] struct {
	h        *handle
	released atomic.Bool
}

func wrap[T any](h *handle) *Future[T] {
	return &Future[T]{h: h}
}

// Completed returns an already successful future.
func Completed[T any](label string, value T) *Future[T] {
	h := newHandle(nil, label)
	h.complete(value, CodeOK, "", nil, nil)
	return wrap[T](h)
}

// Failed returns an already failed future. A *DriverError is returned from
// Wait unchanged; any other error is reported under CodeLibInternalError.
func Failed[T any](label string, err error) *Future[T] {
	h := newHandle(nil, label)
	if _, ok := err.(*DriverError); ok {
		h.complete(nil, CodeOK, "", nil, err)
	} else {
		h.complete(nil, CodeLibInternalError, err.Error(), err, nil)
	}
	return wrap[T](h)
}

func (f *Future[T]) live() *handle {
	if f.released.Load() {
		panic(fmt.Errorf("driver: use of released future %q", f.h.label))
	}
	return f.h
}

func (f *Future[T]) Label() string {
	return f.h.label
}

// Done is closed when the operation reaches its terminal state.
func (f *Future[T]) Done() <-chan struct{} {
	return f.live().done
}

// Wait blocks the calling goroutine until the operation completes or ctx is
// done. Once complete, every call returns the same result. Cancelling ctx
// abandons the wait only; the operation still runs to completion.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	h := f.live()
	select {
	case <-h.done:
		return result[T](h)
	default:
	}
	select {
	case <-h.done:
		return result[T](h)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get is Wait without a deadline.
func (f *Future[T]) Get() (T, error) {
	return f.Wait(context.Background())
}

// OnComplete registers the continuation, invoked exactly once with the
// terminal result. It runs on the driver goroutine that completed the
// operation, or synchronously before OnComplete returns if the operation has
// already completed. Only one continuation may be registered.
func (f *Future[T]) OnComplete(fn func(T, error)) error {
	h := f.live()
	h.mu.Lock()
	if h.cbSet {
		h.mu.Unlock()
		return newDriverError(CodeLibCallbackAlreadySet, h.label, "", nil)
	}
	h.cbSet = true
	cb := func() {
		fn(result[T](h))
	}
	if h.completed {
		h.mu.Unlock()
		h.invoke(cb)
		return nil
	}
	h.cb = cb
	h.mu.Unlock()
	return nil
}

// Release drops the caller's interest in the operation. A pending operation
// keeps running and a registered continuation still fires. The future must
// not be used afterwards. Releasing twice is a no-op.
func (f *Future[T]) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.h.release()
	}
}

// Then returns a future of fn applied to the successful result of f. Errors
// of f pass through unchanged and skip fn; an error returned by fn is the
// error of the derived future. Then consumes f: it registers f's continuation
// and releases it.
func Then[T, U any](f *Future[T], label string, fn func(T) (U, error)) *Future[U] {
	src := f.live()
	h := newHandle(src.d, label)
	h.retain() // held by the continuation below
	err := f.OnComplete(func(v T, err error) {
		defer h.release()
		if err != nil {
			h.complete(nil, CodeOK, "", nil, err)
			return
		}
		u, err := callMapper(label, fn, v)
		if err != nil {
			h.complete(nil, CodeOK, "", nil, err)
			return
		}
		h.complete(u, CodeOK, "", nil, nil)
	})
	if err != nil {
		panic(fmt.Errorf("driver: Then on future %q with a continuation already registered", src.label))
	}
	f.Release()
	return wrap[U](h)
}

func callMapper[T, U any](label string, fn func(T) (U, error), v T) (u U, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = newDriverError(CodeLibInternalError, label, fmt.Sprint(e), nil)
		}
	}()
	return fn(v)
}

func result[T any](h *handle) (T, error) {
	var zero T
	if h.code != CodeOK {
		return zero, newDriverError(h.code, h.label, h.message, h.cause)
	}
	if h.err != nil {
		return zero, h.err
	}
	v, _ := h.value.(T)
	return v, nil
}

// newDriverError composes "label: description[: detail]".
func newDriverError(code Code, label, detail string, cause error) *DriverError {
	message := code.Desc()
	if detail != "" && detail != message {
		message += ": " + detail
	}
	if label != "" {
		message = label + ": " + message
	}
	return &DriverError{Code: code, Message: message, Err: cause}
}
