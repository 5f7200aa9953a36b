// Package driver is an asynchronous storage driver: operations are submitted
// to a fixed set of I/O goroutines and their results are delivered through
// Futures, either by waiting or by a registered continuation.
package driver

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

type Options struct {
	// IOThreads is the number of I/O goroutines; defaults to GOMAXPROCS.
	IOThreads int

	// QueueSize is the per-goroutine submission queue length.
	QueueSize int

	// QueueTimeout bounds how long a submission waits for a full queue
	// before failing with CodeLibRequestQueueFull. Zero waits forever, a
	// negative value fails immediately.
	QueueTimeout time.Duration

	Logger *slog.Logger

	// Registerer receives the driver's collectors; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
	Namespace  string
}

const defaultQueueSize = 1024

// Driver executes operations on its I/O goroutines. Operations sharing a
// routing key run on the same goroutine, in submission order.
type Driver struct {
	logger       *slog.Logger
	queues       []chan *handle
	queueTimeout time.Duration
	metrics      *metrics

	inflight *xsync.MapOf[uint64, *handle]
	lastID   atomic.Uint64
	live     atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
	wg      sync.WaitGroup
}

func New(opt Options) *Driver {
	if opt.IOThreads <= 0 {
		opt.IOThreads = runtime.GOMAXPROCS(0)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Namespace == "" {
		opt.Namespace = "tokenidx"
	}
	d := &Driver{
		logger:       opt.Logger,
		queues:       make([]chan *handle, opt.IOThreads),
		queueTimeout: opt.QueueTimeout,
		metrics:      newMetrics(opt.Namespace, opt.Registerer),
		inflight:     xsync.NewMapOf[uint64, *handle](),
		done:         make(chan struct{}),
	}
	for i := range d.queues {
		q := make(chan *handle, opt.QueueSize)
		d.queues[i] = q
		d.wg.Add(1)
		go d.loop(q)
	}
	return d
}

// Execute submits op for asynchronous execution. The label names the
// operation in error messages.
//
// A continuation that calls Execute on the same driver may block its I/O
// goroutine while the target queue is full, until room frees up or the
// driver is closed.
func Execute[T any](d *Driver, routingKey []byte, label string, op func() (T, error)) *Future[T] {
	h := d.submit(routingKey, label, func() (any, error) {
		return op()
	})
	return wrap[T](h)
}

func (d *Driver) submit(routingKey []byte, label string, op func() (any, error)) *handle {
	h := newHandle(d, label)
	h.id = d.lastID.Add(1)
	h.route = xxhash.Sum64(routingKey)
	h.op = op

	d.closeMu.RLock()
	h.retain() // owned by the pending execution
	d.inflight.Store(h.id, h)
	d.metrics.inflight.Inc()

	if d.closed {
		d.closeMu.RUnlock()
		d.finish(h, nil, CodeLibShutdown, "", nil)
		return h
	}

	q := d.queues[h.route%uint64(len(d.queues))]
	select {
	case q <- h:
		d.closeMu.RUnlock()
		return h
	default:
	}
	if d.queueTimeout < 0 {
		d.closeMu.RUnlock()
		d.finish(h, nil, CodeLibRequestQueueFull, "", nil)
		return h
	}

	// Blocked senders do not hold closeMu; Close aborts them via done and
	// waits for them before closing the queues.
	d.senders.Add(1)
	d.closeMu.RUnlock()
	defer d.senders.Done()

	var timeout <-chan time.Time
	if d.queueTimeout > 0 {
		t := time.NewTimer(d.queueTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case q <- h:
	case <-timeout:
		d.finish(h, nil, CodeLibRequestQueueFull, fmt.Sprintf("no room after %v", d.queueTimeout), nil)
	case <-d.done:
		d.finish(h, nil, CodeLibShutdown, "", nil)
	}
	return h
}

func (d *Driver) loop(q chan *handle) {
	defer d.wg.Done()
	for h := range q {
		value, err := d.call(h)
		if err != nil {
			code, detail, cause := statusOf(err)
			d.finish(h, nil, code, detail, cause)
		} else {
			d.finish(h, value, CodeOK, "", nil)
		}
	}
}

func (d *Driver) call(h *handle) (value any, err error) {
	defer func() {
		if e := recover(); e != nil {
			d.logger.Error("driver: operation panicked", "op", h.label, "panic", e)
			err = WithCode(CodeLibInternalError, fmt.Errorf("panic: %v", e))
		}
	}()
	return h.op()
}

// finish completes h and drops the execution's reference.
func (d *Driver) finish(h *handle, value any, code Code, detail string, cause error) {
	d.inflight.Delete(h.id)
	d.metrics.inflight.Dec()
	d.metrics.completed.WithLabelValues(code.Desc()).Inc()
	d.metrics.latency.Observe(time.Since(h.created).Seconds())
	if code != CodeOK {
		d.logger.Debug("driver: operation failed", "op", h.label, "code", code.Desc(), "detail", detail)
	}
	h.complete(value, code, detail, cause, nil)
	h.release()
}

func (d *Driver) handleAllocated(*handle) {
	d.live.Add(1)
	d.metrics.handles.Inc()
}

func (d *Driver) handleFreed(*handle) {
	d.live.Add(-1)
	d.metrics.handles.Dec()
}

// InFlight returns the number of submitted operations not yet completed.
func (d *Driver) InFlight() int {
	return d.inflight.Size()
}

// LiveHandles returns the number of operation handles not yet freed.
func (d *Driver) LiveHandles() int64 {
	return d.live.Load()
}

// PendingLabels lists the labels of in-flight operations, for diagnostics.
func (d *Driver) PendingLabels() []string {
	var labels []string
	d.inflight.Range(func(_ uint64, h *handle) bool {
		labels = append(labels, h.label)
		return true
	})
	return labels
}

// Close stops accepting operations, runs everything already queued and
// waits for the I/O goroutines to exit. Later submissions, and submissions
// still waiting for room in a full queue, fail with CodeLibShutdown.
func (d *Driver) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.closeMu.Unlock()

	d.senders.Wait()
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	d.logger.Debug("driver: closed", "handles", d.live.Load())
	return nil
}
