package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/observe"
)

// ErrQueueFull is returned by enqueue operations when the write queue is at
// capacity. Callers treat this as a persist failure, not a turn failure.
var ErrQueueFull = errors.New("history: write queue full")

// writeOp is one queued persistence operation.
type writeOp struct {
	kind      opKind
	session   call.Session
	sessionID string
	endedAt   time.Time
	turn      call.Turn
	attempts  int
}

type opKind int

const (
	opBeginSession opKind = iota
	opEndSession
	opAppendTurn
)

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithRetry sets how many times a failed write is retried and the base
// backoff between attempts.
func WithRetry(maxRetries int, backoff time.Duration) WriterOption {
	return func(w *Writer) {
		w.maxRetries = maxRetries
		w.backoff = backoff
	}
}

// WithWriterLogger sets the logger for write failures.
func WithWriterLogger(log *slog.Logger) WriterOption {
	return func(w *Writer) { w.log = log }
}

// WithWriterMetrics sets the metrics sink for queue depth and failures.
func WithWriterMetrics(m *observe.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// Writer wraps a [Store] with a single-goroutine bounded write queue so slow
// or failing storage never stalls a live call. Failed writes are retried
// with exponential backoff; writes that exhaust their retries are logged and
// dropped, never surfaced to the session.
type Writer struct {
	store   Store
	log     *slog.Logger
	metrics *observe.Metrics

	queueSize  int
	maxRetries int
	backoff    time.Duration

	queue   chan writeOp
	pending atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWriter returns a [Writer] in front of store. Call [Writer.Start] before
// enqueueing.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:      store,
		log:        slog.Default(),
		metrics:    observe.DefaultMetrics(),
		queueSize:  1024,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan writeOp, w.queueSize)
	return w
}

// Start launches the background write loop.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// BeginSession enqueues a session record.
func (w *Writer) BeginSession(ctx context.Context, s call.Session) error {
	return w.enqueue(ctx, writeOp{kind: opBeginSession, session: s})
}

// EndSession enqueues a session end marker.
func (w *Writer) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	return w.enqueue(ctx, writeOp{kind: opEndSession, sessionID: sessionID, endedAt: endedAt})
}

// AppendTurn enqueues a finalized turn.
func (w *Writer) AppendTurn(ctx context.Context, t call.Turn) error {
	return w.enqueue(ctx, writeOp{kind: opAppendTurn, turn: t})
}

// Pending reports how many writes are queued or in flight. Non-zero at
// shutdown means data loss on exit.
func (w *Writer) Pending() int64 {
	return w.pending.Load()
}

// enqueue adds op to the queue without blocking. A full queue returns
// [ErrQueueFull] immediately.
func (w *Writer) enqueue(ctx context.Context, op writeOp) error {
	select {
	case <-w.done:
		return errors.New("history: writer stopped")
	default:
	}

	select {
	case w.queue <- op:
		w.pending.Add(1)
		w.metrics.PersistQueueDepth.Add(ctx, 1)
		return nil
	default:
		w.metrics.RecordPersistFailure(ctx, "queue_full")
		return ErrQueueFull
	}
}

// run is the single consumer of the queue.
func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case op := <-w.queue:
			w.process(ctx, op)
		case <-w.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case op := <-w.queue:
					w.process(ctx, op)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// process applies one operation with retries, then marks it settled.
func (w *Writer) process(ctx context.Context, op writeOp) {
	defer func() {
		w.pending.Add(-1)
		w.metrics.PersistQueueDepth.Add(ctx, -1)
	}()

	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			delay := w.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if err = w.apply(ctx, op); err == nil {
			return
		}
		w.log.Warn("history write failed",
			"op", op.kind.String(),
			"attempt", attempt+1,
			"error", err)
	}

	w.metrics.RecordPersistFailure(ctx, "retries_exhausted")
	w.log.Error("history write dropped after retries",
		"op", op.kind.String(),
		"error", err)
}

func (w *Writer) apply(ctx context.Context, op writeOp) error {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch op.kind {
	case opBeginSession:
		return w.store.BeginSession(opCtx, op.session)
	case opEndSession:
		return w.store.EndSession(opCtx, op.sessionID, op.endedAt)
	case opAppendTurn:
		return w.store.AppendTurn(opCtx, op.turn)
	}
	return nil
}

// Drain stops accepting new writes and waits for queued ones to settle or
// ctx to expire. Returns the number of writes still pending, which is zero
// on a clean shutdown.
func (w *Writer) Drain(ctx context.Context) int64 {
	w.stopOnce.Do(func() { close(w.done) })

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if w.pending.Load() == 0 {
			return 0
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return w.pending.Load()
		}
	}
}

func (k opKind) String() string {
	switch k {
	case opBeginSession:
		return "begin_session"
	case opEndSession:
		return "end_session"
	case opAppendTurn:
		return "append_turn"
	}
	return "unknown"
}
