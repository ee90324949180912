package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
)

// deliveryQueue buffers statements awaiting delivery and drains them from a
// single worker goroutine. The single worker is the whole concurrency
// design: a ticker tick, an immediate-flush kick and an awaited flush
// request all funnel into one loop, so at most one delivery pass is ever in
// flight and ordering is decided by the queue alone.
type deliveryQueue struct {
	mu        sync.Mutex
	items     []*statement.Statement
	connected bool
	halted    bool

	// offlineCap bounds the queue while no connection exists; oldest
	// statements are discarded first so an unattended idle session cannot
	// grow memory without bound.
	offlineCap int

	send   func(ctx context.Context, st *statement.Statement) error
	onHalt func(err error)
	logger *slog.Logger

	interval time.Duration
	kick     chan struct{}
	flushReq chan flushRequest
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	stats *Stats
}

type flushRequest struct {
	ctx  context.Context
	done chan error
}

func newDeliveryQueue(interval time.Duration, offlineCap int, send func(context.Context, *statement.Statement) error, onHalt func(error), stats *Stats, logger *slog.Logger) *deliveryQueue {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if offlineCap <= 0 {
		offlineCap = 500
	}
	q := &deliveryQueue{
		offlineCap: offlineCap,
		send:       send,
		onHalt:     onHalt,
		logger:     logger,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		flushReq:   make(chan flushRequest),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		stats:      stats,
	}
	go q.run()
	return q
}

// run is the single delivery worker.
func (q *deliveryQueue) run() {
	defer close(q.done)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if err := q.flush(context.Background()); err != nil {
				q.logger.Debug("scheduled flush failed", "error", err)
			}
		case <-q.kick:
			if err := q.flush(context.Background()); err != nil {
				q.logger.Debug("immediate flush failed", "error", err)
			}
		case req := <-q.flushReq:
			req.done <- q.flush(req.ctx)
		}
	}
}

// enqueue appends a statement. While disconnected the offline cap applies.
// Returns false when the queue is halted and the statement was dropped.
func (q *deliveryQueue) enqueue(st *statement.Statement) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.halted {
		q.stats.addDropped(1)
		return false
	}

	q.items = append(q.items, st)
	if !q.connected && len(q.items) > q.offlineCap {
		over := len(q.items) - q.offlineCap
		q.items = q.items[over:]
		q.stats.addDropped(int64(over))
		q.logger.Warn("offline queue cap exceeded, oldest statements dropped",
			"dropped", over, "cap", q.offlineCap)
	}
	return true
}

// requestFlush asks the worker to flush soon, without waiting for a slot.
func (q *deliveryQueue) requestFlush() {
	select {
	case q.kick <- struct{}{}:
	default:
		// A kick is already pending; the worker will re-check the queue.
	}
}

// flushAwait runs a flush on the worker and waits for it to finish. A flush
// requested while another is in flight waits for that one, then runs against
// whatever work remains.
func (q *deliveryQueue) flushAwait(ctx context.Context) error {
	req := flushRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case q.flushReq <- req:
	case <-q.done:
		return shared.ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush delivers queued statements one at a time in order, awaiting each
// before the next. A statement is removed from the head only after the
// record store acknowledged it, so a transient failure leaves it (and every
// statement behind it) queued in order for the next pass.
func (q *deliveryQueue) flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.halted || !q.connected || len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		st := q.items[0]
		q.mu.Unlock()

		if err := q.send(ctx, st); err != nil {
			if errors.Is(err, shared.ErrSessionInvalidated) {
				q.haltWith(err)
				return err
			}
			q.stats.addRequeued(1)
			q.logger.Debug("delivery failed, statement stays queued",
				"statement_id", st.ID, "error", err)
			return err
		}

		q.mu.Lock()
		if len(q.items) > 0 && q.items[0] == st {
			q.items = q.items[1:]
		}
		q.mu.Unlock()
		q.stats.addDelivered(1)
	}
}

// haltWith enters the absorbing halted state: the queue is discarded and no
// further delivery is attempted for the rest of the process's life.
func (q *deliveryQueue) haltWith(err error) {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	alreadyHalted := q.halted
	q.halted = true
	q.mu.Unlock()

	if alreadyHalted {
		return
	}
	q.stats.addDropped(int64(dropped))
	q.logger.Warn("delivery halted, queue discarded", "dropped", dropped, "error", err)
	if q.onHalt != nil {
		q.onHalt(err)
	}
}

// setConnected switches delivery on or off. Turning it on does not flush by
// itself; callers kick or await a flush explicitly.
func (q *deliveryQueue) setConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	q.mu.Unlock()
}

func (q *deliveryQueue) isHalted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot returns the queued statements in order, for tests and debugging.
func (q *deliveryQueue) snapshot() []*statement.Statement {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*statement.Statement, len(q.items))
	copy(out, q.items)
	return out
}

// shutdown stops the worker and waits for it to exit.
func (q *deliveryQueue) shutdown() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}
