package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
)

// ══════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ══════════════════════════════════════════════════════════════════════════

// Transport is the record-store client surface the engine depends on.
// lrs.Client satisfies it; tests provide fakes.
type Transport interface {
	// FetchToken exchanges the one-time fetch URL for an authorization
	// header value.
	FetchToken(ctx context.Context, fetchURL string) (string, error)

	// Connect binds the transport to an endpoint and credential for all
	// subsequent calls.
	Connect(endpoint, authHeader string)

	// StoreStatement delivers a statement with retry; a returned error is
	// either transient (retry later) or wraps shared.ErrSessionInvalidated.
	StoreStatement(ctx context.Context, st *statement.Statement) error

	// StoreStatementOnce delivers a statement with a single attempt and no
	// queueing machinery, for synchronous teardown.
	StoreStatementOnce(ctx context.Context, st *statement.Statement) error

	LaunchData(ctx context.Context, lc *launch.Context) (*launch.Data, error)
	LearnerPreferences(ctx context.Context, lc *launch.Context) (*launch.Preferences, error)
}

// ══════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════

type Config struct {
	// FlushInterval is the cadence of the scheduled background flush.
	FlushInterval time.Duration

	// OfflineQueueCap bounds the queue while no record-store connection
	// exists.
	OfflineQueueCap int

	// TeardownTimeout bounds the synchronous sends attempted during
	// Shutdown.
	TeardownTimeout time.Duration

	// DisableImmediateFlush turns Submission.Immediate into a no-op; useful
	// when a deployment wants strictly periodic batches.
	DisableImmediateFlush bool

	// TeardownExit emits an extra "exited" analytics statement ahead of
	// terminated during synchronous teardown.
	TeardownExit bool

	// SkipLearnerPreferences disables the cmi5LearnerPreferences fetch
	// during initialization.
	SkipLearnerPreferences bool

	// RequireSessionID refuses to connect with a locally generated session
	// id, degrading such launches to standalone. For record stores that
	// validate the session extension strictly.
	RequireSessionID bool

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:   30 * time.Second,
		OfflineQueueCap: 500,
		TeardownTimeout: 3 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════
// STATISTICS
// ══════════════════════════════════════════════════════════════════════════

// Stats counts statement flow through the engine. All counters are
// monotonic for the life of the process.
type Stats struct {
	submitted atomic.Int64
	delivered atomic.Int64
	requeued  atomic.Int64
	dropped   atomic.Int64
}

func (s *Stats) addSubmitted(n int64) { s.submitted.Add(n) }
func (s *Stats) addDelivered(n int64) { s.delivered.Add(n) }
func (s *Stats) addRequeued(n int64)  { s.requeued.Add(n) }
func (s *Stats) addDropped(n int64)   { s.dropped.Add(n) }

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Submitted int64 `json:"submitted"`
	Delivered int64 `json:"delivered"`
	Requeued  int64 `json:"requeued"`
	Dropped   int64 `json:"dropped"`
}

// ══════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════

// Engine owns the session lifecycle and the delivery pipeline. Producers
// call Submit; the embedding host calls Initialize once at startup,
// CompleteCourse when the content finishes, and Shutdown at teardown.
type Engine struct {
	config    Config
	logger    *slog.Logger
	transport Transport
	store     session.Store
	now       func() time.Time

	mu        sync.Mutex
	phase     session.Phase
	lc        *launch.Context
	rec       *session.Record
	builder   *statement.Builder
	data      *launch.Data
	prefs     *launch.Preferences
	startedAt time.Time

	queue *deliveryQueue
	stats Stats
}

func New(cfg Config, transport Transport, store session.Store) *Engine {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.OfflineQueueCap <= 0 {
		cfg.OfflineQueueCap = 500
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		config:    cfg,
		logger:    cfg.Logger,
		transport: transport,
		store:     store,
		now:       time.Now,
		phase:     session.PhaseUninitialized,
	}
	e.queue = newDeliveryQueue(
		cfg.FlushInterval,
		cfg.OfflineQueueCap,
		transport.StoreStatement,
		e.halt,
		&e.stats,
		cfg.Logger,
	)
	return e
}

// halt is invoked by the queue when the record store rejected the session
// credential. The halted state is absorbing: nothing revives delivery short
// of a new process with a fresh launch.
func (e *Engine) halt(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == session.PhaseHalted {
		return
	}
	e.logger.Warn("session invalidated by record store, halting delivery", "error", err)
	e.phase = session.PhaseHalted
}

// ══════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════

// Submission describes one producer statement. Verb is either a bare name
// resolved against the ADL verb namespace or a full IRI. Optional result
// fields are pointers so absence and zero stay distinct.
type Submission struct {
	Verb       string
	Object     *statement.Object
	Score      *float64
	Success    *bool
	Completion *bool
	Response   string
	Duration   time.Duration

	// Immediate asks for a flush right after enqueueing instead of waiting
	// for the next scheduled pass.
	Immediate bool
}

// Submit builds and enqueues a producer statement, returning its id.
//
// When nothing will be reported the empty id is returned with a nil error:
// the submission is discarded outright when the engine is not accepting
// statements (not yet initialized, already terminated, halted), and queued
// without an id in standalone mode. Reporting must never block content
// progression, so an error is returned only for malformed input.
func (e *Engine) Submit(ctx context.Context, sub Submission) (string, error) {
	e.mu.Lock()
	phase := e.phase
	builder := e.builder
	e.mu.Unlock()

	if !phase.Accepting() || builder == nil {
		e.stats.addDropped(1)
		return "", nil
	}

	verb := statement.VerbFromName(sub.Verb)
	opts := make([]statement.Option, 0, 4)
	if sub.Object != nil {
		opts = append(opts, statement.WithObject(*sub.Object))
	}
	if sub.Score != nil {
		opts = append(opts, statement.WithScore(*sub.Score))
	}
	if sub.Success != nil {
		opts = append(opts, statement.WithSuccess(*sub.Success))
	}
	if sub.Completion != nil {
		opts = append(opts, statement.WithCompletion(*sub.Completion))
	}
	if sub.Response != "" {
		opts = append(opts, statement.WithResponse(sub.Response))
	}
	if sub.Duration > 0 {
		opts = append(opts, statement.WithDuration(sub.Duration))
	}

	st, err := builder.Build(verb, opts...)
	if err != nil {
		return "", err
	}

	if !e.queue.enqueue(st) {
		return "", nil
	}
	e.stats.addSubmitted(1)

	// Standalone submissions are queued for local inspection but never
	// delivered; the empty id tells the producer nothing was reported.
	if phase == session.PhaseActiveStandalone {
		return "", nil
	}

	if sub.Immediate && !e.config.DisableImmediateFlush {
		e.queue.requestFlush()
	}
	return st.ID, nil
}

// Flush runs a delivery pass and waits for it to complete.
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.flushAwait(ctx)
}

// ══════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ══════════════════════════════════════════════════════════════════════════

func (e *Engine) Phase() session.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// IsConnected reports whether a record-store connection is live.
func (e *Engine) IsConnected() bool {
	return e.Phase().Connected()
}

// IsTerminated reports whether the session has ended, by completion,
// teardown or invalidation.
func (e *Engine) IsTerminated() bool {
	switch e.Phase() {
	case session.PhaseTerminating, session.PhaseTerminated, session.PhaseHalted:
		return true
	}
	return false
}

// MasteryScore returns the passing threshold in effect for this session.
func (e *Engine) MasteryScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data != nil {
		return e.data.EffectiveMasteryScore()
	}
	return launch.DefaultMasteryScore
}

// LaunchMode returns the mode the session was launched in.
func (e *Engine) LaunchMode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data != nil {
		return e.data.EffectiveLaunchMode()
	}
	return launch.ModeNormal
}

// Preferences returns the learner preferences fetched at initialization,
// or nil when none were available.
func (e *Engine) Preferences() *launch.Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prefs
}

func (e *Engine) QueueLen() int {
	return e.queue.len()
}

func (e *Engine) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted: e.stats.submitted.Load(),
		Delivered: e.stats.delivered.Load(),
		Requeued:  e.stats.requeued.Load(),
		Dropped:   e.stats.dropped.Load(),
	}
}

// transition moves the phase, enforcing the state machine.
func (e *Engine) transition(to session.Phase) error {
	if e.phase == to {
		return nil
	}
	if !session.CanTransition(e.phase, to) {
		return shared.NewDomainError("session", "transition", shared.ErrStateTransition,
			"cannot move from "+e.phase.String()+" to "+to.String(), nil)
	}
	e.logger.Debug("session phase change", "from", e.phase.String(), "to", to.String())
	e.phase = to
	return nil
}
