package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
)

// ══════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ══════════════════════════════════════════════════════════════════════════

// Initialize resolves the launch parameters and brings the session to an
// active phase. It runs exactly once per process:
//
//  1. no record store in the parameters → standalone mode;
//  2. a stored record matching the launch identity → restore it, skipping
//     the (already consumed) credential exchange;
//  3. otherwise the fresh sequence: exchange the one-time fetch URL, persist
//     the credential, pull launch data and preferences, announce the
//     session.
//
// A failed exchange degrades to standalone instead of failing the caller:
// the content must run even when reporting cannot.
func (e *Engine) Initialize(ctx context.Context, params launch.Params) error {
	e.mu.Lock()
	if err := e.transition(session.PhaseRestoring); err != nil {
		e.mu.Unlock()
		return err
	}
	e.startedAt = e.now()
	e.mu.Unlock()

	lc, err := launch.Resolve(params)
	switch {
	case errors.Is(err, shared.ErrNoLaunchContext):
		e.enterStandalone(standaloneContext(params), "no launch parameters")
		return nil
	case err != nil:
		e.enterStandalone(standaloneContext(params), "invalid launch parameters: "+err.Error())
		return err
	}

	if e.restore(ctx, lc) {
		return nil
	}
	return e.initializeFresh(ctx, lc)
}

// restore attempts to resume a previous session for the same attempt.
// It reports true when the stored record was adopted.
func (e *Engine) restore(ctx context.Context, lc *launch.Context) bool {
	rec, err := e.store.Load(ctx, lc.RegistrationID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			e.logger.Warn("session store read failed, treating launch as fresh",
				"registration_id", lc.RegistrationID, "error", err)
		}
		return false
	}

	if !rec.Matches(lc.RegistrationID, lc.SessionID) {
		e.logger.Info("stored session belongs to a different attempt, discarding",
			"registration_id", lc.RegistrationID,
			"stored_session", rec.SessionID, "launch_session", lc.SessionID)
		if err := e.store.Clear(ctx, lc.RegistrationID); err != nil {
			e.logger.Warn("failed to clear stale session record", "error", err)
		}
		return false
	}
	if rec.Terminated {
		e.logger.Info("stored session already terminated, discarding",
			"registration_id", lc.RegistrationID, "session_id", rec.SessionID)
		if err := e.store.Clear(ctx, lc.RegistrationID); err != nil {
			e.logger.Warn("failed to clear terminated session record", "error", err)
		}
		return false
	}
	if !rec.HasCredential() {
		return false
	}

	e.transport.Connect(rec.Endpoint, rec.AuthHeader)

	builder := statement.NewBuilder(lc)
	data := &launch.Data{LaunchMode: rec.LaunchMode}
	if rec.MasteryScore > 0 {
		score := rec.MasteryScore
		data.MasteryScore = &score
	}
	if len(rec.ContextTemplate) > 0 {
		data.ContextTemplate = rec.ContextTemplate
		if err := builder.SetTemplate(rec.ContextTemplate); err != nil {
			e.logger.Warn("persisted context template is unusable, ignoring", "error", err)
		}
	}

	e.mu.Lock()
	e.lc = lc
	e.rec = rec
	e.builder = builder
	e.data = data
	err = e.transition(session.PhaseActiveConnected)
	e.mu.Unlock()
	if err != nil {
		return false
	}
	e.queue.setConnected(true)

	e.logger.Info("session restored",
		"registration_id", lc.RegistrationID, "session_id", rec.SessionID)

	if !rec.InitializedSent {
		// The previous life persisted the credential but went down before
		// announcing the session; finish that step now.
		e.sendInitialized(ctx)
	}
	e.queue.requestFlush()
	return true
}

// initializeFresh runs the one-time credential exchange and the rest of the
// fresh-launch sequence.
func (e *Engine) initializeFresh(ctx context.Context, lc *launch.Context) error {
	if lc.SessionFallback && e.config.RequireSessionID {
		e.enterStandalone(lc, "launch carried no session id")
		return nil
	}

	token, err := e.transport.FetchToken(ctx, lc.FetchURL)
	if err != nil {
		if errors.Is(err, shared.ErrExchangeConsumed) {
			e.logger.Warn("fetch URL already consumed and no stored session to resume",
				"registration_id", lc.RegistrationID)
		} else {
			e.logger.Warn("credential exchange failed", "error", err)
		}
		e.enterStandalone(lc, "credential exchange failed")
		return nil
	}

	rec := &session.Record{
		Endpoint:       lc.Endpoint,
		AuthHeader:     token,
		Actor:          lc.Actor,
		RegistrationID: lc.RegistrationID,
		SessionID:      lc.SessionID,
		ActivityID:     lc.ActivityID,
		MasteryScore:   launch.DefaultMasteryScore,
		LaunchMode:     launch.ModeNormal,
	}
	// Persist before anything else can fail: the exchange cannot be
	// repeated, so losing the token here loses the session.
	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Error("failed to persist session credential", "error", err)
	}

	e.transport.Connect(lc.Endpoint, token)
	builder := statement.NewBuilder(lc)

	// Learner preferences and launch data are best-effort: their absence
	// falls back to defaults and must not fail the launch.
	var prefs *launch.Preferences
	if !e.config.SkipLearnerPreferences {
		prefs, err = e.transport.LearnerPreferences(ctx, lc)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			e.logger.Debug("learner preferences fetch failed", "error", err)
		}
	}

	data, err := e.transport.LaunchData(ctx, lc)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			e.logger.Warn("launch data fetch failed, using defaults", "error", err)
		}
		data = &launch.Data{}
	}
	if len(data.ContextTemplate) > 0 {
		if err := builder.SetTemplate(data.ContextTemplate); err != nil {
			e.logger.Warn("launch data context template is unusable, ignoring", "error", err)
		} else {
			rec.ContextTemplate = data.ContextTemplate
		}
	}
	rec.MasteryScore = data.EffectiveMasteryScore()
	rec.LaunchMode = data.EffectiveLaunchMode()

	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Warn("failed to persist session record", "error", err)
	}

	e.mu.Lock()
	e.lc = lc
	e.rec = rec
	e.builder = builder
	e.data = data
	e.prefs = prefs
	err = e.transition(session.PhaseActiveConnected)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.queue.setConnected(true)

	e.logger.Info("session initialized",
		"registration_id", lc.RegistrationID, "session_id", lc.SessionID,
		"launch_mode", rec.LaunchMode, "mastery_score", rec.MasteryScore,
		"session_fallback", lc.SessionFallback)

	e.sendInitialized(ctx)
	return nil
}

// sendInitialized announces the session to the record store. Failure is
// logged and swallowed: an unannounced session still tracks locally, and a
// rejected one halts through the usual path.
func (e *Engine) sendInitialized(ctx context.Context) {
	e.mu.Lock()
	builder := e.builder
	rec := e.rec
	e.mu.Unlock()

	st, err := builder.BuildLifecycle(statement.VerbInitialized)
	if err != nil {
		e.logger.Error("failed to build initialized statement", "error", err)
		return
	}
	if err := e.transport.StoreStatement(ctx, st); err != nil {
		if errors.Is(err, shared.ErrSessionInvalidated) {
			e.halt(err)
			e.queue.haltWith(err)
			return
		}
		e.logger.Warn("initialized statement not delivered", "error", err)
		return
	}

	e.mu.Lock()
	rec.InitializedSent = true
	e.mu.Unlock()
	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Warn("failed to persist session record", "error", err)
	}
}

// enterStandalone puts the engine into the disconnected active phase.
// Submissions are accepted and queued, capped, and never delivered.
func (e *Engine) enterStandalone(lc *launch.Context, reason string) {
	e.mu.Lock()
	e.lc = lc
	e.builder = statement.NewBuilder(lc)
	if err := e.transition(session.PhaseActiveStandalone); err != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.logger.Info("running standalone, statements will not be delivered", "reason", reason)
}

// standaloneContext builds a working identity from whatever the launch
// parameters carried, filling the gaps with generated values so producer
// statements stay well-formed.
func standaloneContext(params launch.Params) *launch.Context {
	lc := &launch.Context{
		RegistrationID:  params.Registration,
		ActivityID:      params.ActivityID,
		SessionID:       uuid.NewString(),
		SessionFallback: true,
	}
	if lc.RegistrationID == "" {
		lc.RegistrationID = uuid.NewString()
	}
	if lc.ActivityID == "" {
		lc.ActivityID = "urn:courier:standalone"
	}
	if params.Actor != "" && json.Valid([]byte(params.Actor)) {
		lc.Actor = json.RawMessage(params.Actor)
	} else {
		lc.Actor = json.RawMessage(`{"objectType":"Agent","account":{"homePage":"urn:courier:standalone","name":"learner"}}`)
	}
	return lc
}

// ══════════════════════════════════════════════════════════════════════════
// COMPLETION
// ══════════════════════════════════════════════════════════════════════════

// CompleteCourse runs the ordered ending sequence for the attempt: flush
// every queued producer statement, then completed, then passed or failed
// against the mastery threshold, then terminated, then clear the stored
// session. Completion and the pass/fail judgement are send-once; calling
// again after a transient failure resumes where the sequence stopped.
func (e *Engine) CompleteCourse(ctx context.Context, score float64) error {
	e.mu.Lock()
	switch e.phase {
	case session.PhaseActiveStandalone:
		// Nothing to report; the attempt simply ends.
		err := e.transition(session.PhaseTerminated)
		e.mu.Unlock()
		return err
	case session.PhaseTerminated, session.PhaseHalted:
		e.mu.Unlock()
		return shared.ErrTerminated
	case session.PhaseActiveConnected, session.PhaseTerminating:
		if err := e.transition(session.PhaseTerminating); err != nil {
			e.mu.Unlock()
			return err
		}
	default:
		e.mu.Unlock()
		return shared.ErrInvalidState
	}
	rec := e.rec
	data := e.data
	started := e.startedAt
	e.mu.Unlock()

	// Producer statements must reach the store before the lifecycle ending.
	if err := e.queue.flushAwait(ctx); err != nil {
		return err
	}

	mode := data.EffectiveLaunchMode()
	if mode != launch.ModeNormal {
		e.logger.Info("non-normal launch mode, skipping result statements", "launch_mode", mode)
	} else {
		if !rec.CompletionSent {
			if err := e.sendLifecycle(ctx, statement.VerbCompleted,
				statement.WithCompletion(true)); err != nil {
				return err
			}
			e.setFlag(ctx, func(r *session.Record) { r.CompletionSent = true })
		}

		if !rec.SuccessSent {
			verb := statement.VerbFailed
			success := false
			if score >= data.EffectiveMasteryScore() {
				verb = statement.VerbPassed
				success = true
			}
			if err := e.sendLifecycle(ctx, verb,
				statement.WithScore(score), statement.WithSuccess(success)); err != nil {
				return err
			}
			e.setFlag(ctx, func(r *session.Record) { r.SuccessSent = true })
		}
	}

	if err := e.sendLifecycle(ctx, statement.VerbTerminated,
		statement.WithDuration(e.now().Sub(started))); err != nil {
		return err
	}

	e.mu.Lock()
	rec.Terminated = true
	err := e.transition(session.PhaseTerminated)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.queue.setConnected(false)

	// The attempt is over; a later launch of this registration is a new
	// session and must run the exchange again.
	if err := e.store.Clear(ctx, rec.RegistrationID); err != nil {
		e.logger.Warn("failed to clear session record after termination", "error", err)
	}
	e.logger.Info("course completed",
		"registration_id", rec.RegistrationID, "session_id", rec.SessionID,
		"score", score, "passed", score >= data.EffectiveMasteryScore())
	return nil
}

// sendLifecycle builds and delivers one lifecycle statement, awaited.
func (e *Engine) sendLifecycle(ctx context.Context, verb statement.Verb, opts ...statement.Option) error {
	e.mu.Lock()
	builder := e.builder
	e.mu.Unlock()

	st, err := builder.BuildLifecycle(verb, opts...)
	if err != nil {
		return err
	}
	if err := e.transport.StoreStatement(ctx, st); err != nil {
		if errors.Is(err, shared.ErrSessionInvalidated) {
			e.halt(err)
			e.queue.haltWith(err)
		}
		return err
	}
	return nil
}

// setFlag mutates the session record under the lock and persists it.
func (e *Engine) setFlag(ctx context.Context, mutate func(*session.Record)) {
	e.mu.Lock()
	rec := e.rec
	mutate(rec)
	e.mu.Unlock()
	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Warn("failed to persist session record", "error", err)
	}
}

// ══════════════════════════════════════════════════════════════════════════
// TEARDOWN
// ══════════════════════════════════════════════════════════════════════════

// Shutdown is the last-gasp teardown path, called when the process is going
// away. For a still-active connected session it attempts, within
// TeardownTimeout and with single-shot sends, to flush the queue and emit a
// final terminated statement. The stored record is kept so a relaunch of
// the same session can resume. Always stops the delivery worker.
func (e *Engine) Shutdown(ctx context.Context) error {
	// Stop the worker before touching the queue: a scheduled flush running
	// concurrently with the teardown drain would send the same statements
	// twice. shutdown waits for any in-flight pass to finish, so the
	// snapshot below is stable.
	e.queue.setConnected(false)
	e.queue.shutdown()

	e.mu.Lock()
	phase := e.phase
	rec := e.rec
	builder := e.builder
	started := e.startedAt
	e.mu.Unlock()

	if phase != session.PhaseActiveConnected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.TeardownTimeout)
	defer cancel()

	// Best effort, in priority order: queued producer statements first,
	// then the terminated announcement. Single attempts only; there is no
	// later to retry in.
	var firstErr error
	for _, st := range e.queue.snapshot() {
		if err := e.transport.StoreStatementOnce(ctx, st); err != nil {
			firstErr = err
			e.logger.Warn("teardown flush abandoned", "error", err)
			break
		}
		e.stats.addDelivered(1)
	}

	if firstErr == nil && e.config.TeardownExit {
		// Opportunistic analytics breadcrumb; losing it is fine.
		if st, err := builder.Build(statement.VerbFromName("exited"),
			statement.WithDuration(e.now().Sub(started))); err == nil {
			if err := e.transport.StoreStatementOnce(ctx, st); err != nil {
				e.logger.Debug("teardown exit statement not delivered", "error", err)
			}
		}
	}

	if firstErr == nil {
		st, err := builder.BuildLifecycle(statement.VerbTerminated,
			statement.WithDuration(e.now().Sub(started)))
		if err == nil {
			if err := e.transport.StoreStatementOnce(ctx, st); err != nil {
				firstErr = err
				e.logger.Warn("teardown terminated statement not delivered", "error", err)
			} else {
				e.mu.Lock()
				rec.Terminated = true
				e.mu.Unlock()
				if err := e.store.Save(ctx, rec); err != nil {
					e.logger.Warn("failed to persist session record", "error", err)
				}
			}
		}
	}

	return firstErr
}
