package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/persistence/memory"
)

// fakeTransport is a scriptable Transport double. sendErr, when set, is
// consulted per StoreStatement call and may return nil to let the send
// through.
type fakeTransport struct {
	mu sync.Mutex

	token      string
	fetchErr   error
	fetchCalls int

	endpoint string
	auth     string

	stored     []*statement.Statement
	onceStored []*statement.Statement
	sendErr    func(st *statement.Statement) error
	onceErr    error
	sendDelay  time.Duration

	data     *launch.Data
	dataErr  error
	prefs    *launch.Preferences
	prefsErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		token:    "Basic dGVzdDp0ZXN0",
		dataErr:  shared.ErrNotFound,
		prefsErr: shared.ErrNotFound,
	}
}

func (f *fakeTransport) FetchToken(ctx context.Context, fetchURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.token, nil
}

func (f *fakeTransport) Connect(endpoint, authHeader string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpoint
	f.auth = authHeader
}

func (f *fakeTransport) StoreStatement(ctx context.Context, st *statement.Statement) error {
	f.mu.Lock()
	delay := f.sendDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(st); err != nil {
			return err
		}
	}
	f.stored = append(f.stored, st)
	return nil
}

func (f *fakeTransport) StoreStatementOnce(ctx context.Context, st *statement.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onceErr != nil {
		return f.onceErr
	}
	f.onceStored = append(f.onceStored, st)
	return nil
}

func (f *fakeTransport) LaunchData(ctx context.Context, lc *launch.Context) (*launch.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dataErr != nil {
		return nil, f.dataErr
	}
	return f.data, nil
}

func (f *fakeTransport) LearnerPreferences(ctx context.Context, lc *launch.Context) (*launch.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefsErr != nil {
		return nil, f.prefsErr
	}
	return f.prefs, nil
}

func (f *fakeTransport) storedVerbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stored))
	for i, st := range f.stored {
		id := st.Verb.ID
		out[i] = id[strings.LastIndex(id, "/")+1:]
	}
	return out
}

func (f *fakeTransport) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeTransport) setSendDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendDelay = d
}

// sentCounts tallies every delivered statement id across both send paths.
func (f *fakeTransport) sentCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, st := range f.stored {
		counts[st.ID]++
	}
	for _, st := range f.onceStored {
		counts[st.ID]++
	}
	return counts
}

const (
	testRegistration = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	testSession      = "6f8f6a71-2b5f-4cf2-9ea1-64b0a4a0f9aa"
	testActor        = `{"objectType":"Agent","mbox":"mailto:learner@example.org"}`
)

func testParams() launch.Params {
	return launch.Params{
		Endpoint:     "https://lms.example.org/lrs/",
		FetchURL:     "https://lms.example.org/fetch?session=" + testSession,
		Actor:        testActor,
		Registration: testRegistration,
		ActivityID:   "https://example.org/course/intro",
	}
}

func testConfig() Config {
	return Config{
		// A long interval keeps the ticker out of the way; tests drive
		// flushes explicitly.
		FlushInterval:   time.Hour,
		OfflineQueueCap: 500,
		TeardownTimeout: time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestEngine(t *testing.T, tr Transport, store session.Store, cfg Config) *Engine {
	t.Helper()
	e := New(cfg, tr, store)
	t.Cleanup(e.queue.shutdown)
	return e
}

// ══════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ══════════════════════════════════════════════════════════════════════════

func TestInitializeFresh(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	e := newTestEngine(t, tr, store, testConfig())

	require.NoError(t, e.Initialize(context.Background(), testParams()))

	assert.Equal(t, session.PhaseActiveConnected, e.Phase())
	assert.True(t, e.IsConnected())
	assert.Equal(t, 1, tr.fetches())
	assert.Equal(t, "https://lms.example.org/lrs/", tr.endpoint)
	assert.Equal(t, tr.token, tr.auth)

	rec, err := store.Load(context.Background(), testRegistration)
	require.NoError(t, err)
	assert.Equal(t, tr.token, rec.AuthHeader)
	assert.Equal(t, testSession, rec.SessionID)
	assert.True(t, rec.InitializedSent)

	require.Equal(t, []string{"initialized"}, tr.storedVerbs())
	assert.Equal(t, testSession, tr.stored[0].SessionID())
	assert.True(t, tr.stored[0].HasCategory(statement.CategoryCmi5))
}

func TestInitializeAppliesLaunchData(t *testing.T) {
	tr := newFakeTransport()
	mastery := 0.6
	tr.dataErr = nil
	tr.data = &launch.Data{
		ContextTemplate: json.RawMessage(`{"contextActivities":{"grouping":[{"id":"https://example.org/block"}]}}`),
		LaunchMode:      launch.ModeNormal,
		MasteryScore:    &mastery,
	}
	store := memory.NewStore()
	e := newTestEngine(t, tr, store, testConfig())

	require.NoError(t, e.Initialize(context.Background(), testParams()))
	assert.InDelta(t, 0.6, e.MasteryScore(), 1e-9)

	rec, err := store.Load(context.Background(), testRegistration)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, rec.MasteryScore, 1e-9)
	assert.JSONEq(t, string(tr.data.ContextTemplate), string(rec.ContextTemplate))
}

func TestInitializeRestoresStoredSession(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		Endpoint:        "https://lms.example.org/lrs/",
		AuthHeader:      "Basic c3RvcmVk",
		Actor:           json.RawMessage(testActor),
		RegistrationID:  testRegistration,
		SessionID:       testSession,
		ActivityID:      "https://example.org/course/intro",
		MasteryScore:    0.7,
		LaunchMode:      launch.ModeNormal,
		InitializedSent: true,
	}))

	e := newTestEngine(t, tr, store, testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	assert.Equal(t, session.PhaseActiveConnected, e.Phase())
	assert.Equal(t, 0, tr.fetches(), "restore must not repeat the one-time exchange")
	assert.Equal(t, "Basic c3RvcmVk", tr.auth)
	assert.InDelta(t, 0.7, e.MasteryScore(), 1e-9)
	assert.Empty(t, tr.storedVerbs(), "initialized was already announced in the previous life")
}

func TestInitializeRestoreFinishesInterruptedAnnounce(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		Endpoint:       "https://lms.example.org/lrs/",
		AuthHeader:     "Basic c3RvcmVk",
		Actor:          json.RawMessage(testActor),
		RegistrationID: testRegistration,
		SessionID:      testSession,
		ActivityID:     "https://example.org/course/intro",
	}))

	e := newTestEngine(t, tr, store, testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	assert.Equal(t, 0, tr.fetches())
	assert.Equal(t, []string{"initialized"}, tr.storedVerbs())
	rec, err := store.Load(context.Background(), testRegistration)
	require.NoError(t, err)
	assert.True(t, rec.InitializedSent)
}

func TestInitializeDiscardsMismatchedSession(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		Endpoint:       "https://lms.example.org/lrs/",
		AuthHeader:     "Basic c3RhbGU=",
		Actor:          json.RawMessage(testActor),
		RegistrationID: testRegistration,
		SessionID:      "00000000-0000-4000-8000-000000000001",
	}))

	e := newTestEngine(t, tr, store, testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	assert.Equal(t, 1, tr.fetches(), "stale credential must not be reused across sessions")
	rec, err := store.Load(context.Background(), testRegistration)
	require.NoError(t, err)
	assert.Equal(t, testSession, rec.SessionID)
	assert.Equal(t, tr.token, rec.AuthHeader)
}

func TestInitializeStandaloneWithoutLaunchContext(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())

	require.NoError(t, e.Initialize(context.Background(), launch.Params{}))
	assert.Equal(t, session.PhaseActiveStandalone, e.Phase())
	assert.False(t, e.IsConnected())
	assert.Equal(t, 0, tr.fetches())

	id, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
	require.NoError(t, err)
	assert.Empty(t, id, "nothing is reported standalone, so no id is handed out")
	assert.Equal(t, 1, e.QueueLen(), "the statement is still queued for local inspection")

	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 1, e.QueueLen(), "standalone statements are never delivered")
	assert.Empty(t, tr.storedVerbs())
}

func TestInitializeConsumedExchangeDegradesToStandalone(t *testing.T) {
	tr := newFakeTransport()
	tr.fetchErr = shared.NewDomainError("lrs", "FetchToken", shared.ErrExchangeConsumed,
		"fetch URL already consumed", nil)
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())

	require.NoError(t, e.Initialize(context.Background(), testParams()))
	assert.Equal(t, session.PhaseActiveStandalone, e.Phase())
}

func TestInitializeTwiceRejected(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())

	require.NoError(t, e.Initialize(context.Background(), testParams()))
	err := e.Initialize(context.Background(), testParams())
	assert.ErrorIs(t, err, shared.ErrStateTransition)
	assert.Equal(t, 1, tr.fetches())
}

// ══════════════════════════════════════════════════════════════════════════
// SUBMISSION AND DELIVERY
// ══════════════════════════════════════════════════════════════════════════

func TestSubmitBeforeInitializeIsSilentlyDropped(t *testing.T) {
	e := newTestEngine(t, newFakeTransport(), memory.NewStore(), testConfig())

	id, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 0, e.QueueLen())
	assert.Equal(t, int64(1), e.Stats().Dropped)
}

func TestSubmitRejectsLifecycleVerbs(t *testing.T) {
	e := newTestEngine(t, newFakeTransport(), memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	_, err := e.Submit(context.Background(), Submission{Verb: "terminated"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestFlushDeliversInSubmissionOrder(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	for _, verb := range []string{"experienced", "interacted", "answered"} {
		_, err := e.Submit(context.Background(), Submission{Verb: verb})
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(context.Background()))

	assert.Equal(t, []string{"initialized", "experienced", "interacted", "answered"}, tr.storedVerbs())
	assert.Equal(t, 0, e.QueueLen())
	assert.Equal(t, int64(4), e.Stats().Delivered)
}

func TestTransientFailurePreservesOrder(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	for _, verb := range []string{"experienced", "interacted", "answered", "progressed", "attempted"} {
		_, err := e.Submit(context.Background(), Submission{Verb: verb})
		require.NoError(t, err)
	}

	// First delivery pass: the first two go through, the third fails.
	failing := true
	delivered := 0
	tr.sendErr = func(st *statement.Statement) error {
		if failing && delivered >= 2 {
			return shared.ErrServiceUnavailable
		}
		delivered++
		return nil
	}

	err := e.Flush(context.Background())
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Equal(t, 3, e.QueueLen(), "failed statement and its successors stay queued")

	remaining := e.queue.snapshot()
	assert.Equal(t, "http://adlnet.gov/expapi/verbs/answered", remaining[0].Verb.ID)

	failing = false
	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t,
		[]string{"initialized", "experienced", "interacted", "answered", "progressed", "attempted"},
		tr.storedVerbs())
}

func TestImmediateSubmissionKicksFlush(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	_, err := e.Submit(context.Background(), Submission{Verb: "answered", Immediate: true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return e.QueueLen() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"initialized", "answered"}, tr.storedVerbs())
}

func TestSessionInvalidatedHaltsPermanently(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	for i := 0; i < 3; i++ {
		_, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
		require.NoError(t, err)
	}
	tr.sendErr = func(st *statement.Statement) error {
		return shared.NewDomainError("lrs", "StoreStatement", shared.ErrSessionInvalidated,
			"session not found", nil)
	}

	err := e.Flush(context.Background())
	assert.ErrorIs(t, err, shared.ErrSessionInvalidated)
	assert.Equal(t, session.PhaseHalted, e.Phase())
	assert.Equal(t, 0, e.QueueLen(), "halt discards the queue")

	// Absorbing: later submissions are dropped, later flushes are no-ops.
	id, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
	require.NoError(t, err)
	assert.Empty(t, id)

	tr.sendErr = nil
	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, []string{"initialized"}, tr.storedVerbs())
}

func TestSubmissionResultFields(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	score := 0.92
	success := true
	_, err := e.Submit(context.Background(), Submission{
		Verb:     "answered",
		Score:    &score,
		Success:  &success,
		Response: "42",
		Duration: 90 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, e.Flush(context.Background()))

	st := tr.stored[len(tr.stored)-1]
	require.NotNil(t, st.Result)
	require.NotNil(t, st.Result.Score)
	assert.InDelta(t, 0.92, st.Result.Score.Scaled, 1e-9)
	assert.Equal(t, "42", st.Result.Response)
	assert.Equal(t, "PT1M30S", st.Result.Duration)
	assert.False(t, st.HasCategory(statement.CategoryCmi5), "producer statements never carry the defined category")
}

// ══════════════════════════════════════════════════════════════════════════
// COMPLETION
// ══════════════════════════════════════════════════════════════════════════

func TestCompleteCoursePassed(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	e := newTestEngine(t, tr, store, testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	_, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
	require.NoError(t, err)

	require.NoError(t, e.CompleteCourse(context.Background(), 0.9))

	assert.Equal(t,
		[]string{"initialized", "experienced", "completed", "passed", "terminated"},
		tr.storedVerbs())
	assert.Equal(t, session.PhaseTerminated, e.Phase())
	assert.True(t, e.IsTerminated())

	_, err = store.Load(context.Background(), testRegistration)
	assert.ErrorIs(t, err, shared.ErrNotFound, "terminated attempts leave no stored session")

	assert.ErrorIs(t, e.CompleteCourse(context.Background(), 0.9), shared.ErrTerminated)
}

func TestCompleteCourseFailedBelowMastery(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	require.NoError(t, e.CompleteCourse(context.Background(), 0.5))
	assert.Equal(t, []string{"initialized", "completed", "failed", "terminated"}, tr.storedVerbs())

	failed := tr.stored[2]
	require.NotNil(t, failed.Result)
	require.NotNil(t, failed.Result.Success)
	assert.False(t, *failed.Result.Success)
	assert.InDelta(t, 0.5, failed.Result.Score.Scaled, 1e-9)
}

func TestCompleteCourseResumesAfterTransientFailure(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	// completed goes through, the pass/fail judgement fails once.
	fail := true
	tr.sendErr = func(st *statement.Statement) error {
		if fail && strings.HasSuffix(st.Verb.ID, "/passed") {
			return shared.ErrServiceUnavailable
		}
		return nil
	}

	err := e.CompleteCourse(context.Background(), 0.95)
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Equal(t, session.PhaseTerminating, e.Phase())

	fail = false
	require.NoError(t, e.CompleteCourse(context.Background(), 0.95))
	assert.Equal(t, []string{"initialized", "completed", "passed", "terminated"}, tr.storedVerbs(),
		"completed is send-once across the retried sequence")
}

func TestCompleteCourseBrowseModeSkipsResults(t *testing.T) {
	tr := newFakeTransport()
	tr.dataErr = nil
	tr.data = &launch.Data{LaunchMode: launch.ModeBrowse}
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	require.NoError(t, e.CompleteCourse(context.Background(), 1.0))
	assert.Equal(t, []string{"initialized", "terminated"}, tr.storedVerbs())
}

func TestCompleteCourseStandalone(t *testing.T) {
	e := newTestEngine(t, newFakeTransport(), memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), launch.Params{}))

	require.NoError(t, e.CompleteCourse(context.Background(), 1.0))
	assert.Equal(t, session.PhaseTerminated, e.Phase())
}

// ══════════════════════════════════════════════════════════════════════════
// TEARDOWN
// ══════════════════════════════════════════════════════════════════════════

func TestShutdownFlushesAndTerminates(t *testing.T) {
	tr := newFakeTransport()
	store := memory.NewStore()
	e := newTestEngine(t, tr, store, testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	for _, verb := range []string{"experienced", "answered"} {
		_, err := e.Submit(context.Background(), Submission{Verb: verb})
		require.NoError(t, err)
	}

	require.NoError(t, e.Shutdown(context.Background()))

	require.Len(t, tr.onceStored, 3)
	assert.Equal(t, "http://adlnet.gov/expapi/verbs/experienced", tr.onceStored[0].Verb.ID)
	assert.Equal(t, "http://adlnet.gov/expapi/verbs/answered", tr.onceStored[1].Verb.ID)
	assert.Equal(t, statement.VerbTerminated.ID, tr.onceStored[2].Verb.ID)

	rec, err := store.Load(context.Background(), testRegistration)
	require.NoError(t, err)
	assert.True(t, rec.Terminated, "teardown keeps the record, marked terminated")
}

func TestShutdownDoesNotRaceScheduledFlush(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	e := newTestEngine(t, tr, memory.NewStore(), cfg)
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	tr.setSendDelay(30 * time.Millisecond)
	for i := 0; i < 8; i++ {
		_, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
		require.NoError(t, err)
	}

	// Let a scheduled flush get underway, then tear down mid-pass. The
	// worker must be stopped before the teardown drain snapshots the queue,
	// or both paths deliver the same statements.
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, e.Shutdown(context.Background()))

	counts := tr.sentCounts()
	for id, n := range counts {
		assert.Equal(t, 1, n, "statement %s delivered more than once", id)
	}
	assert.Len(t, counts, 10, "initialized, eight producers and terminated, each exactly once")
	assert.Equal(t, int64(8), e.Stats().Delivered)
}

func TestShutdownAbandonsOnFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.onceErr = shared.ErrServiceUnavailable
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), testParams()))

	_, err := e.Submit(context.Background(), Submission{Verb: "experienced"})
	require.NoError(t, err)

	err = e.Shutdown(context.Background())
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Empty(t, tr.onceStored)
}

func TestShutdownStandaloneIsQuiet(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr, memory.NewStore(), testConfig())
	require.NoError(t, e.Initialize(context.Background(), launch.Params{}))

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Empty(t, tr.onceStored)
}

// ══════════════════════════════════════════════════════════════════════════
// QUEUE BOUNDS
// ══════════════════════════════════════════════════════════════════════════

func TestOfflineQueueCapDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineQueueCap = 3
	e := newTestEngine(t, newFakeTransport(), memory.NewStore(), cfg)
	require.NoError(t, e.Initialize(context.Background(), launch.Params{}))

	for _, verb := range []string{"experienced", "interacted", "answered", "progressed", "attempted"} {
		_, err := e.Submit(context.Background(), Submission{Verb: verb})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, e.QueueLen())
	assert.Equal(t, int64(2), e.Stats().Dropped)

	remaining := e.queue.snapshot()
	assert.Equal(t, "http://adlnet.gov/expapi/verbs/answered", remaining[0].Verb.ID)
	assert.Equal(t, "http://adlnet.gov/expapi/verbs/attempted", remaining[2].Verb.ID)
}
