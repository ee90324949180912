package lrs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
	"github.com/lrshub/cmi5-courier/pkg/retry"
)

func testClient() *Client {
	cfg := DefaultClientConfig()
	cfg.Retry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
	return NewClient(cfg)
}

func testStatement(t *testing.T) *statement.Statement {
	t.Helper()
	lc := &launch.Context{
		Actor:          json.RawMessage(`{"objectType":"Agent","account":{"homePage":"https://lms.example.org","name":"learner-42"}}`),
		RegistrationID: "d8f9c9f2-6a3e-4b0c-8b1f-2f6f1f4a9e01",
		SessionID:      "sess-1",
		ActivityID:     "https://example.org/course/intro-go",
	}
	st, err := statement.NewBuilder(lc).Build(statement.VerbFromName("answered"))
	require.NoError(t, err)
	return st
}

func TestFetchToken_FieldVariantsAndSchemeNormalization(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"cmi5 field, bare token", `{"auth-token":"dG9rZW4="}`, "Basic dG9rZW4="},
		{"access_token", `{"access_token":"abc"}`, "Basic abc"},
		{"token", `{"token":"abc"}`, "Basic abc"},
		{"camelCase", `{"authToken":"abc"}`, "Basic abc"},
		{"scheme already present", `{"auth-token":"Basic xyz"}`, "Basic xyz"},
		{"bearer kept", `{"auth-token":"Bearer xyz"}`, "Bearer xyz"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, int64(0), r.ContentLength, "exchange POST carries no body")
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			header, err := testClient().FetchToken(context.Background(), srv.URL)
			require.NoError(t, err)
			assert.Equal(t, tc.want, header)
		})
	}
}

func TestFetchToken_ConsumedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient().FetchToken(context.Background(), srv.URL)
	assert.ErrorIs(t, err, shared.ErrExchangeConsumed)
	assert.Equal(t, int32(1), calls.Load(), "a consumed one-time URL must not be retried")
}

func TestFetchToken_TransientServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"auth-token":"abc"}`))
	}))
	defer srv.Close()

	header, err := testClient().FetchToken(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Basic abc", header)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchToken_NoTokenField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"something":"else"}`))
	}))
	defer srv.Close()

	_, err := testClient().FetchToken(context.Background(), srv.URL)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestStoreStatement_WireShape(t *testing.T) {
	st := testStatement(t)

	var gotPath, gotQuery, gotAuth, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("statementId")
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Experience-API-Version")
		assert.Equal(t, http.MethodPut, r.Method)

		var body statement.Statement
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, st.ID, body.ID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	require.NoError(t, c.StoreStatement(context.Background(), st))
	assert.Equal(t, "/statements", gotPath)
	assert.Equal(t, st.ID, gotQuery, "store-by-id keyed by the statement's own UUID")
	assert.Equal(t, "Basic abc", gotAuth)
	assert.Equal(t, "1.0.3", gotVersion)
}

func TestStoreStatement_SessionInvalidated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"Session not found or already terminated"}`))
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	err := c.StoreStatement(context.Background(), testStatement(t))
	assert.ErrorIs(t, err, shared.ErrSessionInvalidated)
	assert.Equal(t, int32(1), calls.Load(), "session-invalidated is permanent")
}

func TestStoreStatement_TransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	err := c.StoreStatement(context.Background(), testStatement(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrSessionInvalidated)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStoreStatement_NotConnected(t *testing.T) {
	err := testClient().StoreStatement(context.Background(), testStatement(t))
	assert.ErrorIs(t, err, shared.ErrNotConnected)
}

func TestStoreStatementOnce_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	err := c.StoreStatementOnce(context.Background(), testStatement(t))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "teardown path never retries")
}

func TestLaunchData_ParsesDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/state", r.URL.Path)
		assert.Equal(t, "LMS.LaunchData", r.URL.Query().Get("stateId"))
		assert.NotEmpty(t, r.URL.Query().Get("agent"))
		assert.NotEmpty(t, r.URL.Query().Get("registration"))
		w.Write([]byte(`{
			"contextTemplate": {"registration":"ignored"},
			"launchMode": "Normal",
			"masteryScore": 0.9,
			"moveOn": "CompletedOrPassed"
		}`))
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	lc := &launch.Context{
		Actor:          json.RawMessage(`{"objectType":"Agent"}`),
		RegistrationID: "d8f9c9f2-6a3e-4b0c-8b1f-2f6f1f4a9e01",
		ActivityID:     "https://example.org/course/intro-go",
	}
	data, err := c.LaunchData(context.Background(), lc)
	require.NoError(t, err)
	assert.Equal(t, 0.9, data.EffectiveMasteryScore())
	assert.Equal(t, "Normal", data.EffectiveLaunchMode())
	assert.NotEmpty(t, data.ContextTemplate)
}

func TestLaunchData_AbsentIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	_, err := c.LaunchData(context.Background(), &launch.Context{Actor: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestLearnerPreferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/profile", r.URL.Path)
		assert.Equal(t, "cmi5LearnerPreferences", r.URL.Query().Get("profileId"))
		w.Write([]byte(`{"languagePreference":"ru-KZ,en-US","audioPreference":"on"}`))
	}))
	defer srv.Close()

	c := testClient()
	c.Connect(srv.URL, "Basic abc")

	prefs, err := c.LearnerPreferences(context.Background(), &launch.Context{Actor: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "ru-KZ,en-US", prefs.LanguagePreference)
}

func TestNormalizeAuthHeader(t *testing.T) {
	assert.Equal(t, "Basic abc", normalizeAuthHeader("abc"))
	assert.Equal(t, "Basic abc", normalizeAuthHeader("  abc  "))
	assert.Equal(t, "Basic abc", normalizeAuthHeader("Basic abc"))
	assert.Equal(t, "Bearer abc", normalizeAuthHeader("Bearer abc"))
}
