// Package lrs implements the record store (LRS) HTTP client.
// It handles the one-time credential exchange, idempotent store-by-id
// statement delivery, and the optional state/profile lookups, with retry,
// rate limiting and circuit breaking on the delivery path.
package lrs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
	"github.com/lrshub/cmi5-courier/pkg/circuitbreaker"
	"github.com/lrshub/cmi5-courier/pkg/retry"
)

// xapiVersion is sent on every record store request.
const xapiVersion = "1.0.3"

// Well-known document ids fetched during initialization.
const (
	stateLaunchData    = "LMS.LaunchData"
	profileLearnerPref = "cmi5LearnerPreferences"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the LRS client.
type ClientConfig struct {
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// Retry configures bounded backoff for transient delivery failures.
	Retry retry.Config

	// Breaker configures the circuit breaker guarding the record store.
	Breaker circuitbreaker.Config

	// RateLimiter paces requests to the record store.
	RateLimiter RateLimiterConfig

	// SessionInvalidMarkers are substrings matched (case-insensitively)
	// against 401/403/410 response bodies to recognize "this session no
	// longer exists" answers. Record stores phrase this differently, so the
	// list is configuration, not a constant.
	SessionInvalidMarkers []string

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:     30 * time.Second,
		Retry:       retry.DefaultConfig(),
		Breaker:     circuitbreaker.DefaultConfig("lrs"),
		RateLimiter: DefaultRateLimiterConfig(),
		SessionInvalidMarkers: []string{
			"session not found",
			"invalid session",
			"session has been",
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the record store HTTP client. One Client serves one attempt;
// Connect binds it to the endpoint and credential once those are known.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *RateLimiter
	breaker    *circuitbreaker.Breaker
	retrier    *retry.Retrier

	mu         sync.RWMutex
	endpoint   string
	authHeader string
}

// NewClient creates a new LRS client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if len(config.SessionInvalidMarkers) == 0 {
		config.SessionInvalidMarkers = DefaultClientConfig().SessionInvalidMarkers
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger,
		limiter:    NewRateLimiter(config.RateLimiter),
		breaker:    circuitbreaker.New(config.Breaker),
		retrier:    retry.New(config.Retry),
	}
}

// Connect binds the client to the record store endpoint and the
// authorization header value obtained from the credential exchange (or
// restored from the session store).
func (c *Client) Connect(endpoint, authHeader string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = strings.TrimRight(endpoint, "/")
	c.authHeader = authHeader
}

func (c *Client) binding() (endpoint, authHeader string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.authHeader
}

// ══════════════════════════════════════════════════════════════════════════════
// CREDENTIAL EXCHANGE
// ══════════════════════════════════════════════════════════════════════════════

// FetchToken performs the one-time credential exchange: a single POST with
// no body to the fetch URL. The returned value is a ready-to-use
// Authorization header. A 401/403/410 answer means the URL was already
// consumed; that is unrecoverable for this attempt and is never retried,
// because retrying a one-time exchange is guaranteed to fail again.
func (c *Client) FetchToken(ctx context.Context, fetchURL string) (string, error) {
	var header string

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fetchURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("exchange request: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(fmt.Errorf("read exchange response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case consumedStatus(resp.StatusCode):
			return retry.Permanent(shared.NewDomainError("lrs", "FetchToken",
				shared.ErrExchangeConsumed,
				fmt.Sprintf("exchange answered %d", resp.StatusCode), nil))
		case resp.StatusCode >= 500:
			return retry.Transient(&apiError{StatusCode: resp.StatusCode, Body: string(body)})
		default:
			return retry.Permanent(&apiError{StatusCode: resp.StatusCode, Body: string(body)})
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return retry.Permanent(fmt.Errorf("parse exchange response: %w", err))
		}
		token := tr.value()
		if token == "" {
			return retry.Permanent(shared.NewDomainError("lrs", "FetchToken",
				shared.ErrInvalidInput, "exchange response carries no token field", nil))
		}

		header = normalizeAuthHeader(token)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("credential exchange complete")
	return header, nil
}

func consumedStatus(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusGone
}

// ══════════════════════════════════════════════════════════════════════════════
// STATEMENT DELIVERY
// ══════════════════════════════════════════════════════════════════════════════

// StoreStatement delivers one statement with bounded retries for transient
// failures. The PUT is keyed by the statement's own UUID, so a duplicate
// delivery caused by network ambiguity is idempotent server-side.
//
// A session-invalidated answer surfaces as shared.ErrSessionInvalidated;
// the delivery queue treats that as a permanent halt.
func (c *Client) StoreStatement(ctx context.Context, st *statement.Statement) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	if err := c.limiter.Allow(ctx); err != nil {
		c.breaker.RecordFailure()
		return err
	}

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.classify(c.putStatement(ctx, st), "StoreStatement")
	})
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

// StoreStatementOnce delivers one statement in a single attempt, bypassing
// the retrier, limiter and breaker. It exists for page-teardown delivery of
// the final terminated statement, where there is no second chance and no
// time to wait; failures are reported but never retried.
func (c *Client) StoreStatementOnce(ctx context.Context, st *statement.Statement) error {
	err := c.classify(c.putStatement(ctx, st), "StoreStatementOnce")
	if err == nil {
		return nil
	}
	return unwrapMarkers(err)
}

func (c *Client) putStatement(ctx context.Context, st *statement.Statement) error {
	endpoint, authHeader := c.binding()
	if endpoint == "" || authHeader == "" {
		return retry.Permanent(shared.ErrNotConnected)
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal statement: %w", err))
	}

	u := endpoint + "/statements?" + url.Values{"statementId": {st.ID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(req, authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &apiError{StatusCode: resp.StatusCode, Body: string(body)}
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE AND PROFILE LOOKUPS
// ══════════════════════════════════════════════════════════════════════════════

// LaunchData fetches the LMS.LaunchData state document. A 404 means the LMS
// published none, which is normal: shared.ErrNotFound, defaults apply.
func (c *Client) LaunchData(ctx context.Context, lc *launch.Context) (*launch.Data, error) {
	params := url.Values{
		"stateId":      {stateLaunchData},
		"activityId":   {lc.ActivityID},
		"agent":        {string(lc.Actor)},
		"registration": {lc.RegistrationID},
	}

	var data launch.Data
	if err := c.getJSON(ctx, "/activities/state?"+params.Encode(), &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// LearnerPreferences fetches the cmi5LearnerPreferences agent profile.
// Absence (shared.ErrNotFound) is normal.
func (c *Client) LearnerPreferences(ctx context.Context, lc *launch.Context) (*launch.Preferences, error) {
	params := url.Values{
		"profileId": {profileLearnerPref},
		"agent":     {string(lc.Actor)},
	}

	var prefs launch.Preferences
	if err := c.getJSON(ctx, "/agents/profile?"+params.Encode(), &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (c *Client) getJSON(ctx context.Context, pathAndQuery string, out any) error {
	endpoint, authHeader := c.binding()
	if endpoint == "" || authHeader == "" {
		return shared.ErrNotConnected
	}

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+pathAndQuery, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		c.setHeaders(req, authHeader)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("http request: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(fmt.Errorf("read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return retry.Permanent(fmt.Errorf("unmarshal response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(shared.ErrNotFound)
		case resp.StatusCode >= 500:
			return retry.Transient(&apiError{StatusCode: resp.StatusCode, Body: string(body)})
		default:
			return retry.Permanent(&apiError{StatusCode: resp.StatusCode, Body: string(body)})
		}
	})
	return err
}

func (c *Client) setHeaders(req *http.Request, authHeader string) {
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Experience-API-Version", xapiVersion)
}

// ══════════════════════════════════════════════════════════════════════════════
// FAILURE CLASSIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// classify inspects a delivery error. Authorization-class answers whose body
// matches a configured marker become shared.ErrSessionInvalidated (permanent,
// halts the queue); 429/5xx stay transient for the retrier; everything else
// is permanent.
func (c *Client) classify(err error, op string) error {
	if err == nil {
		return nil
	}

	var ae *apiError
	if !errors.As(err, &ae) {
		// Network-level failures arrive already marked by putStatement.
		return err
	}

	switch {
	case consumedStatus(ae.StatusCode) && c.matchesInvalidMarker(ae.Body):
		c.logger.Warn("record store reports session invalidated",
			"status", ae.StatusCode, "op", op)
		return retry.Permanent(shared.NewDomainError("lrs", op,
			shared.ErrSessionInvalidated, "record store rejected the session", ae))
	case ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500:
		return retry.Transient(ae)
	default:
		return retry.Permanent(ae)
	}
}

func (c *Client) matchesInvalidMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range c.config.SessionInvalidMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// unwrapMarkers strips retry classification wrappers for single-attempt
// callers that never consult them.
func unwrapMarkers(err error) error {
	for {
		var te *retry.TransientError
		if errors.As(err, &te) && errors.Unwrap(err) != nil {
			err = errors.Unwrap(err)
			continue
		}
		var pe *retry.PermanentError
		if errors.As(err, &pe) && errors.Unwrap(err) != nil {
			err = errors.Unwrap(err)
			continue
		}
		return err
	}
}
