// Package launch resolves cmi5 launch parameters into the identity of one
// course attempt. The launch parameters normally arrive exactly once, on
// first entry; everything downstream (credential exchange, statement
// context) is keyed off the Context built here.
package launch

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lrshub/cmi5-courier/internal/domain/shared"
)

// Params are the raw launch parameters as handed to the engine, before any
// validation. All fields are optional; absence of both Endpoint and FetchURL
// means the content is running without an LMS (standalone).
type Params struct {
	// Endpoint is the record store base URL.
	Endpoint string

	// FetchURL is the one-time credential exchange URL.
	FetchURL string

	// Actor is the learner identity as an opaque JSON agent object.
	Actor string

	// Registration is the UUID of this learner's attempt.
	Registration string

	// ActivityID is the IRI identifying the launched content.
	ActivityID string
}

// FromQuery extracts Params from launch URL query values using the cmi5
// parameter names.
func FromQuery(values url.Values) Params {
	return Params{
		Endpoint:     values.Get("endpoint"),
		FetchURL:     values.Get("fetch"),
		Actor:        values.Get("actor"),
		Registration: values.Get("registration"),
		ActivityID:   values.Get("activityId"),
	}
}

// Context is the resolved identity of one course attempt. It is immutable
// for the attempt's lifetime and never regenerated except when a stored
// session fails restore validation.
type Context struct {
	Endpoint       string
	FetchURL       string
	Actor          json.RawMessage
	RegistrationID string
	SessionID      string
	ActivityID     string

	// SessionFallback is true when the session id had to be generated
	// locally because no exchange URL carried one. Strict record stores may
	// reject such sessions; callers should log this as a degraded launch.
	SessionFallback bool
}

// Resolve validates Params and produces a Context.
// It returns shared.ErrNoLaunchContext when the parameters carry no record
// store at all, which callers treat as standalone mode rather than a fault.
func Resolve(p Params) (*Context, error) {
	if p.Endpoint == "" && p.FetchURL == "" {
		return nil, shared.ErrNoLaunchContext
	}

	if p.Endpoint == "" {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrValidation,
			"fetch URL present but endpoint missing", nil)
	}
	if _, err := url.ParseRequestURI(p.Endpoint); err != nil {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrInvalidInput,
			"endpoint is not a valid URL", err)
	}

	if p.Registration == "" {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrEmptyValue,
			"registration is required", nil)
	}
	reg, err := uuid.Parse(p.Registration)
	if err != nil {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrInvalidInput,
			"registration is not a UUID", err)
	}

	if p.Actor == "" {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrEmptyValue,
			"actor is required", nil)
	}
	if !json.Valid([]byte(p.Actor)) {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrInvalidInput,
			"actor is not valid JSON", nil)
	}

	if p.ActivityID == "" {
		return nil, shared.NewDomainError("launch", "Resolve", shared.ErrEmptyValue,
			"activityId is required", nil)
	}

	ctx := &Context{
		Endpoint:       strings.TrimRight(p.Endpoint, "/"),
		FetchURL:       p.FetchURL,
		Actor:          json.RawMessage(p.Actor),
		RegistrationID: reg.String(),
		ActivityID:     p.ActivityID,
	}

	// The session id embedded in the exchange URL is authoritative: the
	// server correlates exchange retries to it. A locally generated id is a
	// last resort for launches that never got a fetch URL.
	if sid := sessionIDFromFetchURL(p.FetchURL); sid != "" {
		ctx.SessionID = sid
	} else {
		ctx.SessionID = uuid.NewString()
		ctx.SessionFallback = true
	}

	return ctx, nil
}

// sessionIDFromFetchURL extracts the session identifier embedded in a
// one-time exchange URL. LMS implementations vary: some carry it as a query
// parameter, others as the final path segment.
func sessionIDFromFetchURL(fetchURL string) string {
	if fetchURL == "" {
		return ""
	}
	u, err := url.Parse(fetchURL)
	if err != nil {
		return ""
	}

	for _, key := range []string{"session", "sessionId", "sessionid", "session_id", "sid"} {
		if v := u.Query().Get(key); v != "" {
			return v
		}
	}

	// Fall back to the last path segment when it looks like an identifier
	// rather than a route name.
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	if _, err := uuid.Parse(last); err == nil {
		return last
	}
	return ""
}
