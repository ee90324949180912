package session

import (
	"context"
	"encoding/json"
)

// Record is the single serialized state of one session, persisted after
// every state-changing event so a restart can resume the attempt without
// repeating the one-time credential exchange.
type Record struct {
	Endpoint       string          `json:"endpoint"`
	AuthHeader     string          `json:"auth_header"`
	Actor          json.RawMessage `json:"actor"`
	RegistrationID string          `json:"registration_id"`
	SessionID      string          `json:"session_id"`
	ActivityID     string          `json:"activity_id"`

	// ContextTemplate is the cached LMS.LaunchData context template.
	ContextTemplate json.RawMessage `json:"context_template,omitempty"`

	// MasteryScore is the pass threshold from LMS.LaunchData (default 0.8).
	MasteryScore float64 `json:"mastery_score"`

	// LaunchMode is Normal, Browse or Review.
	LaunchMode string `json:"launch_mode,omitempty"`

	// Lifecycle send-once flags.
	InitializedSent bool `json:"initialized_sent"`
	CompletionSent  bool `json:"completion_sent"`
	SuccessSent     bool `json:"success_sent"`
	Terminated      bool `json:"terminated"`
}

// Matches validates a restored record against the current launch identity.
// The registration must match, and when the current launch carries its own
// session id that must match too. A registration can be reused across
// distinct sessions (an administrative learner reset issues a new session
// for the same registration); reusing the stale credential in that case is
// provably wrong, so a mismatch on either axis means "different attempt".
func (r *Record) Matches(registrationID, sessionID string) bool {
	if r.RegistrationID != registrationID {
		return false
	}
	if sessionID != "" && r.SessionID != sessionID {
		return false
	}
	return true
}

// HasCredential reports whether a usable auth header was persisted.
func (r *Record) HasCredential() bool {
	return r.AuthHeader != ""
}

// Store is the durable key-value contract for session records, keyed by
// registration. Implementations: in-memory (tests, standalone), Redis
// (default) and Postgres. Load returns shared.ErrNotFound when no record
// exists; writes are last-write-wins, a single owner per registration is
// assumed.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, registrationID string) (*Record, error)
	Clear(ctx context.Context, registrationID string) error
}
