// Package statement contains the xAPI statement model and the builder that
// produces protocol-compliant, context-enriched event records for delivery
// to a record store.
package statement

import (
	"encoding/json"
)

// Well-known cmi5 IRIs. The category marks a statement as "cmi5 defined",
// subjecting it to the record store's strict validation; the session
// extension correlates all traffic of one launch.
const (
	CategoryCmi5       = "https://w3id.org/xapi/cmi5/context/categories/cmi5"
	ExtensionSessionID = "https://w3id.org/xapi/cmi5/context/extensions/sessionid"
)

// Statement is one immutable event record. Built once at submission time and
// never mutated after enqueue; the client-generated ID makes delivery
// idempotent on the server side.
type Statement struct {
	ID        string          `json:"id"`
	Actor     json.RawMessage `json:"actor"`
	Verb      Verb            `json:"verb"`
	Object    Object          `json:"object"`
	Result    *Result         `json:"result,omitempty"`
	Context   *Context        `json:"context,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Verb identifies what happened.
type Verb struct {
	ID      string            `json:"id"`
	Display map[string]string `json:"display,omitempty"`
}

// Object is the thing the verb acted on, normally the launched activity.
type Object struct {
	ObjectType string              `json:"objectType,omitempty"`
	ID         string              `json:"id"`
	Definition *ActivityDefinition `json:"definition,omitempty"`
}

// ActivityDefinition carries optional human-readable activity metadata.
type ActivityDefinition struct {
	Name        map[string]string `json:"name,omitempty"`
	Description map[string]string `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
}

// Score is a normalized result score. Scaled is the source of truth in
// [0,1]; Raw/Min/Max mirror it on a 0-100 scale for LMS reporting.
type Score struct {
	Scaled float64 `json:"scaled"`
	Raw    float64 `json:"raw"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Result carries the optional outcome of a statement.
type Result struct {
	Score      *Score                     `json:"score,omitempty"`
	Success    *bool                      `json:"success,omitempty"`
	Completion *bool                      `json:"completion,omitempty"`
	Response   string                     `json:"response,omitempty"`
	Duration   string                     `json:"duration,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Context anchors a statement to the attempt: registration, the session
// extension, and (for defined statements only) the cmi5 category marker.
type Context struct {
	Registration      string                     `json:"registration,omitempty"`
	ContextActivities *ContextActivities         `json:"contextActivities,omitempty"`
	Extensions        map[string]json.RawMessage `json:"extensions,omitempty"`
	Language          string                     `json:"language,omitempty"`
}

// ContextActivities relates a statement to surrounding activities.
type ContextActivities struct {
	Category []Object `json:"category,omitempty"`
	Grouping []Object `json:"grouping,omitempty"`
	Parent   []Object `json:"parent,omitempty"`
	Other    []Object `json:"other,omitempty"`
}

// HasCategory reports whether the statement context carries the given
// category activity id.
func (s *Statement) HasCategory(id string) bool {
	if s.Context == nil || s.Context.ContextActivities == nil {
		return false
	}
	for _, c := range s.Context.ContextActivities.Category {
		if c.ID == id {
			return true
		}
	}
	return false
}

// SessionID returns the session correlation extension value, or "".
func (s *Statement) SessionID() string {
	if s.Context == nil {
		return ""
	}
	raw, ok := s.Context.Extensions[ExtensionSessionID]
	if !ok {
		return ""
	}
	var sid string
	if err := json.Unmarshal(raw, &sid); err != nil {
		return ""
	}
	return sid
}
