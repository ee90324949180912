package statement

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
	"github.com/lrshub/cmi5-courier/pkg/timeutil"
)

// Builder produces Statements bound to one course attempt. It merges the
// server-provided context template (when one was retrieved during
// initialization) with the mandatory fields: registration, the session
// correlation extension, actor, object, and a client-generated id.
//
// Builder is not safe for concurrent use with SetTemplate; the engine sets
// the template once during the serialized initialization sequence.
type Builder struct {
	lc       *launch.Context
	template *Context

	// now is swappable for tests.
	now func() time.Time
}

// NewBuilder creates a Builder for the given attempt.
func NewBuilder(lc *launch.Context) *Builder {
	return &Builder{lc: lc, now: timeutil.Now}
}

// SetTemplate installs the LMS-provided context template. Unknown template
// fields are dropped; registration and extensions from the template are
// always overridden by the attempt's own values.
func (b *Builder) SetTemplate(raw json.RawMessage) error {
	if len(raw) == 0 {
		b.template = nil
		return nil
	}
	var tmpl Context
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return shared.NewDomainError("statement", "SetTemplate", shared.ErrInvalidInput,
			"context template is not valid JSON", err)
	}
	b.template = &tmpl
	return nil
}

// Option mutates a statement under construction.
type Option func(*draft)

type draft struct {
	object     *Object
	result     *Result
	scoreSet   bool
	score      float64
	success    *bool
	completion *bool
	response   string
	duration   time.Duration
	hasDur     bool
}

// WithObject overrides the default object (the launched activity).
func WithObject(obj Object) Option {
	return func(d *draft) { d.object = &obj }
}

// WithScore records a scaled score. Values outside [0,1] are clamped.
func WithScore(scaled float64) Option {
	return func(d *draft) {
		d.scoreSet = true
		d.score = scaled
	}
}

// WithSuccess records the success flag.
func WithSuccess(success bool) Option {
	return func(d *draft) { d.success = &success }
}

// WithCompletion records the completion flag.
func WithCompletion(completion bool) Option {
	return func(d *draft) { d.completion = &completion }
}

// WithResponse records the learner's raw response.
func WithResponse(response string) Option {
	return func(d *draft) { d.response = response }
}

// WithDuration records how long the interaction took.
func WithDuration(dur time.Duration) Option {
	return func(d *draft) {
		d.hasDur = true
		d.duration = dur
	}
}

// Build produces a producer ("allowed") statement. It never attaches the
// cmi5 category: doing so would subject arbitrary analytics events to the
// record store's strict defined-statement validation, which they cannot
// satisfy.
func (b *Builder) Build(verb Verb, opts ...Option) (*Statement, error) {
	if verb.IsLifecycle() {
		return nil, shared.NewDomainError("statement", "Build", shared.ErrInvalidInput,
			"lifecycle verb submitted through the producer path", nil)
	}
	return b.build(verb, false, opts...)
}

// BuildLifecycle produces one of the five reserved cmi5 defined statements,
// with the category marker attached.
func (b *Builder) BuildLifecycle(verb Verb, opts ...Option) (*Statement, error) {
	if !verb.IsLifecycle() {
		return nil, shared.NewDomainError("statement", "BuildLifecycle", shared.ErrInvalidInput,
			"verb is not in the reserved lifecycle set", nil)
	}
	return b.build(verb, true, opts...)
}

func (b *Builder) build(verb Verb, defined bool, opts ...Option) (*Statement, error) {
	if verb.ID == "" {
		return nil, shared.NewDomainError("statement", "Build", shared.ErrEmptyValue,
			"verb is required", nil)
	}

	var d draft
	for _, opt := range opts {
		opt(&d)
	}

	st := &Statement{
		ID:        uuid.NewString(),
		Actor:     b.lc.Actor,
		Verb:      verb,
		Timestamp: timeutil.Timestamp(b.now()),
	}

	if d.object != nil {
		st.Object = *d.object
	} else {
		st.Object = Object{ObjectType: "Activity", ID: b.lc.ActivityID}
	}
	if st.Object.ID == "" {
		return nil, shared.NewDomainError("statement", "Build", shared.ErrEmptyValue,
			"object id is required", nil)
	}

	st.Context = b.buildContext(defined)
	st.Result = d.buildResult()

	return st, nil
}

// buildContext merges the cached template with the mandatory attempt fields.
func (b *Builder) buildContext(defined bool) *Context {
	sctx := &Context{}
	if b.template != nil {
		sctx.Language = b.template.Language
		if b.template.ContextActivities != nil {
			sctx.ContextActivities = cloneContextActivities(b.template.ContextActivities)
		}
	}

	sctx.Registration = b.lc.RegistrationID

	sctx.Extensions = make(map[string]json.RawMessage, len(b.template.extensions())+1)
	for k, v := range b.template.extensions() {
		sctx.Extensions[k] = v
	}
	sid, _ := json.Marshal(b.lc.SessionID)
	sctx.Extensions[ExtensionSessionID] = sid

	if defined {
		if sctx.ContextActivities == nil {
			sctx.ContextActivities = &ContextActivities{}
		}
		if !hasCategory(sctx.ContextActivities.Category, CategoryCmi5) {
			sctx.ContextActivities.Category = append(sctx.ContextActivities.Category,
				Object{ObjectType: "Activity", ID: CategoryCmi5})
		}
	} else if sctx.ContextActivities != nil {
		// The template may carry the category; producer statements must not.
		sctx.ContextActivities.Category = withoutCategory(sctx.ContextActivities.Category, CategoryCmi5)
	}

	return sctx
}

// extensions is nil-safe access to template extensions.
func (c *Context) extensions() map[string]json.RawMessage {
	if c == nil {
		return nil
	}
	return c.Extensions
}

// cloneContextActivities copies the template's context activities so no
// build can mutate the cached template through shared slice backing arrays.
func cloneContextActivities(ca *ContextActivities) *ContextActivities {
	out := &ContextActivities{}
	out.Category = append([]Object(nil), ca.Category...)
	out.Grouping = append([]Object(nil), ca.Grouping...)
	out.Parent = append([]Object(nil), ca.Parent...)
	out.Other = append([]Object(nil), ca.Other...)
	return out
}

func hasCategory(categories []Object, id string) bool {
	for _, c := range categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

func withoutCategory(categories []Object, id string) []Object {
	if !hasCategory(categories, id) {
		return categories
	}
	out := make([]Object, 0, len(categories))
	for _, c := range categories {
		if c.ID != id {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (d *draft) buildResult() *Result {
	if !d.scoreSet && d.success == nil && d.completion == nil && d.response == "" && !d.hasDur {
		return nil
	}

	res := &Result{
		Success:    d.success,
		Completion: d.completion,
		Response:   d.response,
	}
	if d.scoreSet {
		scaled := d.score
		if scaled < 0 {
			scaled = 0
		}
		if scaled > 1 {
			scaled = 1
		}
		res.Score = &Score{Scaled: scaled, Raw: scaled * 100, Min: 0, Max: 100}
	}
	if d.hasDur {
		res.Duration = timeutil.ISO8601Duration(d.duration)
	}
	return res
}
