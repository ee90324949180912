package statement

import "strings"

// adlVerbBase is the ADL verb namespace used for short producer verb names.
const adlVerbBase = "http://adlnet.gov/expapi/verbs/"

// Lifecycle verbs. These five drive course completion state in the host
// system and are the only statements that carry the cmi5 category marker.
var (
	VerbInitialized = adlVerb("initialized")
	VerbCompleted   = adlVerb("completed")
	VerbPassed      = adlVerb("passed")
	VerbFailed      = adlVerb("failed")
	VerbTerminated  = adlVerb("terminated")
)

// lifecycleVerbIDs is the reserved set; nothing producer-submitted may join it.
var lifecycleVerbIDs = map[string]bool{
	VerbInitialized.ID: true,
	VerbCompleted.ID:   true,
	VerbPassed.ID:      true,
	VerbFailed.ID:      true,
	VerbTerminated.ID:  true,
}

// IsLifecycle reports whether the verb belongs to the reserved set.
func (v Verb) IsLifecycle() bool {
	return lifecycleVerbIDs[v.ID]
}

func adlVerb(name string) Verb {
	return Verb{
		ID:      adlVerbBase + name,
		Display: map[string]string{"en-US": name},
	}
}

// VerbFromName builds a Verb from a producer-supplied name. A full IRI is
// used as-is; a bare name is placed in the ADL namespace so arbitrary
// analytics verbs ("answered", "interacted", "launched-minigame") resolve to
// something every record store accepts.
func VerbFromName(name string) Verb {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "://") {
		display := name
		if idx := strings.LastIndexAny(name, "/#"); idx >= 0 && idx < len(name)-1 {
			display = name[idx+1:]
		}
		return Verb{ID: name, Display: map[string]string{"en-US": display}}
	}
	return adlVerb(name)
}
