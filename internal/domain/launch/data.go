package launch

import "encoding/json"

// Launch modes from LMS.LaunchData. Non-Normal modes run the content
// without affecting the learner's official record: the engine suppresses
// lifecycle result statements for them.
const (
	ModeNormal = "Normal"
	ModeBrowse = "Browse"
	ModeReview = "Review"
)

// DefaultMasteryScore applies when the LMS publishes no threshold.
const DefaultMasteryScore = 0.8

// Data is the LMS.LaunchData state document fetched best-effort during
// initialization. Its absence is normal, not an error; defaults apply.
type Data struct {
	ContextTemplate json.RawMessage `json:"contextTemplate,omitempty"`
	LaunchMode      string          `json:"launchMode,omitempty"`
	MasteryScore    *float64        `json:"masteryScore,omitempty"`
	MoveOn          string          `json:"moveOn,omitempty"`
	ReturnURL       string          `json:"returnURL,omitempty"`
}

// EffectiveMasteryScore returns the published threshold or the default.
func (d *Data) EffectiveMasteryScore() float64 {
	if d == nil || d.MasteryScore == nil {
		return DefaultMasteryScore
	}
	return *d.MasteryScore
}

// EffectiveLaunchMode returns the published mode or Normal.
func (d *Data) EffectiveLaunchMode() string {
	if d == nil || d.LaunchMode == "" {
		return ModeNormal
	}
	return d.LaunchMode
}

// Preferences is the cmi5LearnerPreferences agent profile document, fetched
// best-effort during initialization.
type Preferences struct {
	LanguagePreference string `json:"languagePreference,omitempty"`
	AudioPreference    string `json:"audioPreference,omitempty"`
}
