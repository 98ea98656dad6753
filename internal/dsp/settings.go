package dsp

import "fmt"

// Modes select which mastering engine personality processes the audio.
const (
	ModeLevel  = "level"  // built-in loudness matcher
	ModeWarm   = "warm"   // built-in, gentler soft-clip knee
	ModePunchy = "punchy" // built-in, harder soft-clip knee
	ModeRemote = "remote" // external mastering service
)

// Settings describes one mastering configuration. Engines built for equal
// fingerprints are interchangeable, so the fingerprint keys both the
// processor cache and the chunk result cache.
type Settings struct {
	Mode           string  `json:"mode"`
	Intensity      float64 `json:"intensity"`       // 0..1 blend of processed vs. original
	LoudnessTarget float64 `json:"loudness_target"` // dBFS RMS target, e.g. -14
}

// DefaultSettings is a sensible streaming-loudness master.
func DefaultSettings() Settings {
	return Settings{Mode: ModeLevel, Intensity: 1.0, LoudnessTarget: -14}
}

// SettingsError reports a malformed mastering configuration. Requests
// carrying one are rejected before anything is scheduled.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid settings: %s %s", e.Field, e.Reason)
}

// Validate checks the settings against engine limits.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeLevel, ModeWarm, ModePunchy, ModeRemote:
	default:
		return &SettingsError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	if s.Intensity < 0 || s.Intensity > 1 {
		return &SettingsError{Field: "intensity", Reason: "must be in [0,1]"}
	}
	if s.LoudnessTarget > 0 || s.LoudnessTarget < -40 {
		return &SettingsError{Field: "loudness_target", Reason: "must be in [-40,0] dBFS"}
	}
	return nil
}

// Fingerprint returns a stable key for these settings. Two settings with the
// same fingerprint must produce identical output for identical input.
func (s Settings) Fingerprint() string {
	return fmt.Sprintf("%s|i%.3f|l%.1f", s.Mode, s.Intensity, s.LoudnessTarget)
}
