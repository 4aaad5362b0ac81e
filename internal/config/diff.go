package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LimitsChanged is true when the turn limit or the inactivity timeout
	// changed. Both new values are always carried.
	LimitsChanged        bool
	NewTurnLimit         int
	NewInactivityTimeout time.Duration

	ClassifierPromptChanged bool
	NewClassifierPrompt     string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LimitsChanged || d.ClassifierPromptChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		NewTurnLimit:         new.Session.TurnLimit,
		NewInactivityTimeout: new.Session.InactivityTimeout,
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.TurnLimit != new.Session.TurnLimit ||
		old.Session.InactivityTimeout != new.Session.InactivityTimeout {
		d.LimitsChanged = true
	}

	if old.Classifier.Prompt != new.Classifier.Prompt {
		d.ClassifierPromptChanged = true
		d.NewClassifierPrompt = new.Classifier.Prompt
	}

	return d
}
