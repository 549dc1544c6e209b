package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied without a restart; everything else is reported so the server
// can tell the operator a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriberChanged is true if any transcriber field differs. Backends
	// are constructed once at startup, so this requires a restart.
	TranscriberChanged bool

	// PipelineChanged is true if any pipeline tuning field differs. Applies
	// to jobs started after the reload.
	PipelineChanged bool
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TranscriberChanged || d.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Transcriber, new.Transcriber) {
		d.TranscriberChanged = true
	}
	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	return d
}
