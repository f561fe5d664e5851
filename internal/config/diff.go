package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level, auth
// token and session tuning are applied live; every other change is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AuthTokenChanged bool

	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AuthTokenChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.AuthToken != new.Server.AuthToken {
		d.AuthTokenChanged = true
	}
	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.ASR, new.ASR) {
		d.RestartRequired = append(d.RestartRequired, "asr")
	}
	if old.Concurrency != new.Concurrency {
		d.RestartRequired = append(d.RestartRequired, "concurrency")
	}
	if old.Indexer != new.Indexer {
		d.RestartRequired = append(d.RestartRequired, "indexer")
	}
	return d
}
