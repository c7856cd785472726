package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects watcher identity, configuration, and feature
// flags, then emits a single structured zerolog event summarising the
// startup state. This makes it easy to see exactly how a run was
// configured when reading logs after the fact.
type StartupLogger struct {
	name         string
	runID        string
	hostname     string
	initDuration time.Duration

	monitors int
	features map[string]bool
	config   map[string]string
}

// NewStartupLogger creates a StartupLogger for the given process name
// (e.g. "screenwatch").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		features: make(map[string]bool),
		config:   make(map[string]string),
	}
}

// RunID sets the unique identifier of this run.
func (s *StartupLogger) RunID(id string) *StartupLogger {
	s.runID = id
	return s
}

// Hostname sets the hostname reported to the activity server.
func (s *StartupLogger) Hostname(h string) *StartupLogger {
	s.hostname = h
	return s
}

// Monitors records the number of monitors found at startup.
func (s *StartupLogger) Monitors(n int) *StartupLogger {
	s.monitors = n
	return s
}

// Feature registers a boolean feature flag (e.g. "s3", "index").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long startup took to complete.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	evt = evt.Dict("watcher", zerolog.Dict().
		Str("name", s.name).
		Str("runId", s.runID).
		Str("hostname", s.hostname).
		Str("goVersion", runtime.Version()).
		Str("os", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv("SCREENWATCH_LOG_LEVEL")))

	if s.monitors > 0 {
		evt = evt.Int("monitors", s.monitors)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Watcher startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
