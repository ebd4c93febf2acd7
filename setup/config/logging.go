package config

// LogLevel is one of logrus's level names ("panic", "fatal", "error",
// "warn", "info", "debug", "trace").
type LogLevel string

// LogrusHook configures one logrus output: either the process's own
// stdout/stderr (Type "std") or a rotated file on disk (Type "file"),
// matching the two sinks dendrite-style deployments actually run with.
type LogrusHook struct {
	Type    string          `yaml:"type"`
	Level   LogLevel        `yaml:"level"`
	Params  LogrusHookParams `yaml:"params"`
}

type LogrusHookParams struct {
	Path string `yaml:"path"`
}

// Logging is the ordered list of hooks SetupHookLogging installs. A
// deployment with no file hook configured just gets SetupStdLogging's
// stdout/stderr split.
type Logging []LogrusHook

func (l *Logging) Defaults() {
	*l = Logging{
		{Type: "std", Level: "info"},
	}
}

// Sentry configures error reporting via sentry-go. Empty DSN disables it.
type Sentry struct {
	Enabled          bool    `yaml:"enabled"`
	DSN              string  `yaml:"dsn"`
	Environment      string  `yaml:"environment"`
	DbgLevel         bool    `yaml:"debug"`
	SampleRate       float64 `yaml:"sample_rate"`
	ServerName       string  `yaml:"-"`
}

func (s *Sentry) Defaults() {
	s.SampleRate = 1.0
}
