package internal

import (
	"os"
	"path/filepath"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/getsentry/sentry-go"
	sentryhook "github.com/getsentry/sentry-go/logrus"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/coremx/homeserver/setup/config"
)

// SetupStdLogging points logrus at stdout/stderr with the text formatter,
// splitting info-and-below to stdout and warn-and-above to stderr via
// stdemuxerhook so systemd/journald sees severities on the right stream.
func SetupStdLogging() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:   true,
	})
	logrus.AddHook(stdemuxerhook.NewHook(logrus.StandardLogger()))
}

// SetupHookLogging installs one logrus hook per configured sink: rotated
// JSON files via dugong for "file" hooks, nothing extra for "std" since
// SetupStdLogging already covers it.
func SetupHookLogging(hooks config.Logging) {
	for _, hook := range hooks {
		configureHook(hook)
	}
}

func configureHook(hook config.LogrusHook) {
	level, err := logrus.ParseLevel(string(hook.Level))
	if err != nil {
		logrus.WithError(err).WithField("level", hook.Level).Fatal("invalid logging level")
	}

	switch hook.Type {
	case "file":
		if hook.Params.Path == "" {
			logrus.Fatal("file logging hook configured with no path")
		}
		fsHook := dugong.NewFSHook(
			filepath.Join(hook.Params.Path, "info.log"),
			&logrus.JSONFormatter{},
			&dugong.DailyRotationSchedule{GZip: true},
		)
		logrus.AddHook(&levelFilterHook{Hook: fsHook, min: level})
	case "std":
		// handled by SetupStdLogging
	default:
		logrus.WithField("type", hook.Type).Warn("unrecognised logging hook type")
	}
}

// levelFilterHook restricts an underlying hook (whose own Levels() covers
// every severity, like dugong's) to min-and-above, since one config.Logging
// entry is one severity threshold, not a hook-defined set.
type levelFilterHook struct {
	logrus.Hook
	min logrus.Level
}

func (h *levelFilterHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.min {
			levels = append(levels, l)
		}
	}
	return levels
}

// SetupSentry initialises sentry-go per cfg and attaches a logrus hook so
// WithError(...).Error/Fatal/Panic calls are reported as events.
func SetupSentry(cfg config.Sentry) error {
	if !cfg.Enabled || cfg.DSN == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		ServerName:  cfg.ServerName,
		SampleRate:  cfg.SampleRate,
		Debug:       cfg.DbgLevel,
	}); err != nil {
		return err
	}
	hook, err := sentryhook.New([]logrus.Level{
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}, sentry.ClientOptions{Dsn: cfg.DSN})
	if err != nil {
		return err
	}
	logrus.AddHook(hook)
	return nil
}
