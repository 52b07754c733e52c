package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the global logger instance
	Log *logrus.Logger
)

func init() {
	// Auto-initialize default logger to ensure it works before Init is called
	Log = logrus.New()
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(textFormatter())
	Log.SetOutput(os.Stdout)
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	}
}

// ============================================================================
// Initialization functions
// ============================================================================

// Init initializes the global logger
// If config is nil, uses default configuration (console output, info level)
func Init(cfg *Config) error {
	Log = logrus.New()

	if cfg == nil {
		cfg = &Config{Level: "info"}
	}
	cfg.SetDefaults()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Log.SetLevel(level)

	if cfg.Format == "json" {
		Log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		Log.SetFormatter(textFormatter())
	}

	Log.SetOutput(os.Stdout)
	Log.SetReportCaller(cfg.Caller)

	return nil
}

// SetOutput redirects the global logger, tests use it to silence or capture output
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// AddHook registers a logrus hook on the global logger
func AddHook(hook logrus.Hook) {
	Log.AddHook(hook)
}

// ============================================================================
// Logging functions
// ============================================================================

// WithFields creates logger entry with fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithField creates logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// WithRun tags every entry with the run id
func WithRun(runID string) *logrus.Entry {
	return Log.WithField("run", runID)
}

func Debug(args ...interface{}) {
	Log.Debug(args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func Error(args ...interface{}) {
	Log.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	Log.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	Log.Fatalf(format, args...)
}

// ============================================================================
// Alert hook
// ============================================================================

// AlertHook forwards warn-and-above entries to a callback, used to push
// engine alerts to a chat notifier
type AlertHook struct {
	levels []logrus.Level
	send   func(msg string)
}

// NewAlertHook creates a hook firing for the given minimum level
func NewAlertHook(min logrus.Level, send func(msg string)) *AlertHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return &AlertHook{levels: levels, send: send}
}

func (h *AlertHook) Levels() []logrus.Level {
	return h.levels
}

func (h *AlertHook) Fire(entry *logrus.Entry) error {
	if h.send == nil {
		return nil
	}
	h.send("[" + entry.Level.String() + "] " + entry.Message)
	return nil
}
