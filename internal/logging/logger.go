// Package logging wraps logrus to provide structured, per-request
// loggers.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around a logrus entry that carries a fixed set
// of contextual fields (service name, trace/partition/instance) forward
// through every log line it emits.
type Logger struct {
	entry *logrus.Entry
}

// Init configures the process-wide logrus output: JSON lines on stdout at
// the given level. Called once from cmd/reservoir/main.go.
func Init(level logrus.Level) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(level)
}

// New creates a root Logger for a service/component name.
func New(serviceName string) *Logger {
	return &Logger{entry: logrus.WithField("service", serviceName)}
}

// WithTrace returns a derived Logger carrying the given request's
// trace_id, partition, and instance on every subsequent line.
func (l *Logger) WithTrace(traceID, partition, instance string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{
		"trace_id":  traceID,
		"partition": partition,
		"instance":  instance,
	})}
}

// WithField returns a derived Logger with one extra field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError attaches an error and, if it is an *apperr.Error, its Kind,
// to the log line. Accepts a plain error so callers never need to import
// apperr just to log one.
func (l *Logger) WithError(err error) *Logger {
	fields := logrus.Fields{"error": err.Error()}
	if kinder, ok := err.(interface{ ErrKind() string }); ok {
		fields["error_kind"] = kinder.ErrKind()
	}
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(msg string) { l.entry.Debug(msg) }
func (l *Logger) Info(msg string)  { l.entry.Info(msg) }
func (l *Logger) Warn(msg string)  { l.entry.Warn(msg) }
func (l *Logger) Error(msg string) { l.entry.Error(msg) }
func (l *Logger) Fatal(msg string) { l.entry.Fatal(msg) }
