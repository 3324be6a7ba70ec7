// Package logger provides a small structured-logging abstraction used by every
// component of the ingestion core, backed by logrus.
package logger

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Log is the logging interface every component depends on. Components never
// reference logrus directly; this keeps the logging backend swappable and
// makes NoOpLog usable in tests that don't care about log output.
type Log interface {
	WithField(name string, value interface{}) Log
	WithFields(fields Fields) Log
	Trace(args ...interface{})
	Tracef(msg string, args ...interface{})
	Debug(args ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicf(msg string, args ...interface{})
}

// Fields is a set of keys/values to attach to a structured log message.
type Fields map[string]interface{}

// LogFactory produces a logger scoped to the named subsystem (e.g. "Orchestrator",
// "Broker"). Every constructor in this module takes a LogFactory rather than a
// concrete logger, so the composition root is the only place that decides how
// logging is wired up.
type LogFactory func(subsystem string) Log

// LogrusLogger is a Log implementation backed by logrus.
type LogrusLogger struct {
	*logrus.Entry
}

func (l *LogrusLogger) WithField(name string, value interface{}) Log {
	return &LogrusLogger{Entry: l.Entry.WithField(name, value)}
}

func (l *LogrusLogger) WithFields(fields Fields) Log {
	return &LogrusLogger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// MakeLogrusLogFactory returns a LogFactory that writes structured JSON to
// stdout when not attached to a terminal, and human-readable text otherwise.
func MakeLogrusLogFactory(registry *LogRegistry) LogFactory {
	return func(subsystem string) Log {
		log := logrus.New()
		log.SetLevel(registry.GetLogLevel(subsystem))
		log.SetOutput(os.Stdout)

		if isatty.IsTerminal(os.Stdout.Fd()) {
			log.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
				DisableQuote:    true,
			})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		}
		entry := log.WithField("system", subsystem)
		registry.RegisterLogger(subsystem, log)
		return &LogrusLogger{Entry: entry}
	}
}

// NoOpLog discards everything. Useful for tests and for the parts of the
// composition root where no LogFactory has been configured yet.
type NoOpLog struct{}

func NewNoOpLog() *NoOpLog { return &NoOpLog{} }

func NoOpLogFactory(subsystem string) Log { return NewNoOpLog() }

func (l *NoOpLog) WithField(name string, value interface{}) Log { return l }
func (l *NoOpLog) WithFields(fields Fields) Log                 { return l }
func (l *NoOpLog) Trace(args ...interface{})                    {}
func (l *NoOpLog) Tracef(msg string, args ...interface{})       {}
func (l *NoOpLog) Debug(args ...interface{})                    {}
func (l *NoOpLog) Debugf(msg string, args ...interface{})       {}
func (l *NoOpLog) Info(args ...interface{})                     {}
func (l *NoOpLog) Infof(msg string, args ...interface{})        {}
func (l *NoOpLog) Warn(args ...interface{})                     {}
func (l *NoOpLog) Warnf(msg string, args ...interface{})        {}
func (l *NoOpLog) Error(args ...interface{})                    {}
func (l *NoOpLog) Errorf(msg string, args ...interface{})       {}
func (l *NoOpLog) Fatal(args ...interface{})                    {}
func (l *NoOpLog) Fatalf(msg string, args ...interface{})       {}
func (l *NoOpLog) Panic(args ...interface{})                    {}
func (l *NoOpLog) Panicf(msg string, args ...interface{})       {}
