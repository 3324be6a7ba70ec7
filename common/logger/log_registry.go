package logger

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultLogLevel = logrus.InfoLevel

var levelMap = map[string]logrus.Level{
	"trace":   logrus.TraceLevel,
	"debug":   logrus.DebugLevel,
	"info":    logrus.InfoLevel,
	"warning": logrus.WarnLevel,
	"error":   logrus.ErrorLevel,
	"fatal":   logrus.FatalLevel,
	"panic":   logrus.PanicLevel,
}

// LogLevelConfig is a comma-separated "subsystem=level" list, e.g.
// "Broker=debug,ProgressBus=trace".
type LogLevelConfig string

// LogRegistry tracks the configured log level and active logger for each
// subsystem, so log verbosity can be reasoned about (and eventually adjusted)
// from one place instead of being scattered through construction code.
type LogRegistry struct {
	loggerBySubsystem map[string]*logrus.Logger
	levelBySubsystem  map[string]logrus.Level
	mu                sync.Mutex
}

func NewLogRegistry(config LogLevelConfig) (*LogRegistry, error) {
	r := &LogRegistry{
		loggerBySubsystem: make(map[string]*logrus.Logger),
		levelBySubsystem:  make(map[string]logrus.Level),
	}
	if config == "" {
		return r, nil
	}
	for _, pair := range strings.Split(string(config), ",") {
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid log level entry %q", pair)
		}
		level, ok := levelMap[parts[1]]
		if !ok {
			return nil, errors.Errorf("invalid log level %q for subsystem %q", parts[1], parts[0])
		}
		r.levelBySubsystem[parts[0]] = level
	}
	return r, nil
}

func (r *LogRegistry) GetLogLevel(subsystem string) logrus.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level, ok := r.levelBySubsystem[subsystem]; ok {
		return level
	}
	return defaultLogLevel
}

func (r *LogRegistry) RegisterLogger(subsystem string, log *logrus.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loggerBySubsystem[subsystem] = log
}
