package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key-value logging for all stationwake components.
// Fields may be passed either as alternating key/value pairs or as a single
// map[string]interface{}.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger at the given level tagged with a component name.
func NewLogger(level, component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry}
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) {
	l.entry.Logger.SetLevel(parseLevel(level))
}

// SetOutput redirects log output, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithComponent returns a child logger tagged with a sub-component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component)}
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(collectFields(fields)).Trace(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(collectFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(collectFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(collectFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(collectFields(fields)).Error(msg)
}

// LogVerbose emits a trace-level message with a structured payload, used by
// monitoring mode.
func (l *Logger) LogVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Trace(event)
}

// collectFields accepts either a single map or alternating key/value pairs.
func collectFields(args []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("field%d", i/2)
		}
		fields[key] = args[i+1]
	}
	if len(args)%2 != 0 && len(args) > 1 {
		fields["extra"] = args[len(args)-1]
	}
	return fields
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
