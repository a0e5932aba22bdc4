// Package logger wraps logrus for netsed-go's structured, ambient
// logging (startup, shutdown, per-flow errors). It is deliberately
// separate from the raw, unbuffered stdout trace lines the dispatcher
// writes directly (rule application, per-event forwarding summaries) —
// those are a required wire-level output, not a log.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger fans a message out to a console sink and an optional file
// sink, each with its own level.
type Logger struct {
	fileLogger     *logrus.Logger
	consoleLogger  *logrus.Logger
	fileEnabled    bool
	consoleEnabled bool
}

// Config selects the console/file sinks and their levels/formats.
type Config struct {
	Level         string
	Format        string
	ConsoleOutput bool
	ConsoleLevel  string
	ConsoleFormat string
	File          string
}

// New builds a Logger from cfg. Console output defaults to os.Stderr,
// not os.Stdout: stdout is reserved for the dispatcher's trace lines, so
// the two channels never interleave.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	if cfg.ConsoleOutput || cfg.File == "" {
		l.consoleLogger = newSink(cfg.ConsoleLevel, cfg.Level, cfg.ConsoleFormat, os.Stderr)
		l.consoleEnabled = true
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", cfg.File, err)
		}
		l.fileLogger = newSink(cfg.Level, cfg.Level, cfg.Format, f)
		l.fileEnabled = true
	}

	return l, nil
}

func newSink(level, fallbackLevel, format string, out *os.File) *logrus.Logger {
	log := logrus.New()

	lvlName := level
	if lvlName == "" {
		lvlName = fallbackLevel
	}
	lvl, err := logrus.ParseLevel(lvlName)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	log.SetOutput(out)
	return log
}

func (l *Logger) Info(msg string, fields ...interface{})  { l.log(logrus.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(logrus.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(logrus.ErrorLevel, msg, fields) }
func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(logrus.DebugLevel, msg, fields) }

func (l *Logger) log(level logrus.Level, msg string, fields []interface{}) {
	logFields := parseFields(fields)
	for _, sink := range l.sinks() {
		entry := sink.WithFields(logFields)
		switch level {
		case logrus.InfoLevel:
			entry.Info(msg)
		case logrus.WarnLevel:
			entry.Warn(msg)
		case logrus.ErrorLevel:
			entry.Error(msg)
		case logrus.DebugLevel:
			entry.Debug(msg)
		}
	}
}

func (l *Logger) sinks() []*logrus.Logger {
	var out []*logrus.Logger
	if l.consoleEnabled {
		out = append(out, l.consoleLogger)
	}
	if l.fileEnabled {
		out = append(out, l.fileLogger)
	}
	return out
}

func parseFields(fields []interface{}) logrus.Fields {
	result := make(logrus.Fields, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			result[key] = fields[i+1]
		}
	}
	return result
}
