// This package is a tiny wrapper on top of zerolog and creates logs that
// mimic the dnsmasq logging style:
//
//	dnsmasq-dhcp[PID]: <UnixEpoch> <Message>
//
// with the difference that the timestamp is not in a (hard to read) UnixEpoch;
// the result looks like:
//
//	2025-01-02 15:04:05 INF activity-backend[42]: poll completed entry=home devices=12
//
// Key/value context (e.g. the monitoring entry) is attached with WithField and
// rendered by zerolog after the message, or as JSON fields when Config.JSON is set.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
	FATAL LogLevel = "FATAL"
)

// Config selects the logger output and verbosity; it is read from the "log" section
// of the configuration file.
type Config struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // "stdout" (default) or "stderr"
	JSON   bool   `yaml:"json"`
}

type CustomLogger struct {
	logger zerolog.Logger
	pid    int
	prefix string
}

const timestampFormat = "2006-01-02 15:04:05"

func NewCustomLogger(prefix string) *CustomLogger {
	l, _ := NewCustomLoggerWithConfig(prefix, Config{})
	return l
}

// NewCustomLoggerWithConfig builds a logger from the "log" configuration section.
// An unknown level is reported as an error and the logger falls back to INFO.
func NewCustomLoggerWithConfig(prefix string, cfg Config) (*CustomLogger, error) {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: timestampFormat, NoColor: true}
	}

	level := zerolog.InfoLevel
	var err error
	if cfg.Level != "" {
		var parsed zerolog.Level
		parsed, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err == nil {
			level = parsed
		} else {
			err = fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	return &CustomLogger{
		logger: zerolog.New(out).Level(level).With().Timestamp().Logger(),
		pid:    os.Getpid(),
		prefix: prefix,
	}, err
}

// NewDiscardLogger returns a logger that drops everything; handy for unit tests.
func NewDiscardLogger() *CustomLogger {
	return &CustomLogger{
		logger: zerolog.Nop(),
		pid:    os.Getpid(),
		prefix: "test",
	}
}

// WithField returns a child logger that attaches key=value to every message.
func (l *CustomLogger) WithField(key string, value any) *CustomLogger {
	return &CustomLogger{
		logger: l.logger.With().Interface(key, value).Logger(),
		pid:    l.pid,
		prefix: l.prefix,
	}
}

func (l *CustomLogger) Log(level LogLevel, message string) {
	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.logger.Debug()
	case WARN:
		ev = l.logger.Warn()
	case ERROR:
		ev = l.logger.Error()
	case FATAL:
		// WithLevel does not terminate the process: callers decide what to do next
		ev = l.logger.WithLevel(zerolog.FatalLevel)
	default:
		ev = l.logger.Info()
	}
	ev.Msg(fmt.Sprintf("%s[%d]: %s", l.prefix, l.pid, message))
}

// Debug
func (l *CustomLogger) Debug(message string) {
	l.Log(DEBUG, message)
}

// Debugf
// Arguments are handled in the manner of [fmt.Printf].
func (l *CustomLogger) Debugf(format string, v ...any) {
	if l.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	l.Debug(fmt.Sprintf(format, v...))
}

// Info
func (l *CustomLogger) Info(message string) {
	l.Log(INFO, message)
}

// Infof
// Arguments are handled in the manner of [fmt.Printf].
func (l *CustomLogger) Infof(format string, v ...any) {
	l.Info(fmt.Sprintf(format, v...))
}

// Warn
func (l *CustomLogger) Warn(message string) {
	l.Log(WARN, message)
}

// Warnf
// Arguments are handled in the manner of [fmt.Printf].
func (l *CustomLogger) Warnf(format string, v ...any) {
	l.Warn(fmt.Sprintf(format, v...))
}

// Error
func (l *CustomLogger) Error(message string) {
	l.Log(ERROR, message)
}

// Errorf
// Arguments are handled in the manner of [fmt.Printf].
func (l *CustomLogger) Errorf(format string, v ...any) {
	l.Error(fmt.Sprintf(format, v...))
}

// Fatal
func (l *CustomLogger) Fatal(s string) {
	l.Log(FATAL, s)
}

// Fatal
// Arguments are handled in the manner of [fmt.Printf].
func (l *CustomLogger) Fatalf(format string, v ...any) {
	l.Fatal(fmt.Sprintf(format, v...))
}
