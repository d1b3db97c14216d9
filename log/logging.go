package log

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	TRACE
)

var MaxLogLevel LogLevel = TRACE

// Logger is the process-wide logger; per-connection entries derive from it.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.TraceLevel)
	return l
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case ERROR:
		return logrus.ErrorLevel
	case WARN:
		return logrus.WarnLevel
	case INFO:
		return logrus.InfoLevel
	}
	return logrus.TraceLevel
}

// ParseLevel maps a config level name onto a LogLevel
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return ERROR, true
	case "WARN":
		return WARN, true
	case "INFO":
		return INFO, true
	case "TRACE":
		return TRACE, true
	}
	return TRACE, false
}

// SetLogLevel sets MaxLogLevel based on the provided string
func SetLogLevel(level string) (ok bool) {
	l, ok := ParseLevel(level)
	if !ok {
		LogError("Unknown log level requested: %v", level)
		return false
	}
	MaxLogLevel = l
	Logger.SetLevel(l.logrusLevel())
	return true
}

// SetOutput redirects the logger, eg. to a log file
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithFields returns an entry carrying fields, for per-connection logging
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Error logs a message to the 'standard' Logger (always)
func LogError(msg string, args ...interface{}) {
	Logger.Errorf(msg, args...)
}

// Warn logs a message to the 'standard' Logger if MaxLogLevel is >= WARN
func LogWarn(msg string, args ...interface{}) {
	if MaxLogLevel >= WARN {
		Logger.Warnf(msg, args...)
	}
}

// Info logs a message to the 'standard' Logger if MaxLogLevel is >= INFO
func LogInfo(msg string, args ...interface{}) {
	if MaxLogLevel >= INFO {
		Logger.Infof(msg, args...)
	}
}

// Trace logs a message to the 'standard' Logger if MaxLogLevel is >= TRACE
func LogTrace(msg string, args ...interface{}) {
	if MaxLogLevel >= TRACE {
		Logger.Tracef(msg, args...)
	}
}
