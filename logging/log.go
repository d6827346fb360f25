package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures Init. It mirrors the split between application logs
// (warnings, errors, debug traces) and the access log used by the aggregator
// for raw HAProxy-forwarded JSON lines.
type Options struct {
	// Level is the application log level, e.g. "info", "debug", "warning".
	Level string

	// ApplicationLogOutput is where application log entries are written.
	// Defaults to os.Stderr.
	ApplicationLogOutput io.Writer

	// AccessLogOutput is where access log entries (raw `{`-prefixed lines
	// forwarded by the ingest receiver) are written. Defaults to os.Stderr.
	AccessLogOutput io.Writer

	// AccessLogDisabled turns off the access logger entirely.
	AccessLogDisabled bool
}

var accessLog *logrus.Logger

// Init configures the standard application logger and, unless disabled, a
// separate access logger, returning the access logger for callers that need
// to log to it directly (the aggregator binary's access-log drain).
func Init(o Options) *logrus.Logger {
	appOut := o.ApplicationLogOutput
	if appOut == nil {
		appOut = os.Stderr
	}
	logrus.SetOutput(appOut)

	if lvl, err := logrus.ParseLevel(o.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	if o.AccessLogDisabled {
		accessLog = logrus.New()
		accessLog.SetOutput(io.Discard)
		return accessLog
	}

	accessOut := o.AccessLogOutput
	if accessOut == nil {
		accessOut = os.Stderr
	}

	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{DisableTimestamp: false}
	l.Out = accessOut
	l.Level = logrus.InfoLevel
	accessLog = l
	return accessLog
}

// AccessLog returns the logger configured by Init, or a discarding default
// logger if Init has not been called yet.
func AccessLog() *logrus.Logger {
	if accessLog == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return accessLog
}
