// Package logging provides the structured logging surface shared by the
// enforcer filter and the aggregator binary.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout weir, so that callers
// never depend directly on logrus and a test double can be substituted.
type Logger interface {
	Error(...interface{})
	Errorf(string, ...interface{})
	Warn(...interface{})
	Warnf(string, ...interface{})
	Info(...interface{})
	Infof(string, ...interface{})
	Debug(...interface{})
	Debugf(string, ...interface{})

	// WithFields returns a Logger that attaches the given fields to every
	// subsequent entry, without mutating the receiver.
	WithFields(map[string]interface{}) Logger
}

// DefaultLog is a Logger backed by a logrus.Logger.
type DefaultLog struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewDefaultLog wraps l, or logrus.StandardLogger() when l is nil.
func NewDefaultLog(l *logrus.Logger) *DefaultLog {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &DefaultLog{logger: l}
}

func (dl *DefaultLog) entry() *logrus.Entry { return dl.logger.WithFields(dl.fields) }

func (dl *DefaultLog) Error(a ...interface{})            { dl.entry().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...interface{}) { dl.entry().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...interface{})             { dl.entry().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...interface{})  { dl.entry().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...interface{})             { dl.entry().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...interface{})  { dl.entry().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...interface{})            { dl.entry().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...interface{}) { dl.entry().Debugf(f, a...) }

func (dl *DefaultLog) WithFields(fields map[string]interface{}) Logger {
	merged := make(logrus.Fields, len(dl.fields)+len(fields))
	for k, v := range dl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &DefaultLog{logger: dl.logger, fields: merged}
}
