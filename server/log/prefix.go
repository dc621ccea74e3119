// Package log holds small helpers layered over logs.Log
package log

import (
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/time/rate"
)

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice
type PrefixLogger struct {
	logs.Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

// Create a new PrefixLogger, but don't add a space onto 'prefix'
func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix,
	}
}

func (l *PrefixLogger) Debugf(format string, a ...interface{}) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...interface{}) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...interface{}) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...interface{}) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...interface{}) {
	l.Log.Criticalf(l.Prefix+format, a...)
}

// Throttle emits at most one message per interval, and reports how many
// messages were swallowed since the last one that got through.
// This is for errors that can repeat at frame rate.
type Throttle struct {
	sometimes  rate.Sometimes
	suppressed atomic.Int64
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{sometimes: rate.Sometimes{Interval: interval}}
}

// Errorf logs via log.Errorf, unless a message was already logged within the interval
func (t *Throttle) Errorf(log logs.Log, format string, a ...interface{}) {
	t.do(func(suppressed int64) {
		if suppressed != 0 {
			log.Errorf("(%v similar messages suppressed)", suppressed)
		}
		log.Errorf(format, a...)
	})
}

// Warnf logs via log.Warnf, unless a message was already logged within the interval
func (t *Throttle) Warnf(log logs.Log, format string, a ...interface{}) {
	t.do(func(suppressed int64) {
		if suppressed != 0 {
			log.Warnf("(%v similar messages suppressed)", suppressed)
		}
		log.Warnf(format, a...)
	})
}

// do runs emit if the interval allows it, passing the number of calls that were dropped since the last emit
func (t *Throttle) do(emit func(suppressed int64)) {
	ran := false
	t.sometimes.Do(func() {
		ran = true
		emit(t.suppressed.Swap(0))
	})
	if !ran {
		t.suppressed.Add(1)
	}
}
