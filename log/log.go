// Package log provides the structured, leveled logger used throughout the
// sync core. It wraps logrus: package-level helpers for the common case,
// and a New(ctx...) constructor for call sites that want a logger
// pre-bound with fields (peer id, session id) so every line it emits
// carries them without repeating key/value pairs at every call site.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// Logger is the interface the rest of the module programs against, so tests
// can swap in a no-op or buffering implementation.
type Logger interface {
	Trace(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type entry struct {
	e *logrus.Entry
}

// New returns a Logger pre-bound with the given alternating key/value
// pairs, e.g. log.New("peer", peerID, "session", sessionID).
func New(kv ...interface{}) Logger {
	return entry{e: logrus.NewEntry(root)}.With(kv...)
}

func (l entry) With(kv ...interface{}) Logger {
	return entry{e: l.e.WithFields(fields(kv))}
}

func (l entry) Trace(msg string, kv ...interface{}) { l.e.WithFields(fields(kv)).Trace(msg) }
func (l entry) Debug(msg string, kv ...interface{}) { l.e.WithFields(fields(kv)).Debug(msg) }
func (l entry) Info(msg string, kv ...interface{})  { l.e.WithFields(fields(kv)).Info(msg) }
func (l entry) Warn(msg string, kv ...interface{})  { l.e.WithFields(fields(kv)).Warn(msg) }
func (l entry) Error(msg string, kv ...interface{}) { l.e.WithFields(fields(kv)).Error(msg) }

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

// Package-level helpers for call sites that don't need a bound logger.
func Trace(msg string, kv ...interface{}) { New().Trace(msg, kv...) }
func Debug(msg string, kv ...interface{}) { New().Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { New().Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { New().Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { New().Error(msg, kv...) }
