// Package obslog holds the process-wide structured logger singleton.
//
// Mirrors the teacher's storage.Settings global-singleton pattern:
// initialized once at startup, never mutated in place, replaced wholesale
// on reconfiguration.
package obslog

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var current atomic.Pointer[logrus.Logger]

func init() {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	current.Store(l)
}

// L returns the process-wide logger.
func L() *logrus.Logger {
	return current.Load()
}

// SetLevel adjusts the verbosity of the process-wide logger.
func SetLevel(level logrus.Level) {
	l := *L()
	l.SetLevel(level)
	current.Store(&l)
}

// WithTrace returns an entry tagged with a trace id, the common field
// threaded through ingest, search, and compaction logs.
func WithTrace(traceID string) *logrus.Entry {
	return L().WithField("trace_id", traceID)
}

// WithStream returns an entry tagged with the stream coordinates used
// throughout the WAL, arrow buffer, and file-list components.
func WithStream(org, streamType, stream string) *logrus.Entry {
	return L().WithFields(logrus.Fields{
		"org":         org,
		"stream_type": streamType,
		"stream":      stream,
	})
}
