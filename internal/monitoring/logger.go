// Package monitoring holds the process-wide logging plumbing shared by the
// controller packages.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
//
//   - Ops: lifecycle events, faults and anything an operator must act on.
//   - Diag: per-command summaries and planner decisions.
//   - Trace: raw wire traffic.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// Streams is one package's set of ops/diag/trace loggers. A nil writer
// disables its stream.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams returns disabled streams that tag lines with prefix.
func NewStreams(prefix string) *Streams {
	return &Streams{prefix: prefix}
}

// Set configures all three streams at once.
func (s *Streams) Set(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = s.newLogger(w.Ops)
	s.diag = s.newLogger(w.Diag)
	s.trace = s.newLogger(w.Trace)
}

func (s *Streams) newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, s.prefix, log.LstdFlags|log.Lmicroseconds)
}

func printf(mu *sync.RWMutex, l **log.Logger, format string, args []interface{}) {
	mu.RLock()
	logger := *l
	mu.RUnlock()
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) { printf(&s.mu, &s.ops, format, args) }

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) { printf(&s.mu, &s.diag, format, args) }

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) { printf(&s.mu, &s.trace, format, args) }
