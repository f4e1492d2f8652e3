// Package control carries cooperative pause, stop and halt requests from a
// control goroutine to the worker draining the command queue.
package control

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrStopped = errors.New("stop requested")
	ErrHalted  = errors.New("emergency halt requested")
)

// Signal is shared by the queue runner and the device driver. Requests
// take effect at the next Checkpoint, never mid-command.
type Signal struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	halted  bool
	resume  chan struct{}
}

// NewSignal returns a signal in the running state.
func NewSignal() *Signal {
	s := &Signal{resume: make(chan struct{})}
	close(s.resume)
	return s
}

// Pause blocks subsequent checkpoints until Resume, Stop or Halt.
func (s *Signal) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resume = make(chan struct{})
	}
}

// Resume clears every pending request and releases paused checkpoints.
func (s *Signal) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.halted = false
	s.releaseLocked()
}

// Stop makes the next checkpoint return ErrStopped.
func (s *Signal) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.releaseLocked()
}

// Halt makes the next checkpoint return ErrHalted.
func (s *Signal) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	s.stopped = true
	s.releaseLocked()
}

func (s *Signal) releaseLocked() {
	if s.paused {
		s.paused = false
		close(s.resume)
	}
}

// Paused reports whether a pause is in effect.
func (s *Signal) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pending reports whether a stop or halt is waiting for a checkpoint.
func (s *Signal) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.halted
}

// Checkpoint blocks while paused. A pending halt or stop is consumed and
// returned as ErrHalted or ErrStopped; cancellation of ctx returns its
// error.
func (s *Signal) Checkpoint(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch {
		case s.halted:
			s.halted, s.stopped = false, false
			s.mu.Unlock()
			return ErrHalted
		case s.stopped:
			s.stopped = false
			s.mu.Unlock()
			return ErrStopped
		}
		if !s.paused {
			s.mu.Unlock()
			return ctx.Err()
		}
		wait := s.resume
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
