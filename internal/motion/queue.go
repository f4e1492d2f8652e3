package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/metrics"
)

var ErrUnknownKind = errors.New("unknown command kind")

// Queue is an ordered list of pending commands. It is safe for
// concurrent use; Run works on a snapshot.
type Queue struct {
	mu   sync.Mutex
	cmds []Command
}

// Add appends commands in order.
func (q *Queue) Add(cmds ...Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmds...)
}

// Submit validates c and appends it.
func (q *Queue) Submit(_ context.Context, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	q.Add(c)
	return nil
}

// Snapshot returns a copy of the pending commands.
func (q *Queue) Snapshot() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Command(nil), q.cmds...)
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}

// Clear drops every pending command.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = nil
}

// RunError reports the command that stopped a run.
type RunError struct {
	Index       int
	Description string
	Err         error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("command %d (%s): %v", e.Index, e.Description, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Runner drains a queue in order through a Dispatcher.
type Runner struct {
	Signal *control.Signal
	// OnCommand, when set, is told the outcome of every dispatched
	// command.
	OnCommand func(index int, c Command, err error)
}

// Run executes every queued command strictly in order. Before each one
// the runner waits out a pause; a stop or halt request ends the run with
// a RunError wrapping control.ErrStopped or control.ErrHalted. The queue
// itself is left untouched.
func (r *Runner) Run(ctx context.Context, q *Queue, d Dispatcher) error {
	cmds := q.Snapshot()
	opsf("run started: %d commands", len(cmds))
	for i, c := range cmds {
		if r.Signal != nil {
			if err := r.Signal.Checkpoint(ctx); err != nil {
				opsf("run aborted before command %d: %v", i, err)
				return &RunError{Index: i, Description: c.String(), Err: err}
			}
		} else if err := ctx.Err(); err != nil {
			return &RunError{Index: i, Description: c.String(), Err: err}
		}

		diagf("[%d] %s", i, c)
		err := d.Dispatch(ctx, c)
		metrics.CommandsExecuted.WithLabelValues(string(c.Kind)).Inc()
		if r.OnCommand != nil {
			r.OnCommand(i, c, err)
		}
		if err != nil {
			metrics.CommandFailures.WithLabelValues(string(c.Kind)).Inc()
			opsf("run failed at command %d (%s): %v", i, c, err)
			return &RunError{Index: i, Description: c.String(), Err: err}
		}
	}
	opsf("run finished")
	return nil
}
