package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/banshee-data/labrobot/internal/serialmux"
	"github.com/banshee-data/labrobot/internal/simulator"
)

// Run drains the queue on the connected hardware. A halt request stops
// the board before Run returns. The queue is kept so it can be run again.
func (r *Robot) Run(ctx context.Context) error {
	if !r.runMu.TryLock() {
		return ErrBusy
	}
	defer r.runMu.Unlock()
	return r.run(ctx, "live", r.live, r.live)
}

// SimulationReport summarises a dry run.
type SimulationReport struct {
	Commands int      `json:"commands"`
	Warnings []string `json:"warnings"`
	Wire     []string `json:"wire"`
}

// Simulate runs the queue against a fresh simulated board, leaving the
// hardware session untouched. Recoverable hardware faults such as limit
// hits become warnings and the run carries on.
func (r *Robot) Simulate(ctx context.Context) (*SimulationReport, error) {
	if !r.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer r.runMu.Unlock()

	opts := r.opts.Driver
	opts.Signal = control.NewSignal()
	drv := driver.New(opts)
	link := serialmux.NewSerialMux[serialmux.SerialPorter](simulator.New(r.opts.Simulator))
	stop := startMonitor(link)
	defer func() {
		drv.Disconnect()
		stop()
	}()
	if err := drv.Connect(ctx, link); err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	drv.StartRecording()

	report := &SimulationReport{Commands: r.queue.Len()}
	var mu sync.Mutex
	s := r.newSession(drv)
	tolerant := motion.DispatcherFunc(func(ctx context.Context, c motion.Command) error {
		err := s.Dispatch(ctx, c)
		if err == nil || !driver.IsRecoverable(err) {
			return err
		}
		msg := fmt.Sprintf("simulation: %s: %v", c, err)
		mu.Lock()
		report.Warnings = append(report.Warnings, msg)
		mu.Unlock()
		r.warn(msg)
		drv.Resume()
		return nil
	})
	err := r.run(ctx, "simulate", s, tolerant)
	report.Wire = drv.Recorded()
	return report, err
}

func (r *Robot) run(ctx context.Context, mode string, s *session, d motion.Dispatcher) error {
	r.mu.Lock()
	j := r.journal
	r.mu.Unlock()

	runID := ""
	if j != nil {
		id, err := j.StartRun(ctx, mode, r.queue.Len())
		if err != nil {
			opsf("journal: start %s run: %v", mode, err)
		} else {
			runID = id
		}
	}
	if runID != "" && s.drv.Simulated() {
		s.drv.SetWireObserver(func(direction, line string) {
			if err := j.RecordWireLine(ctx, runID, direction, line); err != nil {
				diagf("journal: wire line: %v", err)
			}
		})
		defer s.drv.SetWireObserver(nil)
	}

	s.previous = deck.NoNode
	runner := motion.Runner{
		Signal: r.signal,
		OnCommand: func(i int, c motion.Command, err error) {
			if runID == "" {
				return
			}
			if jerr := j.RecordCommand(ctx, runID, i, c, err); jerr != nil {
				diagf("journal: command %d: %v", i, jerr)
			}
		},
	}
	opsf("%s run of %d commands", mode, r.queue.Len())
	err := runner.Run(ctx, r.queue, d)
	if errors.Is(err, control.ErrHalted) && s.drv.State() != driver.Halted {
		if herr := s.drv.EmergencyHalt(ctx); herr != nil {
			opsf("emergency halt after %s run: %v", mode, herr)
		}
	}
	if runID != "" {
		if jerr := j.FinishRun(ctx, runID, err); jerr != nil {
			opsf("journal: finish run: %v", jerr)
		}
	}
	return err
}
