package robot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func newRobot(t *testing.T, mutate func(*Options)) *Robot {
	t.Helper()
	opts := DefaultOptions()
	opts.Driver.Clock = timeutil.NewMockClock(time.Unix(1700000000, 0))
	opts.Driver.ResponseTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Disconnect() })
	return r
}

type fixture struct {
	r      *Robot
	p      *pipette.Pipette
	rack   deck.NodeID
	plate  deck.NodeID
	trough deck.NodeID
	trash  deck.NodeID
}

func newFixture(t *testing.T, connect bool, mutate func(*Options)) fixture {
	t.Helper()
	r := newRobot(t, mutate)
	if connect {
		require.NoError(t, r.ConnectSimulated(context.Background()))
	}
	f := fixture{r: r}
	var err error
	f.rack, err = r.LoadContainer("A1", deck.TipRack200(), "tips")
	require.NoError(t, err)
	f.plate, err = r.LoadContainer("B2", deck.Plate96(), "plate")
	require.NoError(t, err)
	f.trough, err = r.LoadContainer("C1", deck.Trough12(), "trough")
	require.NoError(t, err)
	f.trash, err = r.LoadContainer("E3", deck.Point(), "trash")
	require.NoError(t, err)

	cfg := pipette.DefaultConfig()
	cfg.TipRacks = []deck.NodeID{f.rack}
	cfg.Trash = f.trash
	f.p, err = r.AddPipette(cfg)
	require.NoError(t, err)
	for pos, v := range pipette.DefaultPlungerPositions() {
		require.NoError(t, f.p.CalibratePlunger(pos, v))
	}
	return f
}

func (f fixture) well(t *testing.T, container deck.NodeID, name string) deck.NodeID {
	t.Helper()
	w, err := f.r.Deck().Well(container, name)
	require.NoError(t, err)
	return w
}

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func near(t *testing.T, want, got r3.Vec) {
	t.Helper()
	if d := r3.Norm(r3.Sub(want, got)); d > 1e-6 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestConnectSimulated(t *testing.T) {
	r := newRobot(t, nil)
	assert.Equal(t, driver.Disconnected, r.State())
	require.NoError(t, r.ConnectSimulated(context.Background()))
	assert.Equal(t, driver.Connected, r.State())
	assert.NotNil(t, r.Link())

	diag, err := r.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.True(t, diag.Simulated)
	assert.Equal(t, "v1.0.5", diag.Versions.Firmware)
	assert.Equal(t, "connected", diag.State)
	assert.Len(t, diag.Endstops, 5)
	assert.False(t, diag.Homed["X"])

	require.NoError(t, r.Disconnect())
	assert.Equal(t, driver.Disconnected, r.State())
	assert.Nil(t, r.Link())
}

func TestHome_OnlyNamedAxes(t *testing.T) {
	r := newRobot(t, nil)
	require.NoError(t, r.ConnectSimulated(context.Background()))
	require.NoError(t, r.Home(context.Background(), "x", "a"))

	diag, err := r.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"X": true, "Y": false, "Z": false, "A": true, "B": false}, diag.Homed)

	assert.ErrorIs(t, r.Home(context.Background(), "q"), driver.ErrUnknownAxis)
}

func TestRun_Transfer(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	require.NoError(t, f.r.Home(ctx))

	src := f.well(t, f.trough, "A1")
	dst := f.well(t, f.plate, "A1")
	require.NoError(t, f.p.Transfer(ctx, pipette.Volume(150), []deck.NodeID{src}, []deck.NodeID{dst}, pipette.DefaultTransferOptions()))
	queued := len(f.r.Commands())
	require.Positive(t, queued)

	f.r.Driver().StartRecording()
	require.NoError(t, f.r.Run(ctx))
	wire := f.r.Driver().Recorded()

	// 150 ul at 200/15 ul per mm above bottom 2
	assert.Contains(t, wire, "G0 B13.25")
	assert.Contains(t, wire, "M203.1 B300")
	assert.Contains(t, wire, "G28.2 B")
	assert.Len(t, f.r.Commands(), queued)
}

func TestMoveTo_ArcAndDirect(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.r.SetImmediate(true)
	f.r.Driver().StartRecording()

	loc := f.r.Deck().Top(f.well(t, f.plate, "A1"), 0)
	require.NoError(t, f.r.MoveTo(ctx, "", loc, motion.StrategyArc))
	assert.Equal(t, 3, countPrefix(f.r.Driver().Recorded(), "G0 "))
	want, err := f.r.Resolve("", loc)
	require.NoError(t, err)
	near(t, want, f.r.Driver().TargetPosition().Head())

	f.r.Driver().ClearRecording()
	loc = f.r.Deck().Top(f.well(t, f.plate, "A2"), 0)
	require.NoError(t, f.r.MoveTo(ctx, "", loc, motion.StrategyDirect))
	assert.Equal(t, 1, countPrefix(f.r.Driver().Recorded(), "G0 "))
	assert.Empty(t, f.r.Commands())

	_, err = f.r.Pipette("a")
	assert.ErrorIs(t, err, ErrUnknownMount)
	assert.ErrorIs(t, f.r.MoveTo(ctx, "a", loc, ""), ErrUnknownMount)
}

func TestMoveTo_ArcWithinGantry(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.r.SetImmediate(true)

	require.NoError(t, f.r.MoveTo(ctx, "", f.r.Deck().Top(f.well(t, f.plate, "A1"), 0), ""))
	f.r.Driver().StartRecording()
	require.NoError(t, f.r.MoveTo(ctx, "", f.r.Deck().Top(f.well(t, f.trough, "A1"), 0), ""))
	assert.Equal(t, 3, countPrefix(f.r.Driver().Recorded(), "G0 "))
	assert.LessOrEqual(t, f.r.Driver().TargetPosition()[driver.AxisZ], f.r.Driver().Dimensions().Z)
}

func TestCalibrate_PerInstrument(t *testing.T) {
	f := newFixture(t, false, nil)
	loc := f.r.Deck().Top(f.well(t, f.plate, "C3"), 0)
	base, err := f.r.Resolve("a", loc)
	require.NoError(t, err)

	observed := r3.Add(base, r3.Vec{X: 1.25, Y: -0.5, Z: 0.75})
	require.NoError(t, f.r.Calibrate("b", loc, observed))
	got, err := f.r.Resolve("b", loc)
	require.NoError(t, err)
	near(t, observed, got)

	got, err = f.r.Resolve("a", loc)
	require.NoError(t, err)
	near(t, base, got)

	// loading more labware rebuilds the resolver but keeps the overlay
	_, err = f.r.LoadContainer("D3", deck.Plate96(), "extra")
	require.NoError(t, err)
	got, err = f.r.Resolve("b", loc)
	require.NoError(t, err)
	near(t, observed, got)

	recs := f.r.CalibrationRecords()
	require.Len(t, recs, 1)
	g := newFixture(t, false, nil)
	require.NoError(t, g.r.LoadCalibration(recs[0]))
	got, err = g.r.Resolve("b", g.r.Deck().Top(g.well(t, g.plate, "C3"), 0))
	require.NoError(t, err)
	near(t, observed, got)
}

func TestCalibrateHere_UsesHeadPosition(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.r.SetImmediate(true)

	loc := f.r.Deck().Top(f.well(t, f.plate, "C3"), 0)
	base, err := f.r.Resolve("", loc)
	require.NoError(t, err)
	require.NoError(t, f.r.MoveTo(ctx, "", loc, motion.StrategyArc))

	// jog onto the real well before recording it
	delta := r3.Vec{X: 1.5, Y: -0.75, Z: -2}
	require.NoError(t, f.r.Driver().Move(ctx, driver.HeadTarget(delta), driver.Relative))
	require.NoError(t, f.r.CalibrateHere(ctx, "", loc))

	got, err := f.r.Resolve("", loc)
	require.NoError(t, err)
	want := r3.Add(base, delta)
	assert.InDelta(t, want.X, got.X, 1e-3)
	assert.InDelta(t, want.Y, got.Y, 1e-3)
	assert.InDelta(t, want.Z, got.Z, 1e-3)

	assert.ErrorIs(t, f.r.CalibrateHere(ctx, "a", loc), ErrUnknownMount)
}

func TestRun_StopKeepsQueue(t *testing.T) {
	r := newRobot(t, nil)
	ctx := context.Background()
	require.NoError(t, r.ConnectSimulated(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Comment(ctx, "step"))
	}

	r.Stop()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, control.ErrStopped)
	var runErr *motion.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, 0, runErr.Index)
	assert.Len(t, r.Commands(), 3)

	require.NoError(t, r.Run(ctx))
	r.ClearCommands()
	assert.Empty(t, r.Commands())
}

func TestRun_HaltStopsBoard(t *testing.T) {
	r := newRobot(t, nil)
	ctx := context.Background()
	require.NoError(t, r.ConnectSimulated(ctx))
	require.NoError(t, r.Comment(ctx, "never reached"))

	r.Halt()
	assert.ErrorIs(t, r.Run(ctx), control.ErrHalted)
	assert.Equal(t, driver.Halted, r.State())

	r.Resume()
	assert.Equal(t, driver.Connected, r.State())
	require.NoError(t, r.Run(ctx))
}

func TestSimulate_LimitHitBecomesWarning(t *testing.T) {
	r := newRobot(t, func(o *Options) { o.Simulator.LimitSwitches = true })
	ctx := context.Background()
	slot, err := r.Deck().Slot("C2")
	require.NoError(t, err)

	require.NoError(t, r.MoveTo(ctx, "", deck.Location{Node: slot, Offset: r3.Vec{Z: 10}}, motion.StrategyDirect))
	require.NoError(t, r.MoveTo(ctx, "", deck.Location{Node: slot, Offset: r3.Vec{Z: -50}}, motion.StrategyDirect))
	require.NoError(t, r.Comment(ctx, "after the fault"))

	report, err := r.Simulate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Commands)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "Limit switch")
	assert.Equal(t, report.Warnings, r.Warnings())
	assert.Equal(t, 2, countPrefix(report.Wire, "G0 "))
	assert.Equal(t, driver.Disconnected, r.State())
}

func TestSimulate_FailsOnPlanningErrors(t *testing.T) {
	r := newRobot(t, nil)
	ctx := context.Background()
	r.queue.Add(motion.Command{Kind: motion.KindHome, Axes: []string{"w"}})
	_, err := r.Simulate(ctx)
	assert.ErrorIs(t, err, driver.ErrUnknownAxis)
}

func TestSimulate_TransferWithoutHardware(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	targets := f.r.Deck().Wells(f.plate)[:30]
	require.NoError(t, f.p.Distribute(ctx, pipette.Volume(10), f.well(t, f.trough, "A1"), targets, pipette.DefaultTransferOptions()))

	report, err := f.r.Simulate(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Contains(t, report.Wire, "M203.1 B300")
	assert.Equal(t, driver.Disconnected, f.r.State())
}

func TestMosfet(t *testing.T) {
	r := newRobot(t, nil)
	ctx := context.Background()
	require.NoError(t, r.ConnectSimulated(ctx))

	_, err := r.Mosfet(MosfetCount)
	assert.Error(t, err)
	m, err := r.Mosfet(2)
	require.NoError(t, err)
	require.NoError(t, m.Engage(ctx))
	require.NoError(t, m.Wait(ctx, 5*time.Second))
	require.NoError(t, m.Disengage(ctx))

	kinds := []motion.Kind{}
	for _, c := range r.Commands() {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []motion.Kind{motion.KindToggle, motion.KindDelay, motion.KindToggle}, kinds)

	r.Driver().StartRecording()
	require.NoError(t, r.Run(ctx))
	wire := r.Driver().Recorded()
	assert.Contains(t, wire, "M45")
	assert.Contains(t, wire, "M44")
}

func TestImmediateMode(t *testing.T) {
	f := newFixture(t, true, func(o *Options) { o.Immediate = true })
	ctx := context.Background()
	f.r.Driver().StartRecording()
	require.NoError(t, f.p.PickUpTip(ctx, deck.NoNode))
	assert.Empty(t, f.r.Commands())
	assert.True(t, f.p.HasTip())
	// plunger to bottom, arc to the rack, three presses
	assert.Equal(t, 1+3+6, countPrefix(f.r.Driver().Recorded(), "G0 "))
}

func TestClearCommands_ResetsInstruments(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	require.NoError(t, f.p.PickUpTip(ctx, deck.NoNode))
	assert.True(t, f.p.HasTip())
	f.r.ClearCommands()
	assert.False(t, f.p.HasTip())
	assert.Zero(t, f.p.TipLength())
	assert.Empty(t, f.r.Commands())
}

func TestAddPipette_MountOccupied(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.r.AddPipette(pipette.DefaultConfig())
	assert.ErrorIs(t, err, ErrMountOccupied)

	cfg := pipette.DefaultConfig()
	cfg.Mount = "a"
	_, err = f.r.AddPipette(cfg)
	require.NoError(t, err)
	require.Len(t, f.r.Pipettes(), 2)
	assert.Equal(t, "a", f.r.Pipettes()[0].Mount())
}

type fakeJournal struct {
	mu       sync.Mutex
	started  []string
	commands int
	failed   int
	wire     int
	finished []error
}

func (j *fakeJournal) StartRun(_ context.Context, mode string, _ int) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, mode)
	return "run-1", nil
}

func (j *fakeJournal) RecordCommand(_ context.Context, _ string, _ int, _ motion.Command, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commands++
	if err != nil {
		j.failed++
	}
	return nil
}

func (j *fakeJournal) RecordWireLine(context.Context, string, string, string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.wire++
	return nil
}

func (j *fakeJournal) FinishRun(_ context.Context, _ string, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, err)
	return nil
}

func TestRun_Journal(t *testing.T) {
	r := newRobot(t, nil)
	ctx := context.Background()
	require.NoError(t, r.ConnectSimulated(ctx))
	j := &fakeJournal{}
	r.SetJournal(j)

	require.NoError(t, r.Home(ctx))
	m, err := r.Mosfet(0)
	require.NoError(t, err)
	require.NoError(t, m.Engage(ctx))
	require.NoError(t, r.Comment(ctx, "done"))
	require.NoError(t, r.Run(ctx))

	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Equal(t, []string{"live"}, j.started)
	assert.Equal(t, 2, j.commands)
	assert.Zero(t, j.failed)
	assert.Positive(t, j.wire)
	assert.Equal(t, []error{nil}, j.finished)
}
