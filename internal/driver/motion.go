package driver

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/labrobot/internal/metrics"
	"github.com/banshee-data/labrobot/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

// homeGroups is the order axes are homed in: the head rises first.
var homeGroups = [][]Axis{{AxisZ}, {AxisX, AxisY}, {AxisA, AxisB}}

// Move sends one multi-axis move and waits until the board reports the
// target reached. Gantry arrival is judged on Euclidean distance and each
// plunger separately.
func (d *Driver) Move(ctx context.Context, target Target, mode Mode) error {
	if len(target) == 0 {
		return nil
	}
	if err := d.checkpoint(ctx); err != nil {
		return err
	}

	start := d.clock.Now()
	d.mu.Lock()
	if err := d.motionReadyLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	coord := "G90"
	if mode == Relative {
		coord = "G91"
	}
	if _, err := d.requestLocked(ctx, coord); err != nil {
		d.mu.Unlock()
		return err
	}

	cmd := "G0 " + formatAxes(target)
	if target.hasGantry() {
		cmd += fmt.Sprintf(" F%s", fmtFeed(d.headSpeedLocked(target)))
	}
	if _, err := d.requestLocked(ctx, cmd); err != nil {
		d.mu.Unlock()
		return err
	}
	for a, v := range target {
		if mode == Relative {
			v += d.target[a]
		}
		d.target[a] = v
	}
	want := d.target.clone()
	d.mu.Unlock()

	diagf("move %s %s", mode, formatAxes(target))
	if err := d.awaitArrival(ctx, want); err != nil {
		return err
	}
	metrics.MoveDuration.Observe(d.clock.Since(start).Seconds())
	return nil
}

// headSpeedLocked picks the slowest feed rate among the gantry axes in t.
func (d *Driver) headSpeedLocked(t Target) float64 {
	speed := math.Inf(1)
	for a := range t {
		if a.IsGantry() {
			speed = math.Min(speed, d.speeds[a])
		}
	}
	return speed
}

func fmtFeed(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// awaitArrival polls the position until it is within tolerance of want.
func (d *Driver) awaitArrival(ctx context.Context, want Coordinates) error {
	for poll := 0; poll < d.opts.MaxPolls; poll++ {
		if err := d.checkpoint(ctx); err != nil {
			return err
		}
		pos, err := d.Position(ctx)
		if err != nil {
			return err
		}
		metrics.PositionPolls.Inc()
		if arrived(pos, want, d.opts.Tolerance) {
			return nil
		}
		if err := timeutil.Sleep(ctx, d.clock, d.opts.PollInterval); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocolFault("M114.2", fmt.Errorf("%w after %d polls", ErrArrivalTimeout, d.opts.MaxPolls))
}

func arrived(pos, want Coordinates, tolerance float64) bool {
	if r3.Norm(r3.Sub(pos.Head(), want.Head())) >= tolerance {
		return false
	}
	for _, a := range PlungerAxes {
		if math.Abs(pos[a]-want[a]) >= tolerance {
			return false
		}
	}
	return true
}

// Home homes the named axes, or every axis when none are given, then
// zeroes them explicitly. Only the homed axes have their flags set.
func (d *Driver) Home(ctx context.Context, axes ...Axis) error {
	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	want := map[Axis]bool{}
	for _, a := range axes {
		if _, err := ParseAxis(string(a)); err != nil {
			return err
		}
		want[Axis(strings.ToUpper(string(a)))] = true
	}
	if len(want) == 0 {
		for _, a := range AllAxes {
			want[a] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.motionReadyLocked(); err != nil {
		return err
	}
	for _, group := range homeGroups {
		var batch []Axis
		for _, a := range group {
			if want[a] {
				batch = append(batch, a)
			}
		}
		if len(batch) == 0 {
			continue
		}
		names := make([]string, len(batch))
		zero := map[Axis]float64{}
		for i, a := range batch {
			names[i] = string(a)
			zero[a] = 0
		}
		if _, err := d.requestLocked(ctx, "G28.2 "+strings.Join(names, " ")); err != nil {
			return err
		}
		// The board stops a hair off zero; pin the logical position.
		if _, err := d.requestLocked(ctx, "G92 "+formatAxes(zero)); err != nil {
			return err
		}
		for _, a := range batch {
			d.homed[a] = true
			d.current[a] = 0
			d.target[a] = 0
		}
	}
	opsf("homed %v", axes)
	return nil
}

// Homed returns the per-axis homed flags.
func (d *Driver) Homed() map[Axis]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Axis]bool, len(d.homed))
	for k, v := range d.homed {
		out[k] = v
	}
	return out
}

// Position queries the current machine position and refreshes the cache.
func (d *Driver) Position(ctx context.Context) (Coordinates, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	pos, err := d.queryPositionLocked(ctx)
	if err != nil {
		return nil, err
	}
	d.current = pos
	return pos.clone(), nil
}

func (d *Driver) queryPositionLocked(ctx context.Context) (Coordinates, error) {
	lines, err := d.requestLocked(ctx, "M114.2")
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "MCS:") {
			pos, err := parseAxisValues(l)
			if err != nil {
				return nil, d.protocolFault("M114.2", err)
			}
			return pos, nil
		}
	}
	return nil, d.protocolFault("M114.2", fmt.Errorf("%w: no MCS line in %q", ErrMalformedResponse, lines))
}

// TargetPosition returns the cached destination of the last moves.
func (d *Driver) TargetPosition() Coordinates {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target.clone()
}

// CachedPosition returns the last polled position without touching the
// link.
func (d *Driver) CachedPosition() Coordinates {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.clone()
}

// Endstops reports which limit switches are triggered.
func (d *Driver) Endstops(ctx context.Context) (map[Axis]bool, error) {
	lines, err := d.request(ctx, "M119")
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if strings.Contains(l, "_min:") {
			return parseEndstops(l)
		}
	}
	return nil, fmt.Errorf("%w: no endstop report in %q", ErrMalformedResponse, lines)
}

// Wait blocks for dur, checking for pause and stop every second. On a
// simulated link only the checkpoint runs.
func (d *Driver) Wait(ctx context.Context, dur time.Duration) error {
	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	if d.Simulated() {
		diagf("delay %s skipped on simulated link", dur)
		return nil
	}
	end := d.clock.Now().Add(dur)
	for {
		remaining := end.Sub(d.clock.Now())
		if remaining <= 0 {
			return nil
		}
		if err := timeutil.Sleep(ctx, d.clock, min(remaining, time.Second)); err != nil {
			return err
		}
		if err := d.checkpoint(ctx); err != nil {
			return err
		}
	}
}
