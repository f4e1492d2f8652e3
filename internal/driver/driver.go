// Package driver speaks the controller board's line protocol: it
// negotiates versions on connect, issues moves and homes, confirms arrival
// by polling, and turns fault lines into typed errors after running the
// recovery sequence.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/metrics"
	"github.com/banshee-data/labrobot/internal/serialmux"
	"github.com/banshee-data/labrobot/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

// Link is the byte channel to the board. *serialmux.SerialMux satisfies
// it for both hardware and the simulator.
type Link interface {
	SendCommand(string) error
	ReadLine(context.Context, time.Duration) (string, error)
	Flush() int
	Simulated() bool
	Close() error
}

// State is the session state reported by the driver.
type State int

const (
	Disconnected State = iota
	Connected
	Paused
	Halted
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Paused:
		return "paused"
	case Halted:
		return "halted"
	default:
		return "disconnected"
	}
}

// Versions is the identification triple negotiated on connect.
type Versions struct {
	Firmware  string `json:"firmware"`
	OTVersion string `json:"ot_version"`
	Config    string `json:"config_version"`
}

// Options configures timing, tolerances and the compatibility tables.
type Options struct {
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	// MaxPolls bounds the arrival loop after each move.
	MaxPolls  int
	Tolerance float64
	// Speeds holds feed rates in mm/min per axis.
	Speeds             map[Axis]float64
	CompatibleFirmware []string
	CompatibleConfig   []string
	// Dimensions maps each known ot_version to the travel of its gantry.
	Dimensions map[string]r3.Vec
	Clock      timeutil.Clock
	Signal     *control.Signal
}

// DefaultOptions returns the factory settings.
func DefaultOptions() Options {
	return Options{
		ResponseTimeout:    20 * time.Second,
		PollInterval:       10 * time.Millisecond,
		MaxPolls:           5000,
		Tolerance:          0.1,
		Speeds:             DefaultSpeeds(),
		CompatibleFirmware: []string{"v1.0.5", "edge-1c222d9NOMSD"},
		CompatibleConfig:   []string{"v1.0.3", "v1.0.3b"},
		Dimensions: map[string]r3.Vec{
			"one_standard":      {X: 395, Y: 250, Z: 100},
			"one_pro":           {X: 395, Y: 345, Z: 100},
			"one_pro_plus":      {X: 395, Y: 345, Z: 200},
			"one_standard_plus": {X: 395, Y: 250, Z: 200},
		},
	}
}

// DefaultSpeeds returns the default feed rates in mm/min.
func DefaultSpeeds() map[Axis]float64 {
	return map[Axis]float64{AxisX: 3000, AxisY: 3000, AxisZ: 1800, AxisA: 300, AxisB: 300}
}

// WireObserver sees every line sent ("tx") or received ("rx").
type WireObserver func(direction, line string)

// Driver owns one link to the board. All link access is serialized by mu;
// cooperative checkpoints run without it so a paused driver does not
// block state queries.
type Driver struct {
	mu     sync.Mutex
	opts   Options
	clock  timeutil.Clock
	signal *control.Signal

	link      Link
	connected bool
	halted    bool
	versions  Versions
	homed     map[Axis]bool
	current   Coordinates
	target    Coordinates
	speeds    map[Axis]float64

	recMu     sync.Mutex
	recording bool
	recorded  []string
	observer  WireObserver
}

// New returns a disconnected driver.
func New(opts Options) *Driver {
	def := DefaultOptions()
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = def.MaxPolls
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.CompatibleFirmware == nil {
		opts.CompatibleFirmware = def.CompatibleFirmware
	}
	if opts.CompatibleConfig == nil {
		opts.CompatibleConfig = def.CompatibleConfig
	}
	if opts.Dimensions == nil {
		opts.Dimensions = def.Dimensions
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Signal == nil {
		opts.Signal = control.NewSignal()
	}
	speeds := DefaultSpeeds()
	for a, v := range opts.Speeds {
		speeds[a] = v
	}
	d := &Driver{
		opts:   opts,
		clock:  opts.Clock,
		signal: opts.Signal,
		speeds: speeds,
	}
	d.resetSessionLocked()
	return d
}

func (d *Driver) resetSessionLocked() {
	d.homed = map[Axis]bool{}
	d.current = Coordinates{}
	d.target = Coordinates{}
	for _, a := range AllAxes {
		d.homed[a] = false
		d.current[a] = 0
		d.target[a] = 0
	}
}

// Signal returns the cooperative control signal shared with the runner.
func (d *Driver) Signal() *control.Signal { return d.signal }

// Connect takes ownership of link, negotiates versions and seeds the
// position cache. Incompatible versions fail with a protocol fault and
// leave the driver disconnected.
func (d *Driver) Connect(ctx context.Context, link Link) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.link = link
	d.connected = false
	d.halted = false
	d.versions = Versions{}
	d.resetSessionLocked()
	if n := link.Flush(); n > 0 {
		diagf("discarded %d stale lines on connect", n)
	}

	v, err := d.negotiateLocked(ctx)
	if err != nil {
		return err
	}
	d.versions = v

	if _, err := d.requestLocked(ctx, "M999"); err != nil {
		return err
	}
	pos, err := d.queryPositionLocked(ctx)
	if err != nil {
		return err
	}
	d.current = pos
	d.target = pos.clone()
	d.connected = true
	opsf("connected: firmware=%s ot_version=%s config=%s simulated=%t", v.Firmware, v.OTVersion, v.Config, link.Simulated())
	return nil
}

func (d *Driver) negotiateLocked(ctx context.Context) (Versions, error) {
	var v Versions
	lines, err := d.requestLocked(ctx, "version")
	if err != nil {
		return v, err
	}
	if v.Firmware, err = parseFirmware(lines); err != nil {
		return v, d.protocolFault("version", err)
	}
	if v.OTVersion, err = d.configValueLocked(ctx, "ot_version"); err != nil {
		return v, err
	}
	if v.Config, err = d.configValueLocked(ctx, "version"); err != nil {
		return v, err
	}

	var bad []string
	if !slices.Contains(d.opts.CompatibleFirmware, v.Firmware) {
		bad = append(bad, "firmware="+v.Firmware)
	}
	if !slices.Contains(d.opts.CompatibleConfig, v.Config) {
		bad = append(bad, "config="+v.Config)
	}
	if _, ok := d.opts.Dimensions[v.OTVersion]; !ok {
		bad = append(bad, "ot_version="+v.OTVersion)
	}
	if len(bad) > 0 {
		return v, d.protocolFault("version", fmt.Errorf("%w: %s", ErrIncompatible, strings.Join(bad, ", ")))
	}
	return v, nil
}

// parseFirmware reads "Build version: v1.0.5, Build date: ...".
func parseFirmware(lines []string) (string, error) {
	for _, l := range lines {
		_, rest, found := strings.Cut(l, "version:")
		if !found {
			continue
		}
		v, _, _ := strings.Cut(rest, ",")
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no firmware version in %q", ErrMalformedResponse, lines)
}

// Disconnect closes the link.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil
	}
	err := d.link.Close()
	d.link = nil
	d.connected = false
	opsf("disconnected")
	return err
}

// State reports the session state. Paused is derived from the shared
// signal.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.connected:
		return Disconnected
	case d.halted:
		return Halted
	case d.signal.Paused():
		return Paused
	default:
		return Connected
	}
}

// Versions returns the triple negotiated on connect.
func (d *Driver) Versions() Versions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions
}

// Dimensions returns the gantry travel for the connected robot model.
func (d *Driver) Dimensions() r3.Vec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Dimensions[d.versions.OTVersion]
}

// Simulated reports whether the link is the in-process peer.
func (d *Driver) Simulated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil && d.link.Simulated()
}

// SetWireObserver installs fn to see every line on the link.
func (d *Driver) SetWireObserver(fn WireObserver) {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.observer = fn
}

// StartRecording begins capturing commands sent to a simulated link.
// Hardware sessions are never recorded.
func (d *Driver) StartRecording() {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.recording = true
}

// StopRecording stops capturing without clearing the buffer.
func (d *Driver) StopRecording() {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.recording = false
}

// Recorded returns the captured commands.
func (d *Driver) Recorded() []string {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	return append([]string(nil), d.recorded...)
}

// ClearRecording empties the capture buffer.
func (d *Driver) ClearRecording() {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.recorded = nil
}

func (d *Driver) observe(direction, line string) {
	metrics.WireLines.WithLabelValues(direction).Inc()
	d.recMu.Lock()
	fn := d.observer
	if direction == "tx" && d.recording && d.link != nil && d.link.Simulated() {
		d.recorded = append(d.recorded, line)
	}
	d.recMu.Unlock()
	if fn != nil {
		fn(direction, line)
	}
}

func (d *Driver) usableLocked() error {
	if !d.connected || d.link == nil {
		return ErrNotConnected
	}
	return nil
}

func (d *Driver) motionReadyLocked() error {
	if err := d.usableLocked(); err != nil {
		return err
	}
	if d.halted {
		return ErrHalted
	}
	return nil
}

// request sends one command on a connected link and returns its data
// lines.
func (d *Driver) request(ctx context.Context, command string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	return d.requestLocked(ctx, command)
}

// requestLocked sends command and collects data lines until "ok". Fault
// and limit lines trigger the halt and calm-down sequence and come back
// as hardware faults.
func (d *Driver) requestLocked(ctx context.Context, command string) ([]string, error) {
	if d.link == nil {
		return nil, ErrNotConnected
	}
	if n := d.link.Flush(); n > 0 {
		diagf("discarded %d stale lines before %q", n, command)
	}
	if err := d.sendLocked(command); err != nil {
		return nil, err
	}

	var data []string
	for {
		line, err := d.link.ReadLine(ctx, d.opts.ResponseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, d.protocolFault(command, fmt.Errorf("%w: %w", ErrNoResponse, err))
		}
		d.observe("rx", line)

		switch serialmux.ClassifyLine(line) {
		case serialmux.LineAck:
			return data, nil
		case serialmux.LineData:
			data = append(data, line)
		case serialmux.LineLimit:
			axis := parseLimitAxis(line)
			d.recoverLocked(ctx)
			return nil, d.hardwareFault(&Fault{Command: command, Axis: axis, Line: line, Err: ErrLimitHit})
		case serialmux.LineFault:
			d.recoverLocked(ctx)
			return nil, d.hardwareFault(&Fault{Command: command, Line: line, Err: ErrBoardFault})
		}
	}
}

func (d *Driver) sendLocked(command string) error {
	d.observe("tx", command)
	if err := d.link.SendCommand(command); err != nil {
		return d.protocolFault(command, err)
	}
	return nil
}

// exchangeLocked sends command and waits for "ok", ignoring fault markers.
// It is used for the recovery commands whose replies mention reset.
func (d *Driver) exchangeLocked(ctx context.Context, command string) error {
	if err := d.sendLocked(command); err != nil {
		return err
	}
	for {
		line, err := d.link.ReadLine(ctx, d.opts.ResponseTimeout)
		if err != nil {
			return err
		}
		d.observe("rx", line)
		if serialmux.ClassifyLine(line) == serialmux.LineAck {
			return nil
		}
	}
}

// recoverLocked issues emergency halt then calm down and marks the
// session halted until Resume.
func (d *Driver) recoverLocked(ctx context.Context) {
	d.halted = true
	for _, cmd := range []string{"M112", "M999"} {
		if err := d.exchangeLocked(ctx, cmd); err != nil {
			diagf("recovery %s failed: %v", cmd, err)
			return
		}
	}
	opsf("recovered from fault; halted until resume")
}

func (d *Driver) protocolFault(command string, err error) error {
	d.connected = false
	f := &Fault{Class: ClassProtocol, Command: command, Err: err}
	metrics.Faults.WithLabelValues(f.Class.String()).Inc()
	opsf("%v", f)
	return f
}

func (d *Driver) hardwareFault(f *Fault) error {
	f.Class = ClassHardware
	metrics.Faults.WithLabelValues(f.Class.String()).Inc()
	opsf("%v", f)
	return f
}

// checkpoint consults the shared signal. A consumed halt request runs
// the emergency halt sequence before returning.
func (d *Driver) checkpoint(ctx context.Context) error {
	err := d.signal.Checkpoint(ctx)
	if errors.Is(err, control.ErrHalted) {
		if herr := d.EmergencyHalt(ctx); herr != nil {
			diagf("emergency halt: %v", herr)
		}
	}
	return err
}
