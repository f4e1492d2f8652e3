// Package robot ties the deck, calibration, driver, command queue and
// instruments into one controller handle. Several robots may coexist in
// a process; nothing here is global.
package robot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/labrobot/internal/calibration"
	"github.com/banshee-data/labrobot/internal/control"
	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/serialmux"
	"github.com/banshee-data/labrobot/internal/simulator"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	ErrBusy          = errors.New("a run is already in progress")
	ErrUnknownMount  = errors.New("no pipette on mount")
	ErrMountOccupied = errors.New("mount already has a pipette")
	errNoLocation    = errors.New("command has no location")
)

// Link is the serial mux type shared by hardware and simulated sessions.
type Link = serialmux.SerialMux[serialmux.SerialPorter]

// Options configures a Robot.
type Options struct {
	Driver    driver.Options
	Layout    deck.Layout
	ArcMargin float64
	// Simulator configures the peer used by ConnectSimulated and
	// Simulate.
	Simulator   simulator.Options
	PortFactory serialmux.SerialPortFactory
	// Immediate dispatches instrument commands as they are issued
	// instead of queueing them.
	Immediate bool
}

// DefaultOptions returns options for a pro-size robot on the default deck.
func DefaultOptions() Options {
	return Options{
		Driver:      driver.DefaultOptions(),
		Layout:      deck.DefaultLayout(),
		ArcMargin:   motion.DefaultArcMargin,
		Simulator:   simulator.DefaultOptions(),
		PortFactory: serialmux.RealPortFactory{},
	}
}

// Journal persists runs. A nil journal disables recording.
type Journal interface {
	StartRun(ctx context.Context, mode string, commands int) (string, error)
	RecordCommand(ctx context.Context, runID string, index int, c motion.Command, err error) error
	RecordWireLine(ctx context.Context, runID, direction, line string) error
	FinishRun(ctx context.Context, runID string, err error) error
}

// Robot is one liquid handler.
type Robot struct {
	opts   Options
	tree   *deck.Tree
	signal *control.Signal
	driver *driver.Driver
	queue  *motion.Queue
	live   *session

	mu          sync.Mutex
	pipettes    map[string]*pipette.Pipette
	overlays    map[string]*calibration.Overlay
	resolvers   map[string]*calibration.Resolver
	link        *Link
	stopMonitor context.CancelFunc
	journal     Journal
	immediate   bool

	warnMu   sync.Mutex
	warnings []string

	runMu sync.Mutex
}

// New builds a disconnected robot over an empty deck.
func New(opts Options) (*Robot, error) {
	def := DefaultOptions()
	if opts.Layout.Columns == "" {
		opts.Layout = def.Layout
	}
	if opts.ArcMargin <= 0 {
		opts.ArcMargin = def.ArcMargin
	}
	if opts.Simulator.Firmware == "" {
		opts.Simulator = def.Simulator
	}
	if opts.PortFactory == nil {
		opts.PortFactory = def.PortFactory
	}
	tree, err := deck.NewDeck(opts.Layout)
	if err != nil {
		return nil, err
	}
	signal := control.NewSignal()
	opts.Driver.Signal = signal
	r := &Robot{
		opts:      opts,
		tree:      tree,
		signal:    signal,
		driver:    driver.New(opts.Driver),
		queue:     &motion.Queue{},
		pipettes:  map[string]*pipette.Pipette{},
		overlays:  map[string]*calibration.Overlay{},
		resolvers: map[string]*calibration.Resolver{},
		immediate: opts.Immediate,
	}
	r.live = r.newSession(r.driver)
	return r, nil
}

// Deck returns the robot's spatial tree.
func (r *Robot) Deck() *deck.Tree { return r.tree }

// Driver returns the hardware driver.
func (r *Robot) Driver() *driver.Driver { return r.driver }

// Link returns the current serial mux, or nil when disconnected.
func (r *Robot) Link() *Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// SetJournal installs j to record subsequent runs.
func (r *Robot) SetJournal(j Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = j
}

// SetImmediate switches between queueing and immediate dispatch.
func (r *Robot) SetImmediate(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immediate = on
}

// Connect opens the serial port at path and negotiates with the board.
func (r *Robot) Connect(ctx context.Context, path string, opts serialmux.PortOptions) error {
	link, err := serialmux.OpenSerialMux(r.opts.PortFactory, path, opts)
	if err != nil {
		return err
	}
	return r.attach(ctx, link)
}

// ConnectSimulated connects to a fresh in-process board.
func (r *Robot) ConnectSimulated(ctx context.Context) error {
	return r.attach(ctx, serialmux.NewSerialMux[serialmux.SerialPorter](simulator.New(r.opts.Simulator)))
}

func (r *Robot) attach(ctx context.Context, link *Link) error {
	if err := r.Disconnect(); err != nil {
		diagf("closing previous link: %v", err)
	}
	stop := startMonitor(link)
	if err := r.driver.Connect(ctx, link); err != nil {
		stop()
		link.Close()
		return err
	}
	r.mu.Lock()
	r.link = link
	r.stopMonitor = stop
	r.mu.Unlock()
	return nil
}

func startMonitor(link *Link) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			opsf("serial monitor exited: %v", err)
		}
	}()
	return cancel
}

// Disconnect closes the link. It is safe to call when not connected.
func (r *Robot) Disconnect() error {
	r.mu.Lock()
	stop := r.stopMonitor
	r.link, r.stopMonitor = nil, nil
	r.mu.Unlock()
	err := r.driver.Disconnect()
	if stop != nil {
		stop()
	}
	return err
}

// State reports the driver session state.
func (r *Robot) State() driver.State { return r.driver.State() }

// Home homes the named axes now, or every axis when none are named.
func (r *Robot) Home(ctx context.Context, axes ...string) error {
	parsed, err := parseAxes(axes)
	if err != nil {
		return err
	}
	return r.driver.Home(ctx, parsed...)
}

func parseAxes(names []string) ([]driver.Axis, error) {
	out := make([]driver.Axis, 0, len(names))
	for _, n := range names {
		a, err := driver.ParseAxis(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// LoadContainer places a labware definition in a slot.
func (r *Robot) LoadContainer(slot string, def deck.Definition, label string) (deck.NodeID, error) {
	id, err := r.tree.LoadContainer(slot, def, label)
	if err != nil {
		return deck.NoNode, err
	}
	diagf("loaded %s into %s", def.Name, slot)
	return id, nil
}

// AddPipette mounts an instrument. Its commands go through the robot.
func (r *Robot) AddPipette(cfg pipette.Config) (*pipette.Pipette, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipettes[cfg.Mount]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMountOccupied, cfg.Mount)
	}
	p, err := pipette.New(cfg, r.tree, r, r.warn)
	if err != nil {
		return nil, err
	}
	r.pipettes[cfg.Mount] = p
	return p, nil
}

// Pipette returns the instrument on mount.
func (r *Robot) Pipette(mount string) (*pipette.Pipette, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipettes[mount]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMount, mount)
	}
	return p, nil
}

// Pipettes returns every mounted instrument ordered by mount.
func (r *Robot) Pipettes() []*pipette.Pipette {
	r.mu.Lock()
	defer r.mu.Unlock()
	mounts := make([]string, 0, len(r.pipettes))
	for m := range r.pipettes {
		mounts = append(mounts, m)
	}
	sort.Strings(mounts)
	out := make([]*pipette.Pipette, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, r.pipettes[m])
	}
	return out
}

// Submit implements motion.Sink: the command is queued, or dispatched at
// once in immediate mode.
func (r *Robot) Submit(ctx context.Context, c motion.Command) error {
	r.mu.Lock()
	immediate := r.immediate
	r.mu.Unlock()
	if !immediate {
		return r.queue.Submit(ctx, c)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return r.live.Dispatch(ctx, c)
}

// MoveTo moves the named instrument's tool to loc; an empty instrument
// moves the bare head.
func (r *Robot) MoveTo(ctx context.Context, instrument string, loc deck.Location, strategy motion.Strategy) error {
	if strategy == "" {
		strategy = motion.StrategyArc
	}
	tip := 0.0
	if instrument != "" {
		p, err := r.Pipette(instrument)
		if err != nil {
			return err
		}
		tip = p.TipLength()
	}
	l := loc
	return r.Submit(ctx, motion.Command{
		Kind:        motion.KindMove,
		Description: fmt.Sprintf("moving to %s", r.tree.PathString(loc.Node)),
		Instrument:  instrument,
		Location:    &l,
		Strategy:    strategy,
		TipLength:   tip,
	})
}

// Comment queues a note that is logged when the run reaches it.
func (r *Robot) Comment(ctx context.Context, text string) error {
	return r.Submit(ctx, motion.Command{Kind: motion.KindComment, Description: text, Text: text})
}

// Commands returns the pending queue.
func (r *Robot) Commands() []motion.Command { return r.queue.Snapshot() }

// ClearCommands empties the queue and resets instrument tracking.
func (r *Robot) ClearCommands() {
	r.queue.Clear()
	for _, p := range r.Pipettes() {
		p.Reset()
	}
}

// Pause holds the run at its next checkpoint.
func (r *Robot) Pause() { r.driver.Pause() }

// Resume releases a pause and leaves any halted state.
func (r *Robot) Resume() { r.driver.Resume() }

// Stop aborts the run at its next checkpoint.
func (r *Robot) Stop() { r.driver.Stop() }

// Halt aborts the run and stops the board at the next checkpoint.
func (r *Robot) Halt() { r.driver.Halt() }

func (r *Robot) warn(msg string) {
	r.warnMu.Lock()
	r.warnings = append(r.warnings, msg)
	r.warnMu.Unlock()
	diagf("warning: %s", msg)
}

// Warnings returns the advisories collected since the last clear.
func (r *Robot) Warnings() []string {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	return append([]string(nil), r.warnings...)
}

// ClearWarnings empties the advisory list.
func (r *Robot) ClearWarnings() {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	r.warnings = nil
}

// Diagnostics is a point-in-time report of the hardware session.
type Diagnostics struct {
	State      string             `json:"state"`
	Simulated  bool               `json:"simulated"`
	Versions   driver.Versions    `json:"versions"`
	Homed      map[string]bool    `json:"homed"`
	Endstops   map[string]bool    `json:"endstops,omitempty"`
	Position   map[string]float64 `json:"position"`
	Dimensions r3.Vec             `json:"dimensions"`
	Queued     int                `json:"queued"`
	Warnings   int                `json:"warnings"`
}

// Diagnostics gathers state, versions, homed flags and, when connected,
// endstops and the live position.
func (r *Robot) Diagnostics(ctx context.Context) (Diagnostics, error) {
	d := Diagnostics{
		State:      r.driver.State().String(),
		Simulated:  r.driver.Simulated(),
		Versions:   r.driver.Versions(),
		Homed:      map[string]bool{},
		Position:   map[string]float64{},
		Dimensions: r.driver.Dimensions(),
		Queued:     r.queue.Len(),
		Warnings:   len(r.Warnings()),
	}
	for a, v := range r.driver.Homed() {
		d.Homed[string(a)] = v
	}
	pos := r.driver.CachedPosition()
	if r.driver.State() == driver.Disconnected {
		for a, v := range pos {
			d.Position[string(a)] = v
		}
		return d, nil
	}
	live, err := r.driver.Position(ctx)
	if err != nil {
		return d, err
	}
	for a, v := range live {
		d.Position[string(a)] = v
	}
	ends, err := r.driver.Endstops(ctx)
	if err != nil {
		return d, err
	}
	d.Endstops = map[string]bool{}
	for a, v := range ends {
		d.Endstops[string(a)] = v
	}
	return d, nil
}
