// Package pipette models one liquid-handling instrument: plunger
// calibration, tip tracking and volume bookkeeping. Every operation
// submits motion commands to a sink; transfer, distribute and consolidate
// plan their steps first and then run them through the same operations.
package pipette

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/metrics"
	"github.com/banshee-data/labrobot/internal/motion"
)

var (
	ErrNoTip               = errors.New("no tip attached")
	ErrTipAttached         = errors.New("tip already attached")
	ErrOutOfTips           = errors.New("tip racks exhausted")
	ErrOverCapacity        = errors.New("volume exceeds pipette capacity")
	ErrBelowMinimum        = errors.New("volume below pipette minimum")
	ErrNegativeVolume      = errors.New("volume must not be negative")
	ErrMismatchedLocations = errors.New("sources and targets do not pair up")
	ErrVolumeCount         = errors.New("volume list does not match transfers")
	ErrUnknownTipPolicy    = errors.New("unknown new tip policy")
	ErrUnknownPosition     = errors.New("unknown plunger position")
	ErrBadTable            = errors.New("invalid ul/mm table")
	ErrNoLocation          = errors.New("no location given and none visited")
)

// MinVolumePolicy decides what happens to volumes below the minimum.
type MinVolumePolicy string

const (
	MinVolumeWarn  MinVolumePolicy = "warn"
	MinVolumeError MinVolumePolicy = "error"
)

// Config describes a pipette model and how it is mounted.
type Config struct {
	Name string
	// Mount is the plunger axis letter, "a" or "b".
	Mount     string
	Channels  int
	MinVolume float64
	MaxVolume float64
	// AspirateSpeed and DispenseSpeed are plunger rates in mm/min.
	AspirateSpeed float64
	DispenseSpeed float64
	BlowOutSpeed  float64
	Aspirate      Table
	Dispense      Table
	TipRacks      []deck.NodeID
	// Trash receives dropped tips; deck.NoNode drops in place.
	Trash           deck.NodeID
	TipLength       float64
	Presses         int
	PressDistance   float64
	MinVolumePolicy MinVolumePolicy
}

// DefaultConfig returns a 200 ul single channel pipette on mount b.
func DefaultConfig() Config {
	pos := DefaultPlungerPositions()
	travel := pos[Top] - pos[Bottom]
	return Config{
		Name:            "p200",
		Mount:           "b",
		Channels:        1,
		MinVolume:       20,
		MaxVolume:       200,
		AspirateSpeed:   300,
		DispenseSpeed:   500,
		BlowOutSpeed:    500,
		Aspirate:        LinearTable(200, travel),
		Dispense:        LinearTable(200, travel),
		Trash:           deck.NoNode,
		TipLength:       51.7,
		Presses:         3,
		PressDistance:   6,
		MinVolumePolicy: MinVolumeWarn,
	}
}

// Pipette tracks one instrument's state between commands.
type Pipette struct {
	cfg  Config
	tree *deck.Tree
	sink motion.Sink
	warn func(string)

	positions  map[Position]float64
	calibrated map[Position]bool

	supply        *TipSupply
	currentTip    deck.NodeID
	tipLength     float64
	currentVolume float64
	workingVolume float64
	previous      deck.NodeID
}

// New validates cfg and returns a pipette with no tip attached. warn
// receives advisory messages and may be nil.
func New(cfg Config, tree *deck.Tree, sink motion.Sink, warn func(string)) (*Pipette, error) {
	if cfg.Mount != "a" && cfg.Mount != "b" {
		return nil, fmt.Errorf("pipette %q: mount must be a or b, got %q", cfg.Name, cfg.Mount)
	}
	if cfg.MaxVolume <= 0 || cfg.MinVolume < 0 || cfg.MinVolume > cfg.MaxVolume {
		return nil, fmt.Errorf("pipette %q: invalid volume range %g-%g", cfg.Name, cfg.MinVolume, cfg.MaxVolume)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	def := DefaultConfig()
	if cfg.Aspirate == nil {
		cfg.Aspirate = LinearTable(cfg.MaxVolume, 15)
	}
	if cfg.Dispense == nil {
		cfg.Dispense = cfg.Aspirate
	}
	for _, t := range []Table{cfg.Aspirate, cfg.Dispense} {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("pipette %q: %w", cfg.Name, err)
		}
	}
	if cfg.AspirateSpeed <= 0 {
		cfg.AspirateSpeed = def.AspirateSpeed
	}
	if cfg.DispenseSpeed <= 0 {
		cfg.DispenseSpeed = def.DispenseSpeed
	}
	if cfg.BlowOutSpeed <= 0 {
		cfg.BlowOutSpeed = cfg.DispenseSpeed
	}
	if cfg.Presses < 0 {
		cfg.Presses = 0
	}
	if cfg.MinVolumePolicy == "" {
		cfg.MinVolumePolicy = MinVolumeWarn
	}
	if cfg.MinVolumePolicy != MinVolumeWarn && cfg.MinVolumePolicy != MinVolumeError {
		return nil, fmt.Errorf("pipette %q: unknown min volume policy %q", cfg.Name, cfg.MinVolumePolicy)
	}
	if warn == nil {
		warn = func(msg string) { diagf("warning: %s", msg) }
	}
	p := &Pipette{
		cfg:           cfg,
		tree:          tree,
		sink:          sink,
		warn:          warn,
		positions:     DefaultPlungerPositions(),
		calibrated:    map[Position]bool{},
		currentTip:    deck.NoNode,
		previous:      deck.NoNode,
		workingVolume: cfg.MaxVolume,
	}
	p.supply = NewTipSupply(tree, cfg.TipRacks, cfg.Channels)
	return p, nil
}

// Name returns the configured name.
func (p *Pipette) Name() string { return p.cfg.Name }

// Mount returns the plunger axis letter.
func (p *Pipette) Mount() string { return p.cfg.Mount }

// Config returns the effective configuration.
func (p *Pipette) Config() Config { return p.cfg }

// CurrentTip returns the attached tip well, or deck.NoNode.
func (p *Pipette) CurrentTip() deck.NodeID { return p.currentTip }

// HasTip reports whether a tip is attached.
func (p *Pipette) HasTip() bool { return p.currentTip != deck.NoNode }

// TipLength returns the length currently added to the tool.
func (p *Pipette) TipLength() float64 { return p.tipLength }

// CurrentVolume returns the liquid and air held in the tip.
func (p *Pipette) CurrentVolume() float64 { return p.currentVolume }

// WorkingVolume is the most the attached tip can hold.
func (p *Pipette) WorkingVolume() float64 { return p.workingVolume }

// TipSupply exposes the tip iterator.
func (p *Pipette) TipSupply() *TipSupply { return p.supply }

// CalibratePlunger stores the axis value jogged to for a named position.
func (p *Pipette) CalibratePlunger(pos Position, value float64) error {
	if _, ok := p.positions[pos]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPosition, pos)
	}
	p.positions[pos] = value
	p.calibrated[pos] = true
	if p.positions[Top] <= p.positions[Bottom] {
		p.warn(fmt.Sprintf("%s: plunger top %g is not above bottom %g", p.cfg.Name, p.positions[Top], p.positions[Bottom]))
	}
	return nil
}

// PlungerPosition returns a named position, warning if it has not been
// calibrated.
func (p *Pipette) PlungerPosition(pos Position) (float64, error) {
	v, ok := p.positions[pos]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPosition, pos)
	}
	if !p.calibrated[pos] {
		p.warn(fmt.Sprintf("%s: plunger position %q used before calibration", p.cfg.Name, pos))
	}
	return v, nil
}

// Calibrated reports which positions have been set.
func (p *Pipette) Calibrated(pos Position) bool { return p.calibrated[pos] }

// SetMaxVolume changes the maximum volume; the working volume follows
// when no tip is attached.
func (p *Pipette) SetMaxVolume(v float64) error {
	if v <= 0 || v < p.cfg.MinVolume {
		return fmt.Errorf("max volume %g below min volume %g", v, p.cfg.MinVolume)
	}
	p.cfg.MaxVolume = v
	if !p.HasTip() || p.workingVolume > v {
		p.workingVolume = v
	}
	return nil
}

// SetSpeed changes the aspirate and dispense plunger rates; zero keeps
// the current value.
func (p *Pipette) SetSpeed(aspirate, dispense float64) {
	if aspirate > 0 {
		p.cfg.AspirateSpeed = aspirate
	}
	if dispense > 0 {
		p.cfg.DispenseSpeed = dispense
	}
}

// StartAtTip makes tip the first one drawn.
func (p *Pipette) StartAtTip(tip deck.NodeID) error { return p.supply.StartAt(tip) }

// ResetTipTracking refills the racks and forgets the current tip.
func (p *Pipette) ResetTipTracking() {
	p.supply.Reset()
	p.currentTip = deck.NoNode
}

// Reset restores the pipette to its freshly constructed state.
func (p *Pipette) Reset() {
	p.ResetTipTracking()
	p.tipLength = 0
	p.currentVolume = 0
	p.workingVolume = p.cfg.MaxVolume
	p.previous = deck.NoNode
}

func (p *Pipette) submit(ctx context.Context, c motion.Command) error {
	c.Instrument = p.cfg.Mount
	if c.TipLength == 0 {
		c.TipLength = p.tipLength
	}
	return p.sink.Submit(ctx, c)
}

// MoveTo moves the tool to loc.
func (p *Pipette) MoveTo(ctx context.Context, loc deck.Location, strategy motion.Strategy) error {
	if strategy == "" {
		strategy = motion.StrategyArc
	}
	l := loc
	if err := p.submit(ctx, motion.Command{
		Kind:        motion.KindMove,
		Description: fmt.Sprintf("moving %s to %s", p.cfg.Name, p.tree.PathString(loc.Node)),
		Location:    &l,
		Strategy:    strategy,
	}); err != nil {
		return err
	}
	if w, ok := p.tree.Ancestor(loc.Node, deck.KindWell); ok {
		p.previous = w
	} else {
		p.previous = loc.Node
	}
	return nil
}

func (p *Pipette) movePlunger(ctx context.Context, value, speed float64, desc string) error {
	return p.submit(ctx, motion.Command{
		Kind:         motion.KindMovePlunger,
		Description:  desc,
		PlungerValue: value,
		Speed:        speed,
	})
}

// checkVolume applies the volume policy to one aspirate of volume that
// brings the tip to total.
func (p *Pipette) checkVolume(volume, total float64) error {
	if total > p.workingVolume+volumeEpsilon {
		return fmt.Errorf("%w: %g ul in a %g ul tip", ErrOverCapacity, total, p.workingVolume)
	}
	if volume < p.cfg.MinVolume {
		msg := fmt.Sprintf("%s: %g ul is less than min volume %g ul", p.cfg.Name, volume, p.cfg.MinVolume)
		if p.cfg.MinVolumePolicy == MinVolumeError {
			return fmt.Errorf("%w: %s", ErrBelowMinimum, msg)
		}
		p.warn(msg)
	}
	return nil
}

func (p *Pipette) plungerFor(table Table, held float64) (float64, error) {
	bottom, err := p.PlungerPosition(Bottom)
	if err != nil {
		return 0, err
	}
	mm, err := table.Millimetres(held)
	if err != nil {
		return 0, err
	}
	return bottom + mm, nil
}

// Aspirate draws volume at loc, or in place when loc is nil. A zero
// volume does nothing.
func (p *Pipette) Aspirate(ctx context.Context, volume float64, loc *deck.Location, rate float64) error {
	if !p.HasTip() {
		return fmt.Errorf("%s aspirate: %w", p.cfg.Name, ErrNoTip)
	}
	if volume < 0 {
		return fmt.Errorf("%w: %g", ErrNegativeVolume, volume)
	}
	if volume == 0 {
		return nil
	}
	if rate <= 0 {
		rate = 1
	}
	target := p.currentVolume + volume
	if err := p.checkVolume(volume, target); err != nil {
		return err
	}
	if err := p.positionForAspirate(ctx, loc); err != nil {
		return err
	}
	value, err := p.plungerFor(p.cfg.Aspirate, target)
	if err != nil {
		return err
	}
	c := motion.Command{
		Kind:         motion.KindAspirate,
		Description:  fmt.Sprintf("aspirating %g ul with %s", volume, p.cfg.Name),
		Volume:       volume,
		PlungerValue: value,
		Speed:        p.cfg.AspirateSpeed * rate,
	}
	if err := p.submit(ctx, c); err != nil {
		return err
	}
	p.currentVolume = target
	return nil
}

// positionForAspirate readies the plunger at bottom above the liquid when
// the tip is empty, then enters loc.
func (p *Pipette) positionForAspirate(ctx context.Context, loc *deck.Location) error {
	if loc != nil {
		well := loc.Node
		if w, ok := p.tree.Ancestor(loc.Node, deck.KindWell); ok {
			well = w
		}
		if well != p.previous {
			if err := p.MoveTo(ctx, p.tree.Top(well, 0), motion.StrategyArc); err != nil {
				return err
			}
		}
	}
	if p.currentVolume == 0 {
		bottom, err := p.PlungerPosition(Bottom)
		if err != nil {
			return err
		}
		if err := p.movePlunger(ctx, bottom, p.cfg.AspirateSpeed, fmt.Sprintf("%s plunger to bottom", p.cfg.Name)); err != nil {
			return err
		}
	}
	if loc != nil {
		return p.MoveTo(ctx, *loc, motion.StrategyDirect)
	}
	return nil
}

// Dispense expels volume at loc, or in place when loc is nil. Volumes
// above what the tip holds are clamped with a warning; zero does nothing.
func (p *Pipette) Dispense(ctx context.Context, volume float64, loc *deck.Location, rate float64) error {
	if !p.HasTip() {
		return fmt.Errorf("%s dispense: %w", p.cfg.Name, ErrNoTip)
	}
	if volume < 0 {
		return fmt.Errorf("%w: %g", ErrNegativeVolume, volume)
	}
	if volume == 0 {
		return nil
	}
	if volume > p.currentVolume+volumeEpsilon {
		p.warn(fmt.Sprintf("%s: dispense of %g ul exceeds %g ul held", p.cfg.Name, volume, p.currentVolume))
		volume = p.currentVolume
	}
	if rate <= 0 {
		rate = 1
	}
	if loc != nil {
		if err := p.MoveTo(ctx, *loc, motion.StrategyArc); err != nil {
			return err
		}
	}
	remaining := p.currentVolume - volume
	if remaining < volumeEpsilon {
		remaining = 0
	}
	value, err := p.plungerFor(p.cfg.Dispense, remaining)
	if err != nil {
		return err
	}
	if err := p.submit(ctx, motion.Command{
		Kind:         motion.KindDispense,
		Description:  fmt.Sprintf("dispensing %g ul with %s", volume, p.cfg.Name),
		Volume:       volume,
		PlungerValue: value,
		Speed:        p.cfg.DispenseSpeed * rate,
	}); err != nil {
		return err
	}
	p.currentVolume = remaining
	return nil
}

// DispenseAll empties the tip at loc.
func (p *Pipette) DispenseAll(ctx context.Context, loc *deck.Location, rate float64) error {
	return p.Dispense(ctx, p.currentVolume, loc, rate)
}

// Mix aspirates and dispenses volume repeatedly at loc.
func (p *Pipette) Mix(ctx context.Context, repetitions int, volume float64, loc *deck.Location, rate float64) error {
	if !p.HasTip() {
		return fmt.Errorf("%s mix: %w", p.cfg.Name, ErrNoTip)
	}
	if volume == 0 {
		volume = p.workingVolume - p.currentVolume
	}
	if err := p.Aspirate(ctx, volume, loc, rate); err != nil {
		return err
	}
	for i := 1; i < repetitions; i++ {
		if err := p.Dispense(ctx, volume, nil, rate); err != nil {
			return err
		}
		if err := p.Aspirate(ctx, volume, nil, rate); err != nil {
			return err
		}
	}
	return p.Dispense(ctx, volume, nil, rate)
}

// BlowOut drives the plunger past bottom to clear the tip.
func (p *Pipette) BlowOut(ctx context.Context, loc *deck.Location) error {
	if !p.HasTip() {
		return fmt.Errorf("%s blow out: %w", p.cfg.Name, ErrNoTip)
	}
	if loc != nil {
		if err := p.MoveTo(ctx, *loc, motion.StrategyArc); err != nil {
			return err
		}
	}
	value, err := p.PlungerPosition(BlowOut)
	if err != nil {
		return err
	}
	if err := p.submit(ctx, motion.Command{
		Kind:         motion.KindBlowOut,
		Description:  fmt.Sprintf("blowing out %s", p.cfg.Name),
		PlungerValue: value,
		Speed:        p.cfg.BlowOutSpeed,
	}); err != nil {
		return err
	}
	p.currentVolume = 0
	return nil
}

// TouchTip touches the four walls of well, or of the last visited well
// when well is deck.NoNode, vOffset millimetres from its top.
func (p *Pipette) TouchTip(ctx context.Context, well deck.NodeID, radius, vOffset float64) error {
	if !p.HasTip() {
		return fmt.Errorf("%s touch tip: %w", p.cfg.Name, ErrNoTip)
	}
	if well == deck.NoNode {
		well = p.previous
	}
	if well == deck.NoNode {
		return ErrNoLocation
	}
	if radius <= 0 {
		radius = 1
	}
	loc := p.tree.Top(well, vOffset)
	if err := p.MoveTo(ctx, loc, motion.StrategyArc); err != nil {
		return err
	}
	return p.submit(ctx, motion.Command{
		Kind:        motion.KindTouchTip,
		Description: fmt.Sprintf("touching tip of %s", p.cfg.Name),
		Location:    &loc,
		Radius:      radius,
	})
}

// AirGap draws volume of air height millimetres above the last visited
// well.
func (p *Pipette) AirGap(ctx context.Context, volume, height float64) error {
	if !p.HasTip() {
		return fmt.Errorf("%s air gap: %w", p.cfg.Name, ErrNoTip)
	}
	if p.previous == deck.NoNode {
		return ErrNoLocation
	}
	if volume == 0 {
		volume = p.workingVolume - p.currentVolume
	}
	loc := p.tree.Top(p.previous, height)
	if err := p.MoveTo(ctx, loc, motion.StrategyDirect); err != nil {
		return err
	}
	return p.Aspirate(ctx, volume, nil, 1)
}

// PickUpTip attaches the tip at tip, or the next tip from the racks when
// tip is deck.NoNode. An explicit tip does not advance the racks.
func (p *Pipette) PickUpTip(ctx context.Context, tip deck.NodeID) error {
	if p.HasTip() {
		return fmt.Errorf("%s: %w", p.cfg.Name, ErrTipAttached)
	}
	if tip == deck.NoNode {
		group, err := p.supply.Next()
		if err != nil {
			return fmt.Errorf("%s: %w", p.cfg.Name, err)
		}
		tip = group[0]
	}
	bottom, err := p.PlungerPosition(Bottom)
	if err != nil {
		return err
	}
	if err := p.movePlunger(ctx, bottom, p.cfg.AspirateSpeed, fmt.Sprintf("%s plunger to bottom", p.cfg.Name)); err != nil {
		return err
	}
	top := p.tree.Top(tip, 0)
	if err := p.MoveTo(ctx, top, motion.StrategyArc); err != nil {
		return err
	}
	if err := p.submit(ctx, motion.Command{
		Kind:        motion.KindPickUpTip,
		Description: fmt.Sprintf("picking up tip %s", p.tree.PathString(tip)),
		Location:    &top,
		Presses:     p.cfg.Presses,
		Distance:    p.cfg.PressDistance,
	}); err != nil {
		return err
	}

	p.currentTip = tip
	p.currentVolume = 0
	p.tipLength = p.cfg.TipLength
	p.previous = deck.NoNode
	p.workingVolume = p.cfg.MaxVolume
	if mv := p.tree.Properties(tip).MaxVolume; mv > 0 && mv < p.workingVolume {
		p.workingVolume = mv
	}
	metrics.TipsUsed.WithLabelValues(p.cfg.Mount).Inc()
	return nil
}

// DropTip ejects the tip at loc, at the trash when loc is nil, or in
// place when there is no trash either.
func (p *Pipette) DropTip(ctx context.Context, loc *deck.Location) error {
	if !p.HasTip() {
		p.warn(fmt.Sprintf("%s: drop tip with no tip attached", p.cfg.Name))
	}
	if loc == nil && p.cfg.Trash != deck.NoNode {
		trash := p.tree.Top(p.cfg.Trash, 0)
		loc = &trash
	}
	if loc != nil {
		if err := p.MoveTo(ctx, *loc, motion.StrategyArc); err != nil {
			return err
		}
	}
	bottom, err := p.PlungerPosition(Bottom)
	if err != nil {
		return err
	}
	drop, err := p.PlungerPosition(DropTip)
	if err != nil {
		return err
	}
	if err := p.movePlunger(ctx, bottom, p.cfg.DispenseSpeed, fmt.Sprintf("%s plunger to bottom", p.cfg.Name)); err != nil {
		return err
	}
	if err := p.submit(ctx, motion.Command{
		Kind:         motion.KindDropTip,
		Description:  fmt.Sprintf("dropping tip from %s", p.cfg.Name),
		PlungerValue: drop,
		Speed:        p.cfg.DispenseSpeed,
	}); err != nil {
		return err
	}
	if err := p.Home(ctx); err != nil {
		return err
	}
	p.currentTip = deck.NoNode
	p.tipLength = 0
	p.currentVolume = 0
	p.workingVolume = p.cfg.MaxVolume
	p.previous = deck.NoNode
	return nil
}

// ReturnTip puts the tip back where it came from.
func (p *Pipette) ReturnTip(ctx context.Context) error {
	if !p.HasTip() {
		p.warn(fmt.Sprintf("%s: return tip with no tip attached", p.cfg.Name))
		return nil
	}
	loc := p.tree.Top(p.currentTip, -p.cfg.PressDistance)
	return p.DropTip(ctx, &loc)
}

// Home homes the plunger axis; any held liquid is lost.
func (p *Pipette) Home(ctx context.Context) error {
	if err := p.submit(ctx, motion.Command{
		Kind:        motion.KindHome,
		Description: fmt.Sprintf("homing %s plunger", p.cfg.Name),
		Axes:        []string{p.cfg.Mount},
	}); err != nil {
		return err
	}
	p.currentVolume = 0
	return nil
}

// Delay pauses the queue.
func (p *Pipette) Delay(ctx context.Context, d time.Duration) error {
	return p.submit(ctx, motion.Command{
		Kind:        motion.KindDelay,
		Description: fmt.Sprintf("delaying %s", d),
		Duration:    d,
	})
}
