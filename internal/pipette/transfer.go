package pipette

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/labrobot/internal/deck"
)

// TipPolicy controls how often a transfer takes a fresh tip.
type TipPolicy string

const (
	TipNever  TipPolicy = "never"
	TipOnce   TipPolicy = "once"
	TipAlways TipPolicy = "always"
)

// tips returns how many fresh tips the policy allows.
func (p TipPolicy) tips() (int, error) {
	switch p {
	case TipNever:
		return 0, nil
	case TipOnce, "":
		return 1, nil
	case TipAlways:
		return math.MaxInt, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTipPolicy, string(p))
}

// MixSpec repeats an aspirate and dispense in place.
type MixSpec struct {
	Repetitions int     `json:"repetitions"`
	Volume      float64 `json:"volume"`
}

const (
	// DefaultAirGapHeight is how far above the well an air gap is drawn.
	DefaultAirGapHeight = 5.0
	// aspirateClearance keeps the tip off the bottom of a well.
	aspirateClearance = 1.0
	// airGapDispenseHeight is the height above a target at which a
	// trailing air gap is expelled.
	airGapDispenseHeight = 5.0
	touchTipOffset       = -1.0
)

// TransferOptions shapes Transfer, Distribute and Consolidate.
type TransferOptions struct {
	NewTip    TipPolicy
	MixBefore MixSpec
	MixAfter  MixSpec
	AirGap    float64
	TouchTip  bool
	// BlowOut forces a blow out at the end of every run of dispenses.
	BlowOut bool
	// Trash drops used tips in the trash; otherwise they are returned
	// to the rack.
	Trash          bool
	Carryover      bool
	Repeat         bool
	DisposalVolume float64
	Gradient       func(float64) float64
	// Rate scales the aspirate and dispense speeds.
	Rate float64
}

// DefaultTransferOptions uses one tip, splits large volumes and merges
// distribute and consolidate steps.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		NewTip:    TipOnce,
		Trash:     true,
		Carryover: true,
		Repeat:    true,
		Rate:      1,
	}
}

// Transfer moves v from each source to its paired target.
func (p *Pipette) Transfer(ctx context.Context, v Volumes, sources, targets []deck.NodeID, opts TransferOptions) error {
	return p.runTransfer(ctx, v, sources, targets, ModeTransfer, opts)
}

// Distribute moves v from one source into each target, filling the tip
// once for several targets when opts.Repeat is set. MixAfter is ignored.
func (p *Pipette) Distribute(ctx context.Context, v Volumes, source deck.NodeID, targets []deck.NodeID, opts TransferOptions) error {
	return p.runTransfer(ctx, v, []deck.NodeID{source}, targets, ModeDistribute, opts)
}

// Consolidate moves v from each source into one target, collecting from
// several sources per trip when opts.Repeat is set. AirGap, MixBefore
// and DisposalVolume are ignored.
func (p *Pipette) Consolidate(ctx context.Context, v Volumes, sources []deck.NodeID, target deck.NodeID, opts TransferOptions) error {
	return p.runTransfer(ctx, v, sources, []deck.NodeID{target}, ModeConsolidate, opts)
}

// forMode clears the options mode does not apply.
func (o TransferOptions) forMode(mode Mode) TransferOptions {
	switch mode {
	case ModeConsolidate:
		o.AirGap = 0
		o.MixBefore = MixSpec{}
		o.DisposalVolume = 0
	case ModeDistribute:
		o.MixAfter = MixSpec{}
	}
	return o
}

// PlanTransfer returns the steps a transfer would execute without
// submitting anything.
func (p *Pipette) PlanTransfer(v Volumes, sources, targets []deck.NodeID, mode Mode, opts TransferOptions) ([]Step, error) {
	opts = opts.forMode(mode)
	if _, err := opts.NewTip.tips(); err != nil {
		return nil, err
	}
	capacity := p.workingVolume - opts.AirGap
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: air gap %g fills a %g ul tip", ErrOverCapacity, opts.AirGap, p.workingVolume)
	}
	disposal := 0.0
	if mode == ModeDistribute {
		disposal = opts.DisposalVolume
	}
	return Plan(v, sources, targets, mode, PlanOptions{
		Capacity:       capacity,
		Carryover:      opts.Carryover,
		Repeat:         opts.Repeat,
		DisposalVolume: disposal,
		Gradient:       opts.Gradient,
	})
}

func (p *Pipette) runTransfer(ctx context.Context, v Volumes, sources, targets []deck.NodeID, mode Mode, opts TransferOptions) error {
	opts = opts.forMode(mode)
	tips, err := opts.NewTip.tips()
	if err != nil {
		return err
	}
	plan, err := p.PlanTransfer(v, sources, targets, mode, opts)
	if err != nil {
		return err
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}

	total := len(plan)
	for i, s := range plan {
		if s.Aspirate != nil {
			if tips > 0 && !p.HasTip() {
				if err := p.PickUpTip(ctx, deck.NoNode); err != nil {
					return fmt.Errorf("%s step %d: %w", mode, i, err)
				}
			}
			if err := p.aspirateStep(ctx, s.Aspirate, opts); err != nil {
				return fmt.Errorf("%s step %d: %w", mode, i, err)
			}
		}
		if s.Dispense == nil {
			continue
		}
		if err := p.dispenseStep(ctx, s.Dispense, opts); err != nil {
			return fmt.Errorf("%s step %d: %w", mode, i, err)
		}
		if i+1 == total || plan[i+1].Aspirate != nil {
			if err := p.finishRun(ctx, opts); err != nil {
				return fmt.Errorf("%s step %d: %w", mode, i, err)
			}
			if tips > 1 || (i+1 == total && tips > 0) {
				if err := p.discardTip(ctx, opts.Trash); err != nil {
					return fmt.Errorf("%s step %d: %w", mode, i, err)
				}
				tips--
			}
			continue
		}
		if err := p.betweenDispenses(ctx, opts); err != nil {
			return fmt.Errorf("%s step %d: %w", mode, i, err)
		}
	}
	return nil
}

func (p *Pipette) aspirateStep(ctx context.Context, leg *Leg, opts TransferOptions) error {
	loc := p.clearanceLocation(leg.Well)
	if p.currentVolume == 0 && opts.MixBefore.Repetitions > 0 {
		if err := p.Mix(ctx, opts.MixBefore.Repetitions, opts.MixBefore.Volume, &loc, opts.Rate); err != nil {
			return err
		}
	}
	if err := p.Aspirate(ctx, leg.Volume, &loc, opts.Rate); err != nil {
		return err
	}
	if opts.AirGap > 0 {
		if err := p.AirGap(ctx, opts.AirGap, DefaultAirGapHeight); err != nil {
			return err
		}
	}
	if opts.TouchTip {
		return p.TouchTip(ctx, leg.Well, 1, touchTipOffset)
	}
	return nil
}

func (p *Pipette) dispenseStep(ctx context.Context, leg *Leg, opts TransferOptions) error {
	if opts.AirGap > 0 {
		top := p.tree.Top(leg.Well, airGapDispenseHeight)
		if err := p.Dispense(ctx, opts.AirGap, &top, opts.Rate); err != nil {
			return err
		}
	}
	loc := p.clearanceLocation(leg.Well)
	if err := p.Dispense(ctx, leg.Volume, &loc, opts.Rate); err != nil {
		return err
	}
	if p.currentVolume == 0 && opts.MixAfter.Repetitions > 0 {
		return p.Mix(ctx, opts.MixAfter.Repetitions, opts.MixAfter.Volume, &loc, opts.Rate)
	}
	return nil
}

// finishRun clears the tip after the last dispense before the next
// aspirate. Leftover liquid goes to the trash; an empty tip blows out
// in place.
func (p *Pipette) finishRun(ctx context.Context, opts TransferOptions) error {
	if p.currentVolume > 0 || opts.BlowOut {
		var loc *deck.Location
		if p.currentVolume > 0 && p.cfg.Trash != deck.NoNode {
			trash := p.tree.Top(p.cfg.Trash, 0)
			loc = &trash
		}
		if err := p.BlowOut(ctx, loc); err != nil {
			return err
		}
	}
	if opts.TouchTip {
		return p.TouchTip(ctx, deck.NoNode, 1, touchTipOffset)
	}
	return nil
}

func (p *Pipette) betweenDispenses(ctx context.Context, opts TransferOptions) error {
	if opts.AirGap > 0 {
		if err := p.AirGap(ctx, opts.AirGap, DefaultAirGapHeight); err != nil {
			return err
		}
	}
	if opts.TouchTip {
		return p.TouchTip(ctx, deck.NoNode, 1, touchTipOffset)
	}
	return nil
}

func (p *Pipette) discardTip(ctx context.Context, trash bool) error {
	if trash {
		return p.DropTip(ctx, nil)
	}
	return p.ReturnTip(ctx)
}

// clearanceLocation is just above the bottom of well, or its bottom when
// the well is shallower than the clearance.
func (p *Pipette) clearanceLocation(well deck.NodeID) deck.Location {
	return p.tree.Bottom(well, min(p.tree.Size(well).Z, aspirateClearance))
}
