package pipette

import (
	"fmt"
	"math"

	"github.com/banshee-data/labrobot/internal/deck"
	"gonum.org/v1/gonum/floats"
)

// Mode selects how sources and targets pair up and whether steps may be
// merged.
type Mode int

const (
	ModeTransfer Mode = iota
	ModeDistribute
	ModeConsolidate
)

func (m Mode) String() string {
	switch m {
	case ModeDistribute:
		return "distribute"
	case ModeConsolidate:
		return "consolidate"
	default:
		return "transfer"
	}
}

// Volumes is the volume argument of a transfer: one value, one value per
// pair, or a two-point gradient.
type Volumes struct {
	Values   []float64
	Gradient bool
}

// Volume is a single volume used for every pair.
func Volume(v float64) Volumes { return Volumes{Values: []float64{v}} }

// VolumeList gives each pair its own volume.
func VolumeList(vs ...float64) Volumes { return Volumes{Values: vs} }

// VolumeRange interpolates from first to last across the pairs.
func VolumeRange(first, last float64) Volumes {
	return Volumes{Values: []float64{first, last}, Gradient: true}
}

// Leg is one half of a step.
type Leg struct {
	Well   deck.NodeID
	Volume float64
}

// Step is one entry of a transfer plan. Compressed plans contain steps
// that only aspirate or only dispense.
type Step struct {
	Aspirate *Leg
	Dispense *Leg
}

// PlanOptions bounds and shapes a plan.
type PlanOptions struct {
	// Capacity is the usable volume: working volume less any air gap.
	Capacity float64
	// Carryover splits volumes above Capacity into several steps.
	Carryover bool
	// Repeat merges consecutive steps in distribute and consolidate mode.
	Repeat bool
	// DisposalVolume is drawn on top of each distribute aspirate and
	// blown out afterwards.
	DisposalVolume float64
	// Gradient shapes a VolumeRange; it maps [0,1] onto [0,1]. Nil means
	// linear.
	Gradient func(float64) float64
}

// volumeEpsilon absorbs float noise when splitting volumes.
const volumeEpsilon = 1e-9

// Plan builds the ordered steps for moving liquid from sources to targets.
func Plan(v Volumes, sources, targets []deck.NodeID, mode Mode, opts PlanOptions) ([]Step, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %g", ErrOverCapacity, opts.Capacity)
	}
	src, dst, err := pairLocations(sources, targets, mode)
	if err != nil {
		return nil, err
	}
	vols, err := volumeList(v, len(dst), opts.Gradient)
	if err != nil {
		return nil, err
	}

	plan := make([]Step, 0, len(dst))
	for i := range dst {
		plan = append(plan, Step{
			Aspirate: &Leg{Well: src[i], Volume: vols[i]},
			Dispense: &Leg{Well: dst[i], Volume: vols[i]},
		})
	}

	if opts.Carryover {
		plan = expandCarryover(plan, opts.Capacity)
	} else {
		for _, s := range plan {
			if s.Aspirate.Volume > opts.Capacity+volumeEpsilon {
				return nil, fmt.Errorf("%w: %g ul exceeds %g ul with carryover disabled", ErrOverCapacity, s.Aspirate.Volume, opts.Capacity)
			}
		}
	}

	if opts.Repeat {
		switch mode {
		case ModeDistribute:
			plan, err = compressDistribute(plan, opts.Capacity, opts.DisposalVolume)
		case ModeConsolidate:
			plan = compressConsolidate(plan, opts.Capacity)
		}
		if err != nil {
			return nil, err
		}
	}
	diagf("%s plan: %d pairs, %d steps", mode, len(dst), len(plan))
	return plan, nil
}

// pairLocations returns equal-length source and target lists.
func pairLocations(sources, targets []deck.NodeID, mode Mode) ([]deck.NodeID, []deck.NodeID, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, nil, fmt.Errorf("%w: no sources or targets", ErrMismatchedLocations)
	}
	switch {
	case mode == ModeDistribute && len(sources) == 1:
		sources = repeatNode(sources[0], len(targets))
	case mode == ModeConsolidate && len(targets) == 1:
		targets = repeatNode(targets[0], len(sources))
	}
	if len(sources) != len(targets) {
		return nil, nil, fmt.Errorf("%w: %d sources, %d targets", ErrMismatchedLocations, len(sources), len(targets))
	}
	return sources, targets, nil
}

func repeatNode(id deck.NodeID, n int) []deck.NodeID {
	out := make([]deck.NodeID, n)
	for i := range out {
		out[i] = id
	}
	return out
}

// volumeList expands v into one volume per pair.
func volumeList(v Volumes, n int, gradient func(float64) float64) ([]float64, error) {
	out := make([]float64, n)
	switch {
	case v.Gradient:
		if len(v.Values) != 2 {
			return nil, fmt.Errorf("%w: gradient needs two volumes, got %d", ErrVolumeCount, len(v.Values))
		}
		if gradient == nil {
			gradient = func(x float64) float64 { return x }
		}
		first, last := v.Values[0], v.Values[1]
		if n == 1 {
			out[0] = first
			break
		}
		floats.Span(out, 0, 1)
		for i, x := range out {
			out[i] = first + gradient(x)*(last-first)
		}
	case len(v.Values) == 1:
		for i := range out {
			out[i] = v.Values[0]
		}
	case len(v.Values) == n:
		copy(out, v.Values)
	default:
		return nil, fmt.Errorf("%w: %d volumes for %d pairs", ErrVolumeCount, len(v.Values), n)
	}
	for _, x := range out {
		if x < 0 || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: %g", ErrNegativeVolume, x)
		}
	}
	return out, nil
}

// expandCarryover splits any step above capacity into full steps plus
// one remainder, all between the same wells.
func expandCarryover(plan []Step, capacity float64) []Step {
	out := make([]Step, 0, len(plan))
	for _, s := range plan {
		v := s.Aspirate.Volume
		if v <= capacity+volumeEpsilon {
			out = append(out, s)
			continue
		}
		full := math.Floor(v / capacity)
		rest := v - full*capacity
		for i := 0; i < int(full); i++ {
			out = append(out, pair(s.Aspirate.Well, s.Dispense.Well, capacity))
		}
		if rest > volumeEpsilon {
			out = append(out, pair(s.Aspirate.Well, s.Dispense.Well, rest))
		}
	}
	return out
}

func pair(src, dst deck.NodeID, v float64) Step {
	return Step{Aspirate: &Leg{Well: src, Volume: v}, Dispense: &Leg{Well: dst, Volume: v}}
}

// compressDistribute merges runs sharing a source into one aspirate that
// feeds several dispenses.
func compressDistribute(plan []Step, capacity, disposal float64) ([]Step, error) {
	limit := capacity - disposal
	if limit <= 0 {
		return nil, fmt.Errorf("%w: disposal volume %g leaves no room in %g ul", ErrOverCapacity, disposal, capacity)
	}
	var out, pending []Step
	var src deck.NodeID
	total := 0.0
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, Step{Aspirate: &Leg{Well: src, Volume: total + disposal}})
		out = append(out, pending...)
		pending, total = nil, 0
	}
	for _, s := range plan {
		v := s.Aspirate.Volume
		if len(pending) > 0 && (s.Aspirate.Well != src || total+v > limit+volumeEpsilon) {
			flush()
		}
		src = s.Aspirate.Well
		total += v
		pending = append(pending, Step{Dispense: s.Dispense})
	}
	flush()
	return out, nil
}

// compressConsolidate merges runs sharing a target into several aspirates
// followed by one dispense.
func compressConsolidate(plan []Step, capacity float64) []Step {
	var out, pending []Step
	var dst deck.NodeID
	total := 0.0
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, pending...)
		out = append(out, Step{Dispense: &Leg{Well: dst, Volume: total}})
		pending, total = nil, 0
	}
	for _, s := range plan {
		v := s.Dispense.Volume
		if len(pending) > 0 && (s.Dispense.Well != dst || total+v > capacity+volumeEpsilon) {
			flush()
		}
		dst = s.Dispense.Well
		total += v
		pending = append(pending, Step{Aspirate: s.Aspirate})
	}
	flush()
	return out
}

// Totals sums the aspirated and dispensed volumes of a plan.
func Totals(plan []Step) (aspirated, dispensed float64) {
	var a, d []float64
	for _, s := range plan {
		if s.Aspirate != nil {
			a = append(a, s.Aspirate.Volume)
		}
		if s.Dispense != nil {
			d = append(d, s.Dispense.Volume)
		}
	}
	return floats.Sum(a), floats.Sum(d)
}
