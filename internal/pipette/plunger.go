package pipette

import (
	"fmt"
	"sort"
)

// Position names a calibrated plunger coordinate.
type Position string

const (
	Top     Position = "top"
	Bottom  Position = "bottom"
	BlowOut Position = "blow_out"
	DropTip Position = "drop_tip"
)

// Positions lists every named plunger position.
var Positions = []Position{Top, Bottom, BlowOut, DropTip}

// DefaultPlungerPositions are factory values, in millimetres on the
// plunger axis, used until each position is calibrated.
func DefaultPlungerPositions() map[Position]float64 {
	return map[Position]float64{Top: 17, Bottom: 2, BlowOut: 0, DropTip: -7}
}

// Segment is one piece of a volume conversion: for volumes up to
// MaxVolume the rate is Slope*ul + Intercept microlitres per millimetre.
type Segment struct {
	MaxVolume float64 `json:"max_volume" toml:"max_volume"`
	Slope     float64 `json:"slope" toml:"slope"`
	Intercept float64 `json:"intercept" toml:"intercept"`
}

// Table is a piecewise ul/mm conversion ordered by MaxVolume.
type Table []Segment

// LinearTable maps maxVolume onto travel millimetres at a constant rate.
func LinearTable(maxVolume, travel float64) Table {
	return Table{{MaxVolume: maxVolume, Intercept: maxVolume / travel}}
}

// Validate checks the table is usable.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrBadTable)
	}
	if !sort.SliceIsSorted(t, func(i, j int) bool { return t[i].MaxVolume < t[j].MaxVolume }) {
		return fmt.Errorf("%w: breakpoints out of order", ErrBadTable)
	}
	return nil
}

// ULPerMM returns the rate for ul from the first segment whose breakpoint
// is at or above ul.
func (t Table) ULPerMM(ul float64) (float64, error) {
	for _, s := range t {
		if ul <= s.MaxVolume {
			rate := s.Slope*ul + s.Intercept
			if rate <= 0 {
				return 0, fmt.Errorf("%w: non-positive rate %g at %g ul", ErrBadTable, rate, ul)
			}
			return rate, nil
		}
	}
	return 0, fmt.Errorf("%w: %g ul beyond last breakpoint", ErrBadTable, ul)
}

// Millimetres converts a volume into plunger travel.
func (t Table) Millimetres(ul float64) (float64, error) {
	if ul == 0 {
		return 0, nil
	}
	rate, err := t.ULPerMM(ul)
	if err != nil {
		return 0, err
	}
	return ul / rate, nil
}
