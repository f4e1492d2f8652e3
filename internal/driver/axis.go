package driver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis names one motor of the robot as it appears on the wire.
type Axis string

const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
	AxisZ Axis = "Z"
	// AxisA and AxisB drive the plungers of the two pipette mounts.
	AxisA Axis = "A"
	AxisB Axis = "B"
)

var (
	AllAxes     = []Axis{AxisX, AxisY, AxisZ, AxisA, AxisB}
	GantryAxes  = []Axis{AxisX, AxisY, AxisZ}
	PlungerAxes = []Axis{AxisA, AxisB}
)

// ParseAxis accepts an axis letter in either case.
func ParseAxis(s string) (Axis, error) {
	a := Axis(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllAxes {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAxis, s)
}

// IsGantry reports whether a moves the head rather than a plunger.
func (a Axis) IsGantry() bool {
	return a == AxisX || a == AxisY || a == AxisZ
}

// Mode selects absolute or relative addressing for a move.
type Mode int

const (
	Absolute Mode = iota
	Relative
)

func (m Mode) String() string {
	if m == Relative {
		return "relative"
	}
	return "absolute"
}

// Target holds per-axis destinations. Axes that are absent do not move.
type Target map[Axis]float64

// HeadTarget builds a gantry target from a vector.
func HeadTarget(v r3.Vec) Target {
	return Target{AxisX: v.X, AxisY: v.Y, AxisZ: v.Z}
}

// Axes returns the axes present in t in wire order.
func (t Target) Axes() []Axis {
	out := make([]Axis, 0, len(t))
	for _, a := range AllAxes {
		if _, ok := t[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (t Target) hasGantry() bool {
	for a := range t {
		if a.IsGantry() {
			return true
		}
	}
	return false
}

// Coordinates is a position report for every axis.
type Coordinates map[Axis]float64

// Head returns the gantry part of c.
func (c Coordinates) Head() r3.Vec {
	return r3.Vec{X: c[AxisX], Y: c[AxisY], Z: c[AxisZ]}
}

func (c Coordinates) clone() Coordinates {
	out := make(Coordinates, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// parseAxisValues reads a report such as "MCS: X:1.0000 Y:2.0000" or
// "X:80.000 Y:80.000". Tokens without an axis prefix are skipped.
func parseAxisValues(line string) (Coordinates, error) {
	out := Coordinates{}
	for _, tok := range strings.Fields(line) {
		name, value, found := strings.Cut(tok, ":")
		if !found || value == "" {
			continue
		}
		axis, err := ParseAxis(name)
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
		out[axis] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return out, nil
}

// parseEndstops reads "X_min:0 Y_min:1 ..." into triggered flags.
func parseEndstops(line string) (map[Axis]bool, error) {
	out := map[Axis]bool{}
	for _, tok := range strings.Fields(line) {
		name, value, found := strings.Cut(tok, ":")
		if !found {
			continue
		}
		name, _, _ = strings.Cut(name, "_")
		axis, err := ParseAxis(name)
		if err != nil {
			continue
		}
		out[axis] = value == "1"
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return out, nil
}

// parseLimitAxis pulls the axis from "Limit switch X_min was hit".
func parseLimitAxis(line string) Axis {
	for _, tok := range strings.Fields(line) {
		name, _, found := strings.Cut(tok, "_")
		if !found {
			continue
		}
		if axis, err := ParseAxis(name); err == nil {
			return axis
		}
	}
	return ""
}

// formatAxes renders "X1.5 Y2" in wire order.
func formatAxes(values map[Axis]float64) string {
	keys := make([]string, 0, len(values))
	for a := range values {
		keys = append(keys, string(a))
	}
	sort.Slice(keys, func(i, j int) bool { return axisRank(Axis(keys[i])) < axisRank(Axis(keys[j])) })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+strconv.FormatFloat(values[Axis(k)], 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}

func axisRank(a Axis) int {
	for i, known := range AllAxes {
		if a == known {
			return i
		}
	}
	return len(AllAxes)
}
