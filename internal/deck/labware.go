package deck

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/spatial/r3"
)

// WellDefinition places one well inside a container. X and Y locate the
// well's center, Z its bottom, all in the container frame.
type WellDefinition struct {
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Depth     float64 `json:"depth"`
	Diameter  float64 `json:"diameter,omitempty"`
	Width     float64 `json:"width,omitempty"`
	Length    float64 `json:"length,omitempty"`
	MaxVolume float64 `json:"max_volume"`
}

// Definition is the geometry of one labware type. Wells keep their
// declared order, which defines index access.
type Definition struct {
	Name  string           `json:"name"`
	Wells []WellDefinition `json:"wells"`
}

// WellGeometry is the per-well shape shared by every position of a grid.
type WellGeometry struct {
	Depth     float64
	Diameter  float64
	Width     float64
	Length    float64
	MaxVolume float64
}

// GridDefinition lays out letters along X and numbers along Y, naming
// wells A1, B1, ... column by column.
func GridDefinition(name string, letters, numbers int, origin r3.Vec, spacingX, spacingY float64, g WellGeometry) Definition {
	def := Definition{Name: name}
	for n := 0; n < numbers; n++ {
		for l := 0; l < letters; l++ {
			def.Wells = append(def.Wells, WellDefinition{
				Name:      fmt.Sprintf("%c%d", 'A'+l, n+1),
				X:         origin.X + float64(l)*spacingX,
				Y:         origin.Y + float64(n)*spacingY,
				Z:         origin.Z,
				Depth:     g.Depth,
				Diameter:  g.Diameter,
				Width:     g.Width,
				Length:    g.Length,
				MaxVolume: g.MaxVolume,
			})
		}
	}
	return def
}

// Plate96 is a flat-bottom 96 well plate.
func Plate96() Definition {
	return GridDefinition("96-flat", 8, 12, r3.Vec{X: 11.24, Y: 14.38}, 9, 9,
		WellGeometry{Depth: 10.5, Diameter: 6.4, MaxVolume: 400})
}

// TipRack200 holds 96 disposable 200 µl tips.
func TipRack200() Definition {
	return GridDefinition("tiprack-200ul", 8, 12, r3.Vec{X: 11.24, Y: 14.38}, 9, 9,
		WellGeometry{Depth: 60, Diameter: 3.5})
}

// Trough12 is a 12 channel reservoir.
func Trough12() Definition {
	def := Definition{Name: "trough-12row"}
	for i := 0; i < 12; i++ {
		def.Wells = append(def.Wells, WellDefinition{
			Name:      fmt.Sprintf("A%d", i+1),
			X:         8 + 9*float64(i),
			Y:         42,
			Depth:     38,
			Width:     8.33,
			Length:    71.88,
			MaxVolume: 22000,
		})
	}
	return def
}

// Point is a single zero-sized target such as a trash chute.
func Point() Definition {
	return Definition{Name: "point", Wells: []WellDefinition{{Name: "A1"}}}
}

// ErrUnknownLabware is returned by Builtin for unrecognised names.
var ErrUnknownLabware = errors.New("unknown labware")

var builtins = map[string]func() Definition{
	"96-flat":       Plate96,
	"tiprack-200ul": TipRack200,
	"trough-12row":  Trough12,
	"point":         Point,
}

// Builtin returns the built-in definition with the given name.
func Builtin(name string) (Definition, error) {
	f, ok := builtins[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q", ErrUnknownLabware, name)
	}
	return f(), nil
}

func wellProperties(w WellDefinition) Properties {
	return Properties{
		Width:     w.Width,
		Length:    w.Length,
		Height:    w.Depth,
		Depth:     w.Depth,
		Diameter:  w.Diameter,
		MaxVolume: w.MaxVolume,
		Type:      "well",
	}
}

func wellOffset(w WellDefinition) r3.Vec {
	s := sizeOf(wellProperties(w))
	return r3.Vec{X: w.X - s.X/2, Y: w.Y - s.Y/2, Z: w.Z}
}

// LoadContainer attaches a container built from def to the named slot.
// label names the container node; it defaults to the definition name.
func (t *Tree) LoadContainer(slot string, def Definition, label string) (NodeID, error) {
	slotID, err := t.Slot(slot)
	if err != nil {
		return NoNode, err
	}
	if label == "" {
		label = def.Name
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.nodes[slotID].children {
		if t.nodes[c].kind == KindContainer {
			return NoNode, fmt.Errorf("load %q into %s (holds %q): %w", label, slot, t.nodes[c].name, ErrSlotOccupied)
		}
	}

	props := Properties{Type: def.Name}
	for _, w := range def.Wells {
		off := wellOffset(w)
		s := sizeOf(wellProperties(w))
		props.Width = math.Max(props.Width, off.X+s.X)
		props.Length = math.Max(props.Length, off.Y+s.Y)
		props.Height = math.Max(props.Height, off.Z+s.Z)
	}
	cid, err := t.addLocked(slotID, KindContainer, label, r3.Vec{}, props)
	if err != nil {
		return NoNode, err
	}
	for _, w := range def.Wells {
		if _, err := t.addLocked(cid, KindWell, w.Name, wellOffset(w), wellProperties(w)); err != nil {
			return NoNode, fmt.Errorf("load %q: %w", label, err)
		}
	}
	return cid, nil
}

// UnloadContainer detaches whatever container sits in the named slot.
func (t *Tree) UnloadContainer(slot string) error {
	slotID, err := t.Slot(slot)
	if err != nil {
		return err
	}
	for _, c := range t.Children(slotID) {
		if t.Kind(c) == KindContainer {
			return t.Remove(slotID, t.Name(c))
		}
	}
	return fmt.Errorf("unload %s: %w", slot, ErrNotFound)
}

// Well returns a container's well by name.
func (t *Tree) Well(container NodeID, name string) (NodeID, error) {
	id, ok := t.Child(container, name)
	if !ok {
		return NoNode, fmt.Errorf("well %q in %q: %w", name, t.Name(container), ErrNotFound)
	}
	return id, nil
}

// WellAt returns a container's i-th well.
func (t *Tree) WellAt(container NodeID, i int) (NodeID, error) {
	id, ok := t.ChildAt(container, i)
	if !ok {
		return NoNode, fmt.Errorf("well index %d in %q: %w", i, t.Name(container), ErrNotFound)
	}
	return id, nil
}

// Wells returns a container's wells in order.
func (t *Tree) Wells(container NodeID) []NodeID {
	return t.Children(container)
}

func splitWellName(name string) (string, int, bool) {
	i := strings.IndexFunc(name, unicode.IsDigit)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return "", 0, false
	}
	return name[:i], n, true
}

// Rows groups a container's wells by their number, in order of first
// appearance. A multichannel pipette draws one row at a time.
func (t *Tree) Rows(container NodeID) [][]NodeID {
	return t.group(container, func(_ string, n int) string { return strconv.Itoa(n) })
}

// Columns groups a container's wells by their letter.
func (t *Tree) Columns(container NodeID) [][]NodeID {
	return t.group(container, func(l string, _ int) string { return l })
}

func (t *Tree) group(container NodeID, key func(string, int) string) [][]NodeID {
	var (
		order []string
		by    = map[string][]NodeID{}
	)
	for _, w := range t.Children(container) {
		l, n, ok := splitWellName(t.Name(w))
		if !ok {
			continue
		}
		k := key(l, n)
		if _, seen := by[k]; !seen {
			order = append(order, k)
		}
		by[k] = append(by[k], w)
	}
	out := make([][]NodeID, 0, len(order))
	for _, k := range order {
		out = append(out, by[k])
	}
	return out
}
