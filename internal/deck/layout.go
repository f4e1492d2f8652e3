package deck

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Layout describes the fixed slot grid created when a deck is built.
// Slot names combine a column letter with a 1-based row number ("A1").
type Layout struct {
	Columns    string  `json:"columns" toml:"columns"`
	Rows       int     `json:"rows" toml:"rows"`
	SlotWidth  float64 `json:"slot_width" toml:"slot_width"`
	SlotLength float64 `json:"slot_length" toml:"slot_length"`
	XOffset    float64 `json:"x_offset" toml:"x_offset"`
	YOffset    float64 `json:"y_offset" toml:"y_offset"`
}

// DefaultLayout is the five by three acrylic deck.
func DefaultLayout() Layout {
	return Layout{
		Columns:    "ABCDE",
		Rows:       3,
		SlotWidth:  96.25,
		SlotLength: 133.3,
		XOffset:    10,
		YOffset:    10,
	}
}

// NewDeck builds a tree holding one slot per grid position.
func NewDeck(l Layout) (*Tree, error) {
	if l.Columns == "" || l.Rows <= 0 {
		return nil, fmt.Errorf("invalid deck layout: %d rows, columns %q", l.Rows, l.Columns)
	}
	t := NewTree(Properties{
		Width:  float64(len(l.Columns))*l.SlotWidth + 2*l.XOffset,
		Length: float64(l.Rows)*l.SlotLength + 2*l.YOffset,
	})
	for ci, col := range l.Columns {
		for ri := 0; ri < l.Rows; ri++ {
			name := fmt.Sprintf("%c%d", col, ri+1)
			offset := r3.Vec{
				X: l.SlotWidth*float64(ci) + l.XOffset,
				Y: l.SlotLength*float64(ri) + l.YOffset,
			}
			props := Properties{Width: l.SlotWidth, Length: l.SlotLength, Type: "slot"}
			if _, err := t.Add(t.Root(), KindSlot, name, offset, props); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Slot returns the named slot.
func (t *Tree) Slot(name string) (NodeID, error) {
	id, ok := t.Child(t.Root(), name)
	if !ok || t.Kind(id) != KindSlot {
		return NoNode, fmt.Errorf("slot %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// Slots returns every slot in creation order.
func (t *Tree) Slots() []NodeID {
	var out []NodeID
	for _, c := range t.Children(t.Root()) {
		if t.Kind(c) == KindSlot {
			out = append(out, c)
		}
	}
	return out
}

// Containers returns every container currently attached to a slot.
func (t *Tree) Containers() []NodeID {
	var out []NodeID
	for _, s := range t.Slots() {
		for _, c := range t.Children(s) {
			if t.Kind(c) == KindContainer {
				out = append(out, c)
			}
		}
	}
	return out
}
