package deck

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Location is a point expressed relative to a node's own origin.
type Location struct {
	Node   NodeID `json:"node"`
	Offset r3.Vec `json:"offset"`
}

// At returns a Location at the node's origin.
func At(id NodeID) Location { return Location{Node: id} }

// Shift returns a copy of l moved by d.
func (l Location) Shift(d r3.Vec) Location {
	return Location{Node: l.Node, Offset: r3.Add(l.Offset, d)}
}

func (l Location) String() string {
	return fmt.Sprintf("node %d + (%.2f, %.2f, %.2f)", l.Node, l.Offset.X, l.Offset.Y, l.Offset.Z)
}

// Size returns width, length and height. Round nodes report their
// diameter for both horizontal extents.
func (t *Tree) Size(id NodeID) r3.Vec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sizeOf(t.mustGet(id).props)
}

func sizeOf(p Properties) r3.Vec {
	if p.Diameter > 0 {
		return r3.Vec{X: p.Diameter, Y: p.Diameter, Z: p.Height}
	}
	return r3.Vec{X: p.Width, Y: p.Length, Z: p.Height}
}

// FromCenter returns the point at fractional coordinates (x, y, z) in
// [-1, 1] measured from the node's center, scaled by half its size.
func (t *Tree) FromCenter(id NodeID, x, y, z float64) Location {
	half := r3.Scale(0.5, t.Size(id))
	return Location{
		Node: id,
		Offset: r3.Vec{
			X: half.X + x*half.X,
			Y: half.Y + y*half.Y,
			Z: half.Z + z*half.Z,
		},
	}
}

// FromPolar returns the point at fractional radius r and angle theta
// (radians) in the horizontal plane, with fractional height h.
func (t *Tree) FromPolar(id NodeID, r, theta, h float64) Location {
	return t.FromCenter(id, r*math.Cos(theta), r*math.Sin(theta), h)
}

// Center returns the node's geometric center.
func (t *Tree) Center(id NodeID) Location { return t.FromCenter(id, 0, 0, 0) }

// Top returns the center of the node's top face raised by z.
func (t *Tree) Top(id NodeID, z float64) Location {
	return t.FromCenter(id, 0, 0, 1).Shift(r3.Vec{Z: z})
}

// Bottom returns the center of the node's bottom face raised by z.
func (t *Tree) Bottom(id NodeID, z float64) Location {
	return t.FromCenter(id, 0, 0, -1).Shift(r3.Vec{Z: z})
}

// MaxDimensions returns the furthest extent of id and all of its
// descendants, expressed in ref's frame. Results are cached per (id, ref)
// until the tree changes structurally.
func (t *Tree) MaxDimensions(id, ref NodeID) (r3.Vec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := dimsKey{node: id, ref: ref}
	if v, ok := t.maxDims[key]; ok {
		return v, nil
	}
	v, err := t.extentLocked(id, ref)
	if err != nil {
		return r3.Vec{}, err
	}
	t.maxDims[key] = v
	return v, nil
}

func (t *Tree) extentLocked(id, ref NodeID) (r3.Vec, error) {
	var base r3.Vec
	if id != ref {
		c, err := t.coordinateLocked(id, ref)
		if err != nil {
			return r3.Vec{}, err
		}
		base = c
	}
	best := r3.Add(base, sizeOf(t.nodes[id].props))
	for _, c := range t.nodes[id].children {
		ext, err := t.extentLocked(c, ref)
		if err != nil {
			return r3.Vec{}, err
		}
		best = r3.Vec{
			X: math.Max(best.X, ext.X),
			Y: math.Max(best.Y, ext.Y),
			Z: math.Max(best.Z, ext.Z),
		}
	}
	return best, nil
}
