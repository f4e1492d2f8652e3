package calibration

import (
	"errors"
	"fmt"

	"github.com/banshee-data/labrobot/internal/deck"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	ErrStaleResolver = errors.New("deck changed since resolver was built")
	ErrUnresolved    = errors.New("node is not attached to the deck")
)

// Resolver maps deck locations to calibrated absolute coordinates. It is
// computed once over the tree it is given and must be rebuilt when the
// tree changes structurally.
type Resolver struct {
	tree       *deck.Tree
	overlay    *Overlay
	generation uint64
	origins    map[deck.NodeID]r3.Vec
}

// NewResolver precomputes the calibrated origin of every attached node.
func NewResolver(tree *deck.Tree, overlay *Overlay) *Resolver {
	if overlay == nil {
		overlay = NewOverlay()
	}
	r := &Resolver{
		tree:       tree,
		overlay:    overlay,
		generation: tree.Generation(),
		origins:    map[deck.NodeID]r3.Vec{tree.Root(): {}},
	}
	var walk func(id deck.NodeID, origin r3.Vec, level map[string]*Entry)
	walk = func(id deck.NodeID, origin r3.Vec, level map[string]*Entry) {
		for _, c := range tree.Children(id) {
			o := r3.Add(origin, tree.Offset(c))
			var next map[string]*Entry
			if e, ok := level[tree.Name(c)]; ok {
				o = r3.Add(o, e.Delta)
				next = e.Children
			}
			r.origins[c] = o
			walk(c, o, next)
		}
	}
	walk(tree.Root(), r3.Vec{}, overlay.root)
	return r
}

// Overlay returns the overlay the resolver was built from.
func (r *Resolver) Overlay() *Overlay { return r.overlay }

// Tree returns the tree the resolver was built over.
func (r *Resolver) Tree() *deck.Tree { return r.tree }

// Stale reports whether the tree has changed since construction.
func (r *Resolver) Stale() bool { return r.tree.Generation() != r.generation }

// Resolve returns the calibrated absolute coordinate of loc.
func (r *Resolver) Resolve(loc deck.Location) (r3.Vec, error) {
	if r.Stale() {
		return r3.Vec{}, ErrStaleResolver
	}
	origin, ok := r.origins[loc.Node]
	if !ok {
		return r3.Vec{}, fmt.Errorf("node %d: %w", loc.Node, ErrUnresolved)
	}
	return r3.Add(origin, loc.Offset), nil
}

// Calibrate returns a resolver over a new overlay in which loc resolves
// to observed.
func (r *Resolver) Calibrate(loc deck.Location, observed r3.Vec) (*Resolver, error) {
	if r.Stale() {
		return nil, ErrStaleResolver
	}
	o, err := Calibrate(r.tree, r.overlay, loc, observed)
	if err != nil {
		return nil, err
	}
	return NewResolver(r.tree, o), nil
}

// Calibrate stores at loc's node path the delta that reconciles the
// nominal position with observed:
//
//	delta = observed - (loc.Offset + nominal)
//
// where nominal is the node's base coordinate plus every ancestor's
// correction. The node's own previous correction is replaced, so
// resolving loc afterwards yields observed exactly.
func Calibrate(tree *deck.Tree, overlay *Overlay, loc deck.Location, observed r3.Vec) (*Overlay, error) {
	if overlay == nil {
		overlay = NewOverlay()
	}
	path, err := tree.Path(loc.Node, tree.Root())
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("calibrate: the deck itself cannot be calibrated")
	}
	base, err := tree.AbsoluteCoordinate(loc.Node, tree.Root())
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	nominal := r3.Add(base, overlay.Accumulated(path, false))
	delta := r3.Sub(observed, r3.Add(loc.Offset, nominal))
	return overlay.With(path, delta), nil
}
