package motion

import (
	"math"

	"github.com/banshee-data/labrobot/internal/deck"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultArcMargin is the clearance added above the tallest labware.
const DefaultArcMargin = 20.0

// SafeHeight returns the travel height for a move to dest. When dest is
// inside the container visited last, only that container is considered;
// otherwise the whole deck is. The result never exceeds ceiling.
func SafeHeight(tree *deck.Tree, dest deck.NodeID, previous deck.NodeID, margin, ceiling float64) (float64, error) {
	scope := tree.Root()
	if previous != deck.NoNode {
		if c, ok := tree.Ancestor(dest, deck.KindContainer); ok {
			if p, ok := tree.Ancestor(previous, deck.KindContainer); ok && p == c {
				scope = c
			}
		}
	}
	ext, err := tree.MaxDimensions(scope, tree.Root())
	if err != nil {
		return 0, err
	}
	h := ext.Z + margin
	if ceiling > 0 {
		h = math.Min(h, ceiling)
	}
	return h, nil
}

// ArcPath returns the three waypoints of an arc move from "from" to "to":
// rise to height, translate level, descend. The travel height never drops
// below either endpoint.
func ArcPath(from, to r3.Vec, height float64) []r3.Vec {
	h := math.Max(height, math.Max(from.Z, to.Z))
	return []r3.Vec{
		{X: from.X, Y: from.Y, Z: h},
		{X: to.X, Y: to.Y, Z: h},
		to,
	}
}
