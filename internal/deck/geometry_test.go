package deck

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func assertVec(t *testing.T, want, got r3.Vec) {
	t.Helper()
	if r3.Norm(r3.Sub(want, got)) > 1e-9 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFromCenter(t *testing.T) {
	tree := NewTree(Properties{})
	box, _ := tree.Add(tree.Root(), KindContainer, "box", r3.Vec{X: 50}, Properties{Width: 10, Length: 20, Height: 30})

	assertVec(t, r3.Vec{X: 5, Y: 10, Z: 15}, tree.Center(box).Offset)
	assertVec(t, r3.Vec{X: 10, Y: 0, Z: 30}, tree.FromCenter(box, 1, -1, 1).Offset)
	assertVec(t, r3.Vec{X: 5, Y: 10, Z: 32}, tree.Top(box, 2).Offset)
	assertVec(t, r3.Vec{X: 5, Y: 10, Z: 1}, tree.Bottom(box, 1).Offset)
	assert.Equal(t, box, tree.Top(box, 0).Node)
}

func TestFromPolar(t *testing.T) {
	tree := NewTree(Properties{})
	well, _ := tree.Add(tree.Root(), KindWell, "w", r3.Vec{}, Properties{Diameter: 8, Height: 10})

	assertVec(t, r3.Vec{X: 8, Y: 4, Z: 10}, tree.FromPolar(well, 1, 0, 1).Offset)
	assertVec(t, r3.Vec{X: 4, Y: 8, Z: 5}, tree.FromPolar(well, 1, math.Pi/2, 0).Offset)
}

func TestSize_DiameterOverridesFootprint(t *testing.T) {
	tree := NewTree(Properties{})
	well, _ := tree.Add(tree.Root(), KindWell, "w", r3.Vec{}, Properties{Width: 100, Length: 100, Diameter: 6, Height: 11})
	assertVec(t, r3.Vec{X: 6, Y: 6, Z: 11}, tree.Size(well))
}

func TestMaxDimensions(t *testing.T) {
	tree := newTestDeck(t)
	_, err := tree.LoadContainer("A1", Point(), "trash")
	require.NoError(t, err)

	before, err := tree.MaxDimensions(tree.Root(), tree.Root())
	require.NoError(t, err)
	assert.Zero(t, before.Z)

	tips, err := tree.LoadContainer("B1", TipRack200(), "tips")
	require.NoError(t, err)

	after, err := tree.MaxDimensions(tree.Root(), tree.Root())
	require.NoError(t, err)
	assert.InDelta(t, 60, after.Z, 1e-9, "cache should be invalidated by load")

	rack, err := tree.MaxDimensions(tips, tips)
	require.NoError(t, err)
	assert.InDelta(t, 60, rack.Z, 1e-9)
	assert.InDelta(t, 11.24+7*9+1.75, rack.X, 1e-9)
}

func TestLocationShift(t *testing.T) {
	loc := At(3).Shift(r3.Vec{Z: 1}).Shift(r3.Vec{X: 2})
	assert.Equal(t, NodeID(3), loc.Node)
	assertVec(t, r3.Vec{X: 2, Z: 1}, loc.Offset)
}
