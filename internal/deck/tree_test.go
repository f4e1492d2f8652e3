package deck

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTestDeck(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewDeck(DefaultLayout())
	require.NoError(t, err)
	return tree
}

func TestNewDeck_SlotGrid(t *testing.T) {
	tree := newTestDeck(t)

	slots := tree.Slots()
	require.Len(t, slots, 15)
	assert.Equal(t, "A1", tree.Name(slots[0]))
	assert.Equal(t, "A2", tree.Name(slots[1]))
	assert.Equal(t, "E3", tree.Name(slots[14]))

	b3, err := tree.Slot("B3")
	require.NoError(t, err)
	got, err := tree.AbsoluteCoordinate(b3, tree.Root())
	require.NoError(t, err)
	assert.InDelta(t, 96.25+10, got.X, 1e-9)
	assert.InDelta(t, 2*133.3+10, got.Y, 1e-9)
	assert.Zero(t, got.Z)
}

func TestNewDeck_InvalidLayout(t *testing.T) {
	if _, err := NewDeck(Layout{}); err == nil {
		t.Fatal("expected error for empty layout")
	}
}

func TestAdd_DuplicateName(t *testing.T) {
	tree := NewTree(Properties{})
	_, err := tree.Add(tree.Root(), KindSlot, "A1", r3.Vec{}, Properties{})
	require.NoError(t, err)
	_, err = tree.Add(tree.Root(), KindSlot, "A1", r3.Vec{X: 1}, Properties{})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestAbsoluteCoordinate_SumsOffsets(t *testing.T) {
	tree := NewTree(Properties{})
	a, _ := tree.Add(tree.Root(), KindSlot, "a", r3.Vec{X: 1, Y: 2, Z: 3}, Properties{})
	b, _ := tree.Add(a, KindContainer, "b", r3.Vec{X: 10, Y: 20, Z: 30}, Properties{})
	c, _ := tree.Add(b, KindWell, "c", r3.Vec{X: 100, Y: 200, Z: 300}, Properties{})

	tests := []struct {
		name string
		ref  NodeID
		want r3.Vec
	}{
		{"deck", tree.Root(), r3.Vec{X: 111, Y: 222, Z: 333}},
		{"slot", a, r3.Vec{X: 110, Y: 220, Z: 330}},
		{"container", b, r3.Vec{X: 100, Y: 200, Z: 300}},
		{"self", c, r3.Vec{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tree.AbsoluteCoordinate(c, tt.ref)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("AbsoluteCoordinate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAbsoluteCoordinate_NotAncestor(t *testing.T) {
	tree := NewTree(Properties{})
	a, _ := tree.Add(tree.Root(), KindSlot, "a", r3.Vec{}, Properties{})
	b, _ := tree.Add(tree.Root(), KindSlot, "b", r3.Vec{}, Properties{})

	_, err := tree.AbsoluteCoordinate(a, b)
	assert.ErrorIs(t, err, ErrNotAncestor)
	_, err = tree.Path(a, b)
	assert.ErrorIs(t, err, ErrNotAncestor)
}

func TestPathAndLookup(t *testing.T) {
	tree := newTestDeck(t)
	plate, err := tree.LoadContainer("B2", Plate96(), "plate")
	require.NoError(t, err)
	well, err := tree.Well(plate, "C4")
	require.NoError(t, err)

	path, err := tree.Path(well, tree.Root())
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"B2", "plate", "C4"}, path); diff != "" {
		t.Errorf("Path mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "B2/plate/C4", tree.PathString(well))

	found, err := tree.Lookup(path...)
	require.NoError(t, err)
	assert.Equal(t, well, found)

	_, err = tree.Lookup("B2", "plate", "Z99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChildrenKeepInsertionOrder(t *testing.T) {
	tree := NewTree(Properties{})
	names := []string{"z", "a", "m"}
	for _, n := range names {
		_, err := tree.Add(tree.Root(), KindSlot, n, r3.Vec{}, Properties{})
		require.NoError(t, err)
	}
	for i, want := range names {
		id, ok := tree.ChildAt(tree.Root(), i)
		require.True(t, ok)
		assert.Equal(t, want, tree.Name(id))
	}
	_, ok := tree.ChildAt(tree.Root(), 3)
	assert.False(t, ok)
}

func TestRemove_DetachesSubtree(t *testing.T) {
	tree := newTestDeck(t)
	gen := tree.Generation()
	plate, err := tree.LoadContainer("A1", Plate96(), "")
	require.NoError(t, err)
	assert.Greater(t, tree.Generation(), gen)

	require.NoError(t, tree.UnloadContainer("A1"))
	_, ok := tree.Parent(plate)
	assert.False(t, ok)
	_, err = tree.AbsoluteCoordinate(plate, tree.Root())
	assert.ErrorIs(t, err, ErrNotAncestor)
	assert.ErrorIs(t, tree.UnloadContainer("A1"), ErrNotFound)

	// The slot accepts a new container once emptied.
	_, err = tree.LoadContainer("A1", Plate96(), "")
	assert.NoError(t, err)
}

func TestAncestor(t *testing.T) {
	tree := newTestDeck(t)
	plate, _ := tree.LoadContainer("C1", Plate96(), "p")
	well, _ := tree.Well(plate, "A1")

	got, ok := tree.Ancestor(well, KindContainer)
	require.True(t, ok)
	assert.Equal(t, plate, got)
	slot, ok := tree.Ancestor(well, KindSlot)
	require.True(t, ok)
	assert.Equal(t, "C1", tree.Name(slot))
	_, ok = tree.Ancestor(slot, KindWell)
	assert.False(t, ok)
}
