// Package deck models the robot's working area as a tree of positioned
// nodes: the deck, its slots, the containers loaded into slots and the wells
// inside containers.
//
// Nodes live in an arena owned by a Tree and are addressed by stable
// NodeID values. A node's offset is relative to its parent; absolute
// coordinates are the sum of offsets along the parent chain.
package deck

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// NodeID addresses a node inside a Tree. IDs are never reused.
type NodeID int

// NoNode is returned where a node reference is absent, such as the parent
// of the deck.
const NoNode NodeID = -1

var (
	ErrDuplicateName = errors.New("name already exists under parent")
	ErrNotAncestor   = errors.New("reference is not an ancestor of node")
	ErrUnknownNode   = errors.New("unknown node")
	ErrNotFound      = errors.New("no node at path")
	ErrSlotOccupied  = errors.New("slot already holds a container")
)

// Kind is the variant tag of a node.
type Kind int

const (
	KindDeck Kind = iota
	KindSlot
	KindContainer
	KindWell
)

func (k Kind) String() string {
	switch k {
	case KindDeck:
		return "deck"
	case KindSlot:
		return "slot"
	case KindContainer:
		return "container"
	case KindWell:
		return "well"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Properties holds the physical size of a node. A non-zero Diameter marks
// a round well and overrides Width and Length.
type Properties struct {
	Width     float64 `json:"width"`
	Length    float64 `json:"length"`
	Height    float64 `json:"height"`
	Diameter  float64 `json:"diameter,omitempty"`
	Depth     float64 `json:"depth,omitempty"`
	MaxVolume float64 `json:"max_volume,omitempty"`
	Type      string  `json:"type,omitempty"`
}

type node struct {
	kind     Kind
	name     string
	parent   NodeID
	offset   r3.Vec
	props    Properties
	children []NodeID
	byName   map[string]NodeID
	detached bool
}

type dimsKey struct {
	node, ref NodeID
}

// Tree is an arena of nodes rooted at a single deck node.
type Tree struct {
	mu         sync.RWMutex
	nodes      []node
	generation uint64
	maxDims    map[dimsKey]r3.Vec
}

// NewTree returns a tree containing only the root deck node.
func NewTree(props Properties) *Tree {
	t := &Tree{maxDims: make(map[dimsKey]r3.Vec)}
	t.nodes = append(t.nodes, node{
		kind:   KindDeck,
		name:   "deck",
		parent: NoNode,
		props:  props,
		byName: make(map[string]NodeID),
	})
	return t
}

// Root returns the deck node.
func (t *Tree) Root() NodeID { return 0 }

// Generation increments every time the tree changes structurally. Holders
// of derived data (resolvers, caches) compare generations to detect
// staleness.
func (t *Tree) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Add attaches a new node under parent. The name must be unique among the
// parent's children; insertion order defines index access.
func (t *Tree) Add(parent NodeID, kind Kind, name string, offset r3.Vec, props Properties) (NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(parent, kind, name, offset, props)
}

func (t *Tree) addLocked(parent NodeID, kind Kind, name string, offset r3.Vec, props Properties) (NodeID, error) {
	p, err := t.get(parent)
	if err != nil {
		return NoNode, err
	}
	if _, ok := p.byName[name]; ok {
		return NoNode, fmt.Errorf("add %q under %q: %w", name, p.name, ErrDuplicateName)
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{
		kind:   kind,
		name:   name,
		parent: parent,
		offset: offset,
		props:  props,
		byName: make(map[string]NodeID),
	})
	p = &t.nodes[parent]
	p.children = append(p.children, id)
	p.byName[name] = id
	t.changedLocked()
	return id, nil
}

// Remove detaches the named child (and its subtree) from parent. Detached
// IDs stay allocated but no longer resolve through their former ancestors.
func (t *Tree) Remove(parent NodeID, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(parent)
	if err != nil {
		return err
	}
	id, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("remove %q under %q: %w", name, p.name, ErrNotFound)
	}
	delete(p.byName, name)
	for i, c := range p.children {
		if c == id {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			break
		}
	}
	t.nodes[id].parent = NoNode
	t.nodes[id].detached = true
	t.changedLocked()
	return nil
}

func (t *Tree) changedLocked() {
	t.generation++
	clear(t.maxDims)
}

func (t *Tree) get(id NodeID) (*node, error) {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	return &t.nodes[id], nil
}

func (t *Tree) mustGet(id NodeID) *node {
	n, err := t.get(id)
	if err != nil {
		panic(err)
	}
	return n
}

// Name returns the node's name within its parent.
func (t *Tree) Name(id NodeID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mustGet(id).name
}

// Kind returns the node's variant tag.
func (t *Tree) Kind(id NodeID) Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mustGet(id).kind
}

// Parent returns the node's parent, or false for the deck and detached
// nodes.
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.mustGet(id).parent
	return p, p != NoNode
}

// Offset returns the node's offset relative to its parent.
func (t *Tree) Offset(id NodeID) r3.Vec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mustGet(id).offset
}

// Properties returns the node's size properties.
func (t *Tree) Properties(id NodeID) Properties {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mustGet(id).props
}

// Children returns the node's children in insertion order.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]NodeID(nil), t.mustGet(id).children...)
}

// Child looks up a direct child by name.
func (t *Tree) Child(id NodeID, name string) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.mustGet(id).byName[name]
	return c, ok
}

// ChildAt returns the i-th child in insertion order.
func (t *Tree) ChildAt(id NodeID, i int) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.mustGet(id)
	if i < 0 || i >= len(n.children) {
		return NoNode, false
	}
	return n.children[i], true
}

// AbsoluteCoordinate sums offsets from id up to (but excluding) ref.
func (t *Tree) AbsoluteCoordinate(id, ref NodeID) (r3.Vec, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.coordinateLocked(id, ref)
}

func (t *Tree) coordinateLocked(id, ref NodeID) (r3.Vec, error) {
	var sum r3.Vec
	for cur := id; cur != ref; {
		n, err := t.get(cur)
		if err != nil {
			return r3.Vec{}, err
		}
		if n.parent == NoNode {
			return r3.Vec{}, fmt.Errorf("node %q: %w", n.name, ErrNotAncestor)
		}
		sum = r3.Add(sum, n.offset)
		cur = n.parent
	}
	return sum, nil
}

// Path returns the names from just below ref down to id.
func (t *Tree) Path(id, ref NodeID) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(id, ref)
}

func (t *Tree) pathLocked(id, ref NodeID) ([]string, error) {
	var names []string
	for cur := id; cur != ref; {
		n, err := t.get(cur)
		if err != nil {
			return nil, err
		}
		if n.parent == NoNode {
			return nil, fmt.Errorf("node %q: %w", n.name, ErrNotAncestor)
		}
		names = append(names, n.name)
		cur = n.parent
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names, nil
}

// PathString joins Path(id, Root()) with "/" for logs and descriptions.
func (t *Tree) PathString(id NodeID) string {
	p, err := t.Path(id, t.Root())
	if err != nil {
		return fmt.Sprintf("<detached %d>", id)
	}
	return strings.Join(p, "/")
}

// Lookup walks names from the deck down.
func (t *Tree) Lookup(path ...string) (NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur := t.Root()
	for _, name := range path {
		c, ok := t.nodes[cur].byName[name]
		if !ok {
			return NoNode, fmt.Errorf("%s: %w", strings.Join(path, "/"), ErrNotFound)
		}
		cur = c
	}
	return cur, nil
}

// Descendants returns every node below id in depth-first insertion order.
func (t *Tree) Descendants(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeID
	var walk func(NodeID)
	walk = func(n NodeID) {
		for _, c := range t.nodes[n].children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(id)
	return out
}

// Ancestor returns the nearest ancestor of id (including id) of kind k.
func (t *Tree) Ancestor(id NodeID, k Kind) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for cur := id; cur != NoNode; cur = t.nodes[cur].parent {
		if t.nodes[cur].kind == k {
			return cur, true
		}
	}
	return NoNode, false
}
