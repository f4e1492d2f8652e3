// Package calibration layers measured corrections over the nominal deck
// geometry. Corrections are keyed by name path so they survive the deck
// being rebuilt with fresh node IDs.
package calibration

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// RecordVersion is the schema version written by Overlay.Record.
const RecordVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported calibration record version")

// Entry is one node of the overlay tree.
type Entry struct {
	Delta    r3.Vec
	Children map[string]*Entry
}

func (e *Entry) clone() *Entry {
	c := &Entry{Delta: e.Delta}
	if len(e.Children) > 0 {
		c.Children = make(map[string]*Entry, len(e.Children))
		for k, v := range e.Children {
			c.Children[k] = v.clone()
		}
	}
	return c
}

// Overlay is a sparse tree of correction deltas. Overlays are treated as
// values: With returns a modified copy and never mutates the receiver.
type Overlay struct {
	root map[string]*Entry
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{root: map[string]*Entry{}}
}

// Clone returns a deep copy.
func (o *Overlay) Clone() *Overlay {
	c := NewOverlay()
	for k, v := range o.root {
		c.root[k] = v.clone()
	}
	return c
}

// Delta returns the correction stored exactly at path.
func (o *Overlay) Delta(path []string) (r3.Vec, bool) {
	level := o.root
	var e *Entry
	for _, name := range path {
		next, ok := level[name]
		if !ok {
			return r3.Vec{}, false
		}
		e = next
		level = next.Children
	}
	if e == nil {
		return r3.Vec{}, false
	}
	return e.Delta, true
}

// Accumulated sums the deltas found at every prefix of path, optionally
// stopping before the terminal entry.
func (o *Overlay) Accumulated(path []string, includeTerminal bool) r3.Vec {
	var sum r3.Vec
	level := o.root
	for i, name := range path {
		e, ok := level[name]
		if !ok {
			break
		}
		if i == len(path)-1 && !includeTerminal {
			break
		}
		sum = r3.Add(sum, e.Delta)
		level = e.Children
	}
	return sum
}

// With returns a copy of o whose entry at path holds delta. Nested
// children of an existing entry are kept.
func (o *Overlay) With(path []string, delta r3.Vec) *Overlay {
	c := o.Clone()
	if len(path) == 0 {
		return c
	}
	level := c.root
	for i, name := range path {
		e, ok := level[name]
		if !ok {
			e = &Entry{}
			level[name] = e
		}
		if i == len(path)-1 {
			e.Delta = delta
			break
		}
		if e.Children == nil {
			e.Children = map[string]*Entry{}
		}
		level = e.Children
	}
	return c
}

// Len counts entries carrying a correction, including intermediate ones.
func (o *Overlay) Len() int {
	var count func(map[string]*Entry) int
	count = func(m map[string]*Entry) int {
		n := 0
		for _, e := range m {
			n += 1 + count(e.Children)
		}
		return n
	}
	return count(o.root)
}

// Record is the persisted form of an overlay for one instrument.
type Record struct {
	Version    int                    `json:"version"`
	Instrument string                 `json:"instrument"`
	Entries    map[string]RecordEntry `json:"entries"`
}

// RecordEntry mirrors Entry with a plain array delta.
type RecordEntry struct {
	Delta    [3]float64             `json:"delta"`
	Children map[string]RecordEntry `json:"children,omitempty"`
}

// Record converts the overlay into its persisted form.
func (o *Overlay) Record(instrument string) Record {
	var conv func(map[string]*Entry) map[string]RecordEntry
	conv = func(m map[string]*Entry) map[string]RecordEntry {
		if len(m) == 0 {
			return nil
		}
		out := make(map[string]RecordEntry, len(m))
		for k, e := range m {
			out[k] = RecordEntry{
				Delta:    [3]float64{e.Delta.X, e.Delta.Y, e.Delta.Z},
				Children: conv(e.Children),
			}
		}
		return out
	}
	entries := conv(o.root)
	if entries == nil {
		entries = map[string]RecordEntry{}
	}
	return Record{Version: RecordVersion, Instrument: instrument, Entries: entries}
}

// FromRecord rebuilds an overlay from its persisted form.
func FromRecord(rec Record) (*Overlay, error) {
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("record version %d: %w", rec.Version, ErrUnsupportedVersion)
	}
	var conv func(map[string]RecordEntry) map[string]*Entry
	conv = func(m map[string]RecordEntry) map[string]*Entry {
		out := make(map[string]*Entry, len(m))
		for k, e := range m {
			entry := &Entry{Delta: r3.Vec{X: e.Delta[0], Y: e.Delta[1], Z: e.Delta[2]}}
			if len(e.Children) > 0 {
				entry.Children = conv(e.Children)
			}
			out[k] = entry
		}
		return out
	}
	return &Overlay{root: conv(rec.Entries)}, nil
}

// Paths lists every entry path in lexical order, for diagnostics.
func (o *Overlay) Paths() [][]string {
	var out [][]string
	var walk func(prefix []string, m map[string]*Entry)
	walk = func(prefix []string, m map[string]*Entry) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := append(append([]string(nil), prefix...), k)
			out = append(out, p)
			walk(p, m[k].Children)
		}
	}
	walk(nil, o.root)
	return out
}
