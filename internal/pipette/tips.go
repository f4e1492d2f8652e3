package pipette

import (
	"fmt"

	"github.com/banshee-data/labrobot/internal/deck"
)

// TipSupply hands out tips from a list of racks in order. A single
// channel pipette draws one well at a time; a multichannel pipette draws a
// whole row.
type TipSupply struct {
	groups [][]deck.NodeID
	start  int
	next   int
}

// NewTipSupply builds a supply over racks for a pipette with the given
// channel count.
func NewTipSupply(tree *deck.Tree, racks []deck.NodeID, channels int) *TipSupply {
	s := &TipSupply{}
	for _, rack := range racks {
		if channels > 1 {
			s.groups = append(s.groups, tree.Rows(rack)...)
			continue
		}
		for _, w := range tree.Wells(rack) {
			s.groups = append(s.groups, []deck.NodeID{w})
		}
	}
	return s
}

// Next returns the next tip group.
func (s *TipSupply) Next() ([]deck.NodeID, error) {
	if s.next >= len(s.groups) {
		return nil, ErrOutOfTips
	}
	g := s.groups[s.next]
	s.next++
	return g, nil
}

// Remaining reports how many draws are left.
func (s *TipSupply) Remaining() int { return len(s.groups) - s.next }

// Len reports the number of groups in the supply.
func (s *TipSupply) Len() int { return len(s.groups) }

// Reset refills the supply from the starting tip.
func (s *TipSupply) Reset() { s.next = s.start }

// StartAt makes the group containing tip the first one drawn, now and
// after every Reset.
func (s *TipSupply) StartAt(tip deck.NodeID) error {
	for i, g := range s.groups {
		for _, w := range g {
			if w == tip {
				s.start, s.next = i, i
				return nil
			}
		}
	}
	return fmt.Errorf("tip %d is not in any tip rack", tip)
}
