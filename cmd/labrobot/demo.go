package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/robot"
)

var errNoDemoDeck = errors.New("demo needs a pipette, a 96-flat plate and a trough-12row")

// findContainer returns the first container of the given labware type.
func findContainer(tree *deck.Tree, labwareType string) (deck.NodeID, bool) {
	for _, id := range tree.Containers() {
		if tree.Properties(id).Type == labwareType {
			return id, true
		}
	}
	return deck.NoNode, false
}

// queueDemo distributes 30 ul from the first trough well into row 1 of
// the plate with the first pipette.
func queueDemo(ctx context.Context, r *robot.Robot) error {
	pipettes := r.Pipettes()
	plate, okPlate := findContainer(r.Deck(), "96-flat")
	trough, okTrough := findContainer(r.Deck(), "trough-12row")
	if len(pipettes) == 0 || !okPlate || !okTrough {
		return errNoDemoDeck
	}
	p := pipettes[0]
	for pos, v := range pipette.DefaultPlungerPositions() {
		if !p.Calibrated(pos) {
			if err := p.CalibratePlunger(pos, v); err != nil {
				return err
			}
		}
	}

	src, err := r.Deck().Well(trough, "A1")
	if err != nil {
		return err
	}
	rows := r.Deck().Rows(plate)
	if len(rows) == 0 {
		return fmt.Errorf("plate %s has no wells", r.Deck().PathString(plate))
	}
	targets := rows[0]

	if err := r.Comment(ctx, fmt.Sprintf("demo: distribute 30 ul into %d wells", len(targets))); err != nil {
		return err
	}
	opts := pipette.DefaultTransferOptions()
	if err := p.Distribute(ctx, pipette.Volume(30), src, targets, opts); err != nil {
		return err
	}
	return r.Comment(ctx, "demo: done")
}
