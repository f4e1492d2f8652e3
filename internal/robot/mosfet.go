package robot

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/labrobot/internal/motion"
)

// MosfetCount is the number of switchable outputs on the board.
const MosfetCount = 6

// Mosfet is one switchable output. Its commands go through the robot
// like any instrument's.
type Mosfet struct {
	r     *Robot
	index int
}

// Mosfet returns output i.
func (r *Robot) Mosfet(i int) (*Mosfet, error) {
	if i < 0 || i >= MosfetCount {
		return nil, fmt.Errorf("mosfet %d out of range 0-%d", i, MosfetCount-1)
	}
	return &Mosfet{r: r, index: i}, nil
}

// Engage switches the output on.
func (m *Mosfet) Engage(ctx context.Context) error { return m.toggle(ctx, true) }

// Disengage switches the output off.
func (m *Mosfet) Disengage(ctx context.Context) error { return m.toggle(ctx, false) }

func (m *Mosfet) toggle(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return m.r.Submit(ctx, motion.Command{
		Kind:        motion.KindToggle,
		Description: fmt.Sprintf("mosfet %d %s", m.index, state),
		Output:      m.index,
		Engage:      on,
	})
}

// Wait holds the output in its current state for d.
func (m *Mosfet) Wait(ctx context.Context, d time.Duration) error {
	return m.r.Submit(ctx, motion.Command{
		Kind:        motion.KindDelay,
		Description: fmt.Sprintf("mosfet %d waiting %s", m.index, d),
		Duration:    d,
	})
}
