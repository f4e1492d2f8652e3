package robot

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/motion"
	"gonum.org/v1/gonum/spatial/r3"
)

// pressIncrement deepens each successive tip press.
const pressIncrement = 1.0

// session executes commands against one driver. It remembers the last
// container visited so arcs between wells of one container stay low.
type session struct {
	r        *Robot
	drv      *driver.Driver
	previous deck.NodeID
}

func (r *Robot) newSession(drv *driver.Driver) *session {
	return &session{r: r, drv: drv, previous: deck.NoNode}
}

// Dispatch executes c on the live driver.
func (r *Robot) Dispatch(ctx context.Context, c motion.Command) error {
	return r.live.Dispatch(ctx, c)
}

// Dispatch implements motion.Dispatcher.
func (s *session) Dispatch(ctx context.Context, c motion.Command) error {
	switch c.Kind {
	case motion.KindMove:
		if c.Location == nil {
			return errNoLocation
		}
		return s.moveTo(ctx, c.Instrument, *c.Location, c.Strategy, c.TipLength)
	case motion.KindHome:
		axes, err := parseAxes(c.Axes)
		if err != nil {
			return err
		}
		return s.drv.Home(ctx, axes...)
	case motion.KindAspirate, motion.KindDispense, motion.KindBlowOut, motion.KindMovePlunger, motion.KindDropTip:
		return s.plunger(ctx, c)
	case motion.KindTouchTip:
		if c.Location == nil {
			return errNoLocation
		}
		return s.touchTip(ctx, c)
	case motion.KindPickUpTip:
		return s.pressTip(ctx, c.Presses, c.Distance)
	case motion.KindDelay:
		return s.drv.Wait(ctx, c.Duration)
	case motion.KindComment:
		opsf("comment: %s", c.Text)
		return nil
	case motion.KindToggle:
		return s.drv.SetMosfet(ctx, c.Output, c.Engage)
	}
	return fmt.Errorf("%w: %q", motion.ErrUnknownKind, c.Kind)
}

// headTarget converts a calibrated tool point into a head position.
func headTarget(tool r3.Vec, tipLength float64) r3.Vec {
	tool.Z += tipLength
	return tool
}

func (s *session) moveTo(ctx context.Context, instrument string, loc deck.Location, strategy motion.Strategy, tipLength float64) error {
	tool, err := s.r.Resolve(instrument, loc)
	if err != nil {
		return err
	}
	dest := headTarget(tool, tipLength)
	container := loc.Node
	if c, ok := s.r.tree.Ancestor(loc.Node, deck.KindContainer); ok {
		container = c
	}

	waypoints := []r3.Vec{dest}
	if strategy != motion.StrategyDirect {
		ceiling := 0.0
		if dims := s.drv.Dimensions(); dims.Z > 0 {
			ceiling = math.Max(dims.Z-tipLength, 0)
		}
		height, err := motion.SafeHeight(s.r.tree, container, s.previous, s.r.opts.ArcMargin, ceiling)
		if err != nil {
			return err
		}
		from := s.drv.TargetPosition().Head()
		waypoints = motion.ArcPath(from, dest, height+tipLength)
	}
	for _, wp := range waypoints {
		if err := s.drv.Move(ctx, driver.HeadTarget(wp), driver.Absolute); err != nil {
			return err
		}
	}
	s.previous = container
	return nil
}

func (s *session) plunger(ctx context.Context, c motion.Command) error {
	axis, err := driver.ParseAxis(c.Instrument)
	if err != nil {
		return err
	}
	if c.Speed > 0 {
		if err := s.drv.SetPlungerSpeed(ctx, axis, c.Speed); err != nil {
			return err
		}
	}
	return s.drv.Move(ctx, driver.Target{axis: c.PlungerValue}, driver.Absolute)
}

// touchTip visits four points of the well's rim at c.Radius of its half
// width and length, then returns to the centre.
func (s *session) touchTip(ctx context.Context, c motion.Command) error {
	centre, err := s.r.Resolve(c.Instrument, *c.Location)
	if err != nil {
		return err
	}
	centre = headTarget(centre, c.TipLength)
	size := s.r.tree.Size(c.Location.Node)
	dx, dy := c.Radius*size.X/2, c.Radius*size.Y/2
	points := []r3.Vec{
		r3.Add(centre, r3.Vec{X: dx}),
		r3.Add(centre, r3.Vec{X: -dx}),
		r3.Add(centre, r3.Vec{Y: dy}),
		r3.Add(centre, r3.Vec{Y: -dy}),
		centre,
	}
	for _, p := range points {
		if err := s.drv.Move(ctx, driver.HeadTarget(p), driver.Absolute); err != nil {
			return err
		}
	}
	return nil
}

// pressTip seats a tip by pushing down and backing off, a little deeper
// each time.
func (s *session) pressTip(ctx context.Context, presses int, distance float64) error {
	for i := 0; i < presses; i++ {
		depth := distance + float64(i)*pressIncrement
		if err := s.drv.Move(ctx, driver.Target{driver.AxisZ: -depth}, driver.Relative); err != nil {
			return err
		}
		if err := s.drv.Move(ctx, driver.Target{driver.AxisZ: depth}, driver.Relative); err != nil {
			return err
		}
	}
	return nil
}
