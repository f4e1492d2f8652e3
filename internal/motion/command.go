// Package motion holds the deferred command model: a tagged set of
// command kinds with explicit parameters, the ordered queue they wait in,
// the runner that drains it, and arc travel planning.
package motion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/labrobot/internal/deck"
)

// Kind tags a Command.
type Kind string

const (
	KindMove        Kind = "move"
	KindHome        Kind = "home"
	KindAspirate    Kind = "aspirate"
	KindDispense    Kind = "dispense"
	KindBlowOut     Kind = "blow_out"
	KindTouchTip    Kind = "touch_tip"
	KindPickUpTip   Kind = "pick_up_tip"
	KindDropTip     Kind = "drop_tip"
	KindMovePlunger Kind = "move_plunger"
	KindDelay       Kind = "delay"
	KindComment     Kind = "comment"
	KindToggle      Kind = "toggle"
)

var kinds = map[Kind]bool{
	KindMove: true, KindHome: true, KindAspirate: true, KindDispense: true,
	KindBlowOut: true, KindTouchTip: true, KindPickUpTip: true, KindDropTip: true,
	KindMovePlunger: true, KindDelay: true, KindComment: true, KindToggle: true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return kinds[k] }

// Strategy selects how the head travels to a location.
type Strategy string

const (
	StrategyArc    Strategy = "arc"
	StrategyDirect Strategy = "direct"
)

// Command is one deferred action. Only the fields relevant to Kind are
// set; the rest stay zero.
type Command struct {
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`

	// Instrument names the pipette mount ("a" or "b") for liquid and
	// plunger commands.
	Instrument string         `json:"instrument,omitempty"`
	Location   *deck.Location `json:"location,omitempty"`
	Strategy   Strategy       `json:"strategy,omitempty"`

	// Volume in microlitres for aspirate and dispense.
	Volume float64 `json:"volume,omitempty"`
	// Speed is the plunger rate for aspirate, dispense and blow out.
	Speed float64 `json:"speed,omitempty"`
	// Plunger is a named plunger position or an absolute axis value.
	Plunger      string  `json:"plunger,omitempty"`
	PlungerValue float64 `json:"plunger_value,omitempty"`
	TipLength    float64 `json:"tip_length,omitempty"`
	// Radius is the fractional reach of a touch tip.
	Radius float64 `json:"radius,omitempty"`
	// Presses and Distance describe how a tip is seated.
	Presses  int     `json:"presses,omitempty"`
	Distance float64 `json:"distance,omitempty"`

	Axes     []string      `json:"axes,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Output   int           `json:"output,omitempty"`
	Engage   bool          `json:"engage,omitempty"`
	Text     string        `json:"text,omitempty"`
}

func (c Command) String() string {
	if c.Description != "" {
		return c.Description
	}
	return string(c.Kind)
}

// Validate checks that the parameters a kind needs are present.
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	switch c.Kind {
	case KindMove, KindTouchTip:
		if c.Location == nil {
			return fmt.Errorf("%s: location required", c.Kind)
		}
	case KindAspirate, KindDispense:
		if c.Volume < 0 {
			return fmt.Errorf("%s: negative volume %g", c.Kind, c.Volume)
		}
	case KindDelay:
		if c.Duration < 0 {
			return fmt.Errorf("delay: negative duration %s", c.Duration)
		}
	case KindToggle:
		if c.Output < 0 {
			return fmt.Errorf("toggle: negative output %d", c.Output)
		}
	}
	switch c.Kind {
	case KindAspirate, KindDispense, KindBlowOut, KindTouchTip, KindPickUpTip, KindDropTip, KindMovePlunger:
		if c.Instrument == "" {
			return fmt.Errorf("%s: instrument required", c.Kind)
		}
	}
	return nil
}

// Dispatcher executes one command against the hardware.
type Dispatcher interface {
	Dispatch(ctx context.Context, c Command) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, c Command) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, c Command) error { return f(ctx, c) }

// Sink accepts commands produced by instruments. A robot either queues
// them or, in immediate mode, dispatches them at once.
type Sink interface {
	Submit(ctx context.Context, c Command) error
}

// MarshalCommands renders a queue snapshot for inspection.
func MarshalCommands(cmds []Command) ([]byte, error) {
	return json.Marshal(cmds)
}

// UnmarshalCommands parses a serialized queue and validates each command.
func UnmarshalCommands(data []byte) ([]Command, error) {
	var cmds []Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, err
	}
	for i, c := range cmds {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}
	return cmds, nil
}
