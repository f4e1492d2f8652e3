package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SetSpeed changes the feed rate used for gantry moves on the given axes.
func (d *Driver) SetSpeed(speeds map[Axis]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for a, v := range speeds {
		if !a.IsGantry() {
			return fmt.Errorf("%w: %s is not a gantry axis", ErrUnknownAxis, a)
		}
		if v <= 0 {
			return fmt.Errorf("speed for %s must be positive, got %g", a, v)
		}
		d.speeds[a] = v
	}
	return nil
}

// Speeds returns the configured feed rates.
func (d *Driver) Speeds() map[Axis]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Axis]float64, len(d.speeds))
	for k, v := range d.speeds {
		out[k] = v
	}
	return out
}

// SetPlungerSpeed sets a plunger's maximum rate on the board.
func (d *Driver) SetPlungerSpeed(ctx context.Context, axis Axis, rate float64) error {
	if axis.IsGantry() {
		return fmt.Errorf("%w: %s is not a plunger axis", ErrUnknownAxis, axis)
	}
	if _, err := d.request(ctx, fmt.Sprintf("M203.1 %s%s", axis, strconv.FormatFloat(rate, 'f', -1, 64))); err != nil {
		return err
	}
	d.mu.Lock()
	d.speeds[axis] = rate
	d.mu.Unlock()
	return nil
}

// SetAcceleration sets the board's default acceleration in mm/s².
func (d *Driver) SetAcceleration(ctx context.Context, accel float64) error {
	_, err := d.request(ctx, "M204 S"+strconv.FormatFloat(accel, 'f', -1, 64))
	return err
}

// StepsPerMM reads the steps-per-millimetre table.
func (d *Driver) StepsPerMM(ctx context.Context) (Coordinates, error) {
	lines, err := d.request(ctx, "M92")
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty M92 reply", ErrMalformedResponse)
	}
	return parseAxisValues(lines[0])
}

// SetStepsPerMM writes one axis of the steps-per-millimetre table.
func (d *Driver) SetStepsPerMM(ctx context.Context, axis Axis, value float64) error {
	_, err := d.request(ctx, fmt.Sprintf("M92 %s%s", axis, strconv.FormatFloat(value, 'f', -1, 64)))
	return err
}

// ConfigValue reads a key from the board's stored configuration.
func (d *Driver) ConfigValue(ctx context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return "", err
	}
	return d.configValueLocked(ctx, key)
}

func (d *Driver) configValueLocked(ctx context.Context, key string) (string, error) {
	command := "config-get sd " + key
	lines, err := d.requestLocked(ctx, command)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if _, v, found := strings.Cut(l, " is set to "); found {
			return strings.TrimSpace(v), nil
		}
		if strings.Contains(l, "is not in config") {
			return "", fmt.Errorf("%w: %s", ErrConfigMissing, key)
		}
	}
	return "", d.protocolFault(command, fmt.Errorf("%w: %q", ErrMalformedResponse, lines))
}

// SetConfigValue writes a key to the board's stored configuration.
func (d *Driver) SetConfigValue(ctx context.Context, key, value string) error {
	if strings.ContainsAny(key+value, " \r\n") {
		return fmt.Errorf("config key and value must not contain whitespace")
	}
	_, err := d.request(ctx, fmt.Sprintf("config-set sd %s %s", key, value))
	return err
}

// SetMosfet switches output index on or off. Each output owns two codes
// starting at M40: even is off, odd is on.
func (d *Driver) SetMosfet(ctx context.Context, index int, on bool) error {
	if index < 0 || index > 5 {
		return fmt.Errorf("mosfet index %d out of range 0-5", index)
	}
	code := 40 + index*2
	if on {
		code++
	}
	_, err := d.request(ctx, fmt.Sprintf("M%d", code))
	return err
}

// Power enables or disables the stepper drivers.
func (d *Driver) Power(ctx context.Context, on bool) error {
	cmd := "M18"
	if on {
		cmd = "M17"
	}
	_, err := d.request(ctx, cmd)
	return err
}
