package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/labrobot/internal/serialmux"
)

// Pause holds motion at the next checkpoint.
func (d *Driver) Pause() {
	d.signal.Pause()
	opsf("pause requested")
}

// Resume releases a pause, clears pending stop or halt requests and
// leaves the halted state entered after a hardware fault.
func (d *Driver) Resume() {
	d.signal.Resume()
	d.mu.Lock()
	d.halted = false
	d.mu.Unlock()
	opsf("resumed")
}

// Stop makes the next checkpoint abort with control.ErrStopped.
func (d *Driver) Stop() {
	d.signal.Stop()
	opsf("stop requested")
}

// Halt makes the next checkpoint run the emergency halt sequence.
func (d *Driver) Halt() {
	d.signal.Halt()
	opsf("halt requested")
}

// CalmDown clears the board's halt latch.
func (d *Driver) CalmDown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	return d.exchangeLocked(ctx, "M999")
}

// EmergencyHalt stops the board immediately, clears the latch so it will
// answer again, and leaves the driver halted until Resume.
func (d *Driver) EmergencyHalt(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	d.halted = true
	for _, cmd := range []string{"M112", "M999"} {
		if err := d.exchangeLocked(ctx, cmd); err != nil {
			return d.protocolFault(cmd, fmt.Errorf("%w: %w", ErrNoResponse, err))
		}
	}
	opsf("emergency halt")
	return nil
}

// Reset reboots the board. The session ends and must be reconnected.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	d.link.Flush()
	if err := d.sendLocked("reset"); err != nil {
		return err
	}
	line, err := d.link.ReadLine(ctx, d.opts.ResponseTimeout)
	if err != nil {
		return d.protocolFault("reset", fmt.Errorf("%w: %w", ErrNoResponse, err))
	}
	d.observe("rx", line)
	if !strings.Contains(strings.ToLower(line), "rebooting") {
		return d.protocolFault("reset", fmt.Errorf("%w: %q", ErrMalformedResponse, line))
	}
	d.connected = false
	d.resetSessionLocked()
	opsf("board rebooting; reconnect required")
	return nil
}

// Raw sends an arbitrary command and returns its data lines. Fault lines
// are handled as for any other request.
func (d *Driver) Raw(ctx context.Context, command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("empty command")
	}
	if serialmux.ClassifyLine(command) != serialmux.LineData {
		return nil, fmt.Errorf("refusing command %q", command)
	}
	return d.request(ctx, command)
}
