package serialmux

import (
	"context"
	"fmt"
)

// LineHandler receives every line the board sends, tagged with its kind.
type LineHandler func(kind LineKind, line string) error

// Tap subscribes to m and hands each received line to handle until ctx is
// done or the mux closes. Handler errors are logged and do not stop the
// tap.
func Tap(ctx context.Context, m SerialMuxInterface, handle LineHandler) error {
	id, lines := m.Subscribe()
	defer m.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := HandleLine(line, handle); err != nil {
				diagf("tap handler: %v", err)
			}
		}
	}
}

// HandleLine classifies line and passes it to handle.
func HandleLine(line string, handle LineHandler) error {
	kind := ClassifyLine(line)
	if err := handle(kind, line); err != nil {
		return fmt.Errorf("failed to handle %s line %q: %w", kind, line, err)
	}
	return nil
}
