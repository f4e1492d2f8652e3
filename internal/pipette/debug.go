package pipette

import "github.com/banshee-data/labrobot/internal/monitoring"

var logs = monitoring.NewStreams("[pipette] ")

// SetLogWriters configures the pipette ops, diag and trace streams.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w monitoring.LogWriters) { logs.Set(w) }

func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
