package driver

import "github.com/banshee-data/labrobot/internal/monitoring"

var logs = monitoring.NewStreams("[driver] ")

// SetLogWriters configures the driver ops, diag and trace streams.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w monitoring.LogWriters) { logs.Set(w) }

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
