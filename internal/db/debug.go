package db

import "github.com/banshee-data/labrobot/internal/monitoring"

var logs = monitoring.NewStreams("[db] ")

// SetLogWriters configures the db ops and diag streams.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w monitoring.LogWriters) { logs.Set(w) }

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
