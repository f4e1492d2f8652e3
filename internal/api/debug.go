package api

import "github.com/banshee-data/labrobot/internal/monitoring"

var logs = monitoring.NewStreams("[api] ")

// SetLogWriters configures the api ops and diag streams.
func SetLogWriters(w monitoring.LogWriters) { logs.Set(w) }

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
