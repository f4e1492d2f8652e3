package serialmux

import "strings"

// LineKind classifies a line received from the controller board.
type LineKind int

const (
	LineData LineKind = iota
	LineAck
	LineFault
	LineLimit
)

func (k LineKind) String() string {
	switch k {
	case LineAck:
		return "ack"
	case LineFault:
		return "fault"
	case LineLimit:
		return "limit"
	default:
		return "data"
	}
}

// ClassifyLine inspects a response line. Limit-switch reports also carry
// the reset marker, so they are checked first.
func ClassifyLine(line string) LineKind {
	l := strings.ToLower(strings.TrimSpace(line))
	switch {
	case strings.Contains(l, "limit"):
		return LineLimit
	case strings.HasPrefix(l, "!!"), strings.Contains(l, "error"), strings.Contains(l, "reset"), strings.Contains(l, "rebooting"):
		return LineFault
	case l == "ok":
		return LineAck
	default:
		return LineData
	}
}
