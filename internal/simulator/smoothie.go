// Package simulator provides an in-process twin of the motion controller
// board. It speaks the same line protocol as the hardware so the driver can
// run against it unchanged.
package simulator

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Axes reported by position queries, in wire order.
var Axes = []string{"X", "Y", "Z", "A", "B"}

// limitThreshold is how far below zero an axis may be commanded before a
// limit switch trips.
const limitThreshold = -3

// Options configures the simulated board.
type Options struct {
	Firmware      string
	ConfigVersion string
	OTVersion     string
	StepsPerMM    map[string]float64
	// LimitSwitches makes moves far below zero trip a limit switch.
	LimitSwitches bool
	// StepPerPoll limits how far each axis travels per position query;
	// zero means moves complete instantly.
	StepPerPoll float64
}

// DefaultOptions mirrors the factory configuration of a pro-size robot.
func DefaultOptions() Options {
	return Options{
		Firmware:      "v1.0.5",
		ConfigVersion: "v1.0.3b",
		OTVersion:     "one_pro",
		StepsPerMM:    map[string]float64{"X": 80, "Y": 80, "Z": 400, "A": 1600, "B": 1600},
	}
}

// Smoothie is a simulated controller board implementing
// serialmux.SerialPorter.
type Smoothie struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts     Options
	absolute bool
	current  map[string]float64
	target   map[string]float64
	speeds   map[string]float64
	accel    float64
	config   map[string]string
	outputs  map[int]bool
	endstops map[string]bool
	powered  bool
	halted   bool
	history  []string

	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

// New returns a simulated board in its power-on state.
func New(opts Options) *Smoothie {
	steps := DefaultOptions().StepsPerMM
	for k, v := range opts.StepsPerMM {
		steps[k] = v
	}
	opts.StepsPerMM = steps
	s := &Smoothie{opts: opts}
	s.cond = sync.NewCond(&s.mu)
	s.resetLocked()
	return s
}

func (s *Smoothie) resetLocked() {
	s.absolute = true
	s.current = map[string]float64{}
	s.target = map[string]float64{}
	s.endstops = map[string]bool{}
	for _, a := range Axes {
		s.current[a] = 0
		s.target[a] = 0
		s.endstops[a] = false
	}
	s.speeds = map[string]float64{"X": 4000, "Y": 4000, "Z": 3000, "A": 500, "B": 500}
	s.accel = 3000
	s.outputs = map[int]bool{}
	s.powered = true
	s.halted = false
	s.config = map[string]string{
		"ot_version":         s.opts.OTVersion,
		"version":            s.opts.ConfigVersion,
		"alpha_steps_per_mm": fmtFloat(s.opts.StepsPerMM["X"]),
		"beta_steps_per_mm":  fmtFloat(s.opts.StepsPerMM["Y"]),
		"gamma_steps_per_mm": fmtFloat(s.opts.StepsPerMM["Z"]),
	}
}

// Simulated reports true so the driver may record the session.
func (s *Smoothie) Simulated() bool { return true }

// Read blocks until a response is available or the port closes.
func (s *Smoothie) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && s.out.Len() == 0 {
		s.cond.Wait()
	}
	if s.out.Len() == 0 {
		return 0, fmt.Errorf("simulated port closed")
	}
	return s.out.Read(p)
}

// Write accepts command bytes, executing every complete line.
func (s *Smoothie) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("simulated port closed")
	}
	s.in.Write(p)
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			s.in.Reset()
			s.in.WriteString(line)
			break
		}
		for _, reply := range s.handleLocked(strings.TrimSpace(line)) {
			s.out.WriteString(reply)
			s.out.WriteString("\r\n")
		}
	}
	s.cond.Broadcast()
	return len(p), nil
}

// Close unblocks readers; further writes fail.
func (s *Smoothie) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Handle executes one command synchronously and returns its response
// lines. It bypasses the byte stream and is meant for tests.
func (s *Smoothie) Handle(line string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleLocked(line)
}

// History returns every command received, in order.
func (s *Smoothie) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Position returns the simulated current position of an axis.
func (s *Smoothie) Position(axis string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[strings.ToUpper(axis)]
}

// Output reports whether output i is switched on.
func (s *Smoothie) Output(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[i]
}

// Halted reports whether the board is waiting for M999.
func (s *Smoothie) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Speed returns the configured speed for an axis.
func (s *Smoothie) Speed(axis string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speeds[strings.ToUpper(axis)]
}

func (s *Smoothie) handleLocked(line string) []string {
	if line == "" {
		return nil
	}
	s.history = append(s.history, line)
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	if s.halted {
		switch cmd {
		case "M999", "M112", "reset", "version", "config-get", "M114.2", "M114.4", "M119":
		default:
			return []string{"!! Halted - reset or M999 required"}
		}
	}

	switch cmd {
	case "G0", "G1":
		return s.move(args)
	case "G4":
		return ok()
	case "G28.2":
		return s.home(args)
	case "G90":
		s.absolute = true
		return ok()
	case "G91":
		s.absolute = false
		return ok()
	case "G92":
		for axis, v := range parseAxes(args) {
			s.current[axis] = v
			s.target[axis] = v
		}
		return ok()
	case "M17":
		s.powered = true
		return ok()
	case "M18":
		s.powered = false
		return ok()
	case "M63":
		return ok()
	case "M92":
		for axis, v := range parseAxes(args) {
			s.opts.StepsPerMM[axis] = v
		}
		return []string{s.axisLine("", s.opts.StepsPerMM, "%.3f"), "ok"}
	case "M112":
		s.halted = true
		return []string{"Emergency Stop Requested - reset or M999 required to exit HALT state", "ok"}
	case "M114.2":
		s.advance()
		return []string{s.axisLine("MCS: ", s.current, "%.4f"), "ok"}
	case "M114.4":
		return []string{s.axisLine("MP: ", s.target, "%.4f"), "ok"}
	case "M119":
		return []string{s.endstopLine(), "ok"}
	case "M203.1":
		for axis, v := range parseAxes(args) {
			s.speeds[axis] = v
		}
		return ok()
	case "M204":
		for _, a := range args {
			if strings.HasPrefix(a, "S") {
				if v, err := strconv.ParseFloat(a[1:], 64); err == nil {
					s.accel = v
				}
			}
		}
		return ok()
	case "M999":
		s.halted = false
		return ok()
	case "version":
		return []string{
			fmt.Sprintf("Build version: %s, Build date: Mar 18 2017 21:15:21, MCU: LPC1769, System Clock: 120MHz", s.opts.Firmware),
			"ok",
		}
	case "config-get":
		if len(args) != 2 {
			return []string{"error:usage: config-get <source> <key>"}
		}
		if v, found := s.config[args[1]]; found {
			return []string{fmt.Sprintf("%s: %s is set to %s", args[0], args[1], v), "ok"}
		}
		return []string{fmt.Sprintf("%s: %s is not in config", args[0], args[1]), "ok"}
	case "config-set":
		if len(args) != 3 {
			return []string{"error:usage: config-set <source> <key> <value>"}
		}
		s.config[args[1]] = args[2]
		return []string{fmt.Sprintf("%s: %s has been set to %s", args[0], args[1], args[2]), "ok"}
	case "reset":
		s.resetLocked()
		return []string{"Smoothie out. Peace. Rebooting in 5 seconds..."}
	}

	if n, found := outputCode(cmd); found {
		s.outputs[n/2] = n%2 == 1
		return ok()
	}
	return []string{fmt.Sprintf("error:Unsupported command - %s", cmd)}
}

func ok() []string { return []string{"ok"} }

// outputCode maps M40..M51 onto output toggles: odd codes switch an
// output on, even codes off, two codes per output.
func outputCode(cmd string) (int, bool) {
	if !strings.HasPrefix(cmd, "M") {
		return 0, false
	}
	code, err := strconv.Atoi(cmd[1:])
	if err != nil || code < 40 || code > 51 {
		return 0, false
	}
	return code - 40, true
}

func (s *Smoothie) move(args []string) []string {
	targets := parseAxes(args)
	if s.opts.LimitSwitches {
		for _, axis := range sortedKeys(targets) {
			dest := targets[axis]
			if !s.absolute {
				dest += s.target[axis]
			}
			if dest < limitThreshold {
				s.halted = true
				s.endstops[axis] = true
				return []string{fmt.Sprintf("Limit switch %s_min was hit - reset or M999 required", axis)}
			}
		}
	}
	for axis, v := range targets {
		if !s.absolute {
			v += s.target[axis]
		}
		s.target[axis] = v
		if s.opts.StepPerPoll <= 0 {
			s.current[axis] = v
		}
	}
	return ok()
}

func (s *Smoothie) home(args []string) []string {
	axes := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.ToUpper(strings.TrimRight(a, "0123456789."))
		if slices.Contains(Axes, a) {
			axes = append(axes, a)
		}
	}
	if len(axes) == 0 {
		axes = Axes
	}
	for _, a := range axes {
		// Firmware leaves the axis a hair off zero after homing.
		s.current[a] = 0.0002
		s.target[a] = 0.0002
		s.endstops[a] = false
	}
	return ok()
}

// advance moves every axis one polling step towards its target.
func (s *Smoothie) advance() {
	step := s.opts.StepPerPoll
	if step <= 0 {
		return
	}
	for _, a := range Axes {
		d := s.target[a] - s.current[a]
		if math.Abs(d) <= step {
			s.current[a] = s.target[a]
		} else {
			s.current[a] += math.Copysign(step, d)
		}
	}
}

func (s *Smoothie) axisLine(prefix string, values map[string]float64, format string) string {
	parts := make([]string, 0, len(Axes))
	for _, a := range Axes {
		parts = append(parts, a+":"+fmt.Sprintf(format, values[a]))
	}
	return prefix + strings.Join(parts, " ")
}

func (s *Smoothie) endstopLine() string {
	parts := make([]string, 0, len(Axes))
	for _, a := range Axes {
		v := 0
		if s.endstops[a] {
			v = 1
		}
		parts = append(parts, fmt.Sprintf("%s_min:%d", a, v))
	}
	return strings.Join(parts, " ")
}

// parseAxes reads tokens such as X10.5 into a map, skipping feed rates
// and anything unparsable.
func parseAxes(args []string) map[string]float64 {
	out := map[string]float64{}
	for _, a := range args {
		if len(a) < 2 {
			continue
		}
		axis := strings.ToUpper(a[:1])
		if !slices.Contains(Axes, axis) {
			continue
		}
		v, err := strconv.ParseFloat(a[1:], 64)
		if err != nil {
			continue
		}
		out[axis] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
