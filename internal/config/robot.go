package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/robot"
	"github.com/banshee-data/labrobot/internal/serialmux"
	"gonum.org/v1/gonum/spatial/r3"
)

// maxFileSize bounds configuration files.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// RobotConfig is the startup configuration for one robot. Every field is
// optional; the Get* methods supply defaults for anything left out, so
// partial files are safe.
type RobotConfig struct {
	// Link
	SerialPort      *string                `json:"serial_port,omitempty" toml:"serial_port"`
	Serial          *serialmux.PortOptions `json:"serial,omitempty" toml:"serial"`
	ResponseTimeout *string                `json:"response_timeout,omitempty" toml:"response_timeout"` // duration string like "20s"
	PollInterval    *string                `json:"poll_interval,omitempty" toml:"poll_interval"`
	MaxPolls        *int                   `json:"max_polls,omitempty" toml:"max_polls"`
	Tolerance       *float64               `json:"tolerance,omitempty" toml:"tolerance"`

	// Machine
	Speeds             map[string]float64    `json:"speeds,omitempty" toml:"speeds"` // mm/min by axis letter
	ArcMargin          *float64              `json:"arc_margin,omitempty" toml:"arc_margin"`
	Layout             *deck.Layout          `json:"layout,omitempty" toml:"layout"`
	CompatibleFirmware []string              `json:"compatible_firmware,omitempty" toml:"compatible_firmware"`
	CompatibleConfig   []string              `json:"compatible_config,omitempty" toml:"compatible_config"`
	Dimensions         map[string][3]float64 `json:"dimensions,omitempty" toml:"dimensions"` // ot_version -> X, Y, Z travel
	LimitSwitches      *bool                 `json:"limit_switches,omitempty" toml:"limit_switches"`

	// Deck contents and instruments
	Labware  []LabwareConfig `json:"labware,omitempty" toml:"labware"`
	Pipettes []PipetteConfig `json:"pipettes,omitempty" toml:"pipettes"`

	// Services
	Listen *string `json:"listen,omitempty" toml:"listen"`
	DBPath *string `json:"db_path,omitempty" toml:"db_path"`
}

// LabwareConfig places a built-in labware definition in a slot.
type LabwareConfig struct {
	Slot  string `json:"slot" toml:"slot"`
	Type  string `json:"type" toml:"type"`
	Label string `json:"label,omitempty" toml:"label"`
}

// PipetteConfig mounts an instrument. Racks and trash name labware by
// label.
type PipetteConfig struct {
	Mount           string   `json:"mount" toml:"mount"`
	Name            *string  `json:"name,omitempty" toml:"name"`
	Channels        *int     `json:"channels,omitempty" toml:"channels"`
	MinVolume       *float64 `json:"min_volume,omitempty" toml:"min_volume"`
	MaxVolume       *float64 `json:"max_volume,omitempty" toml:"max_volume"`
	AspirateSpeed   *float64 `json:"aspirate_speed,omitempty" toml:"aspirate_speed"`
	DispenseSpeed   *float64 `json:"dispense_speed,omitempty" toml:"dispense_speed"`
	TipLength       *float64 `json:"tip_length,omitempty" toml:"tip_length"`
	MinVolumePolicy *string  `json:"min_volume_policy,omitempty" toml:"min_volume_policy"` // "warn" or "error"
	TipRacks        []string `json:"tip_racks,omitempty" toml:"tip_racks"`
	Trash           *string  `json:"trash,omitempty" toml:"trash"`
}

// EmptyRobotConfig returns a RobotConfig with all fields unset.
func EmptyRobotConfig() *RobotConfig {
	return &RobotConfig{}
}

// LoadRobotConfig loads a RobotConfig from a .json or .toml file of at
// most 1MB.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRobotConfig()
	if ext == ".toml" {
		dec := toml.NewDecoder(bytes.NewReader(data))
		meta, err := dec.Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *RobotConfig) Validate() error {
	for name, v := range map[string]*string{
		"response_timeout": c.ResponseTimeout,
		"poll_interval":    c.PollInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxPolls != nil && *c.MaxPolls <= 0 {
		return fmt.Errorf("max_polls must be positive, got %d", *c.MaxPolls)
	}
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", *c.Tolerance)
	}
	if c.ArcMargin != nil && *c.ArcMargin < 0 {
		return fmt.Errorf("arc_margin must be non-negative, got %f", *c.ArcMargin)
	}
	for axis, v := range c.Speeds {
		if _, err := driver.ParseAxis(axis); err != nil {
			return fmt.Errorf("speeds: %w", err)
		}
		if v <= 0 {
			return fmt.Errorf("speed for %s must be positive, got %f", axis, v)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.Layout != nil {
		if _, err := deck.NewDeck(*c.Layout); err != nil {
			return err
		}
	}

	labels := map[string]bool{}
	for i, l := range c.Labware {
		if l.Slot == "" {
			return fmt.Errorf("labware %d: slot is required", i)
		}
		def, err := deck.Builtin(l.Type)
		if err != nil {
			return fmt.Errorf("labware %d: %w", i, err)
		}
		label := l.Label
		if label == "" {
			label = def.Name
		}
		if labels[label] {
			return fmt.Errorf("labware %d: duplicate label %q", i, label)
		}
		labels[label] = true
	}
	mounts := map[string]bool{}
	for _, p := range c.Pipettes {
		if p.Mount != "a" && p.Mount != "b" {
			return fmt.Errorf("pipette mount must be a or b, got %q", p.Mount)
		}
		if mounts[p.Mount] {
			return fmt.Errorf("two pipettes on mount %s", p.Mount)
		}
		mounts[p.Mount] = true
		if p.MinVolumePolicy != nil {
			if _, err := parsePolicy(*p.MinVolumePolicy); err != nil {
				return fmt.Errorf("pipette %s: %w", p.Mount, err)
			}
		}
		for _, rack := range p.TipRacks {
			if !labels[rack] {
				return fmt.Errorf("pipette %s: no labware labelled %q", p.Mount, rack)
			}
		}
		if p.Trash != nil && !labels[*p.Trash] {
			return fmt.Errorf("pipette %s: no labware labelled %q", p.Mount, *p.Trash)
		}
	}
	return nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSerialPort returns the serial device path, empty when unset.
func (c *RobotConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerial returns the port options, defaulting to 115200 8N1.
func (c *RobotConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

// GetResponseTimeout returns how long a request may wait for ok.
func (c *RobotConfig) GetResponseTimeout() time.Duration {
	return parseDuration(c.ResponseTimeout, driver.DefaultOptions().ResponseTimeout)
}

// GetPollInterval returns the delay between arrival polls.
func (c *RobotConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, driver.DefaultOptions().PollInterval)
}

// GetMaxPolls returns the max_polls value or the default.
func (c *RobotConfig) GetMaxPolls() int {
	if c.MaxPolls == nil {
		return driver.DefaultOptions().MaxPolls
	}
	return *c.MaxPolls
}

// GetTolerance returns the arrival tolerance in millimetres.
func (c *RobotConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return driver.DefaultOptions().Tolerance
	}
	return *c.Tolerance
}

// GetArcMargin returns the clearance added above the tallest labware.
func (c *RobotConfig) GetArcMargin() float64 {
	if c.ArcMargin == nil {
		return robot.DefaultOptions().ArcMargin
	}
	return *c.ArcMargin
}

// GetLayout returns the deck layout or the default five by three grid.
func (c *RobotConfig) GetLayout() deck.Layout {
	if c.Layout == nil {
		return deck.DefaultLayout()
	}
	return *c.Layout
}

// GetLimitSwitches reports whether the simulator trips limit switches.
func (c *RobotConfig) GetLimitSwitches() bool {
	if c.LimitSwitches == nil {
		return false
	}
	return *c.LimitSwitches
}

// GetListen returns the HTTP listen address.
func (c *RobotConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetDBPath returns the run journal path; empty disables the journal.
func (c *RobotConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "labrobot.db"
	}
	return *c.DBPath
}

// DriverOptions overlays the configured values on the driver defaults.
func (c *RobotConfig) DriverOptions() driver.Options {
	opts := driver.DefaultOptions()
	opts.ResponseTimeout = c.GetResponseTimeout()
	opts.PollInterval = c.GetPollInterval()
	opts.MaxPolls = c.GetMaxPolls()
	opts.Tolerance = c.GetTolerance()
	for axis, v := range c.Speeds {
		if a, err := driver.ParseAxis(axis); err == nil {
			opts.Speeds[a] = v
		}
	}
	if len(c.CompatibleFirmware) > 0 {
		opts.CompatibleFirmware = c.CompatibleFirmware
	}
	if len(c.CompatibleConfig) > 0 {
		opts.CompatibleConfig = c.CompatibleConfig
	}
	for model, d := range c.Dimensions {
		opts.Dimensions[model] = r3.Vec{X: d[0], Y: d[1], Z: d[2]}
	}
	return opts
}

// RobotOptions builds the options for robot.New.
func (c *RobotConfig) RobotOptions() robot.Options {
	opts := robot.DefaultOptions()
	opts.Driver = c.DriverOptions()
	opts.Layout = c.GetLayout()
	opts.ArcMargin = c.GetArcMargin()
	opts.Simulator.LimitSwitches = c.GetLimitSwitches()
	return opts
}

// Apply loads the configured labware into r and mounts the pipettes.
func (c *RobotConfig) Apply(r *robot.Robot) error {
	byLabel := map[string]deck.NodeID{}
	for _, l := range c.Labware {
		def, err := deck.Builtin(l.Type)
		if err != nil {
			return err
		}
		label := l.Label
		if label == "" {
			label = def.Name
		}
		id, err := r.LoadContainer(l.Slot, def, label)
		if err != nil {
			return err
		}
		byLabel[label] = id
	}
	for _, pc := range c.Pipettes {
		cfg, err := pc.pipetteConfig(byLabel)
		if err != nil {
			return err
		}
		if _, err := r.AddPipette(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (p PipetteConfig) pipetteConfig(byLabel map[string]deck.NodeID) (pipette.Config, error) {
	cfg := pipette.DefaultConfig()
	cfg.Mount = p.Mount
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Channels != nil {
		cfg.Channels = *p.Channels
	}
	if p.MinVolume != nil {
		cfg.MinVolume = *p.MinVolume
	}
	if p.MaxVolume != nil {
		cfg.MaxVolume = *p.MaxVolume
		// derived from the new maximum by pipette.New
		cfg.Aspirate, cfg.Dispense = nil, nil
	}
	if p.AspirateSpeed != nil {
		cfg.AspirateSpeed = *p.AspirateSpeed
	}
	if p.DispenseSpeed != nil {
		cfg.DispenseSpeed = *p.DispenseSpeed
	}
	if p.TipLength != nil {
		cfg.TipLength = *p.TipLength
	}
	if p.MinVolumePolicy != nil {
		policy, err := parsePolicy(*p.MinVolumePolicy)
		if err != nil {
			return cfg, err
		}
		cfg.MinVolumePolicy = policy
	}
	cfg.TipRacks = nil
	for _, rack := range p.TipRacks {
		id, ok := byLabel[rack]
		if !ok {
			return cfg, fmt.Errorf("pipette %s: no labware labelled %q", p.Mount, rack)
		}
		cfg.TipRacks = append(cfg.TipRacks, id)
	}
	if p.Trash != nil {
		id, ok := byLabel[*p.Trash]
		if !ok {
			return cfg, fmt.Errorf("pipette %s: no labware labelled %q", p.Mount, *p.Trash)
		}
		cfg.Trash = id
	}
	return cfg, nil
}

func parsePolicy(s string) (pipette.MinVolumePolicy, error) {
	switch pipette.MinVolumePolicy(s) {
	case pipette.MinVolumeWarn, pipette.MinVolumeError:
		return pipette.MinVolumePolicy(s), nil
	}
	return "", fmt.Errorf("min_volume_policy must be warn or error, got %q", s)
}
