package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/robot"
	"gonum.org/v1/gonum/spatial/r3"
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyRobotConfig_Defaults(t *testing.T) {
	cfg := EmptyRobotConfig()

	if got := cfg.GetResponseTimeout(); got != 20*time.Second {
		t.Errorf("GetResponseTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetMaxPolls(); got != 5000 {
		t.Errorf("GetMaxPolls() = %d, want 5000", got)
	}
	if got := cfg.GetArcMargin(); got != 20 {
		t.Errorf("GetArcMargin() = %f, want 20", got)
	}
	if got := cfg.GetLayout(); got != deck.DefaultLayout() {
		t.Errorf("GetLayout() = %+v, want default", got)
	}
	if got := cfg.GetSerial(); got.BaudRate != 115200 || got.DataBits != 8 || got.StopBits != 1 || got.Parity != "N" {
		t.Errorf("GetSerial() = %+v, want 115200 8N1", got)
	}
	if cfg.GetLimitSwitches() {
		t.Error("GetLimitSwitches() = true, want false")
	}
	if got := cfg.GetListen(); got != ":8080" {
		t.Errorf("GetListen() = %q, want :8080", got)
	}
	if got := cfg.GetDBPath(); got != "labrobot.db" {
		t.Errorf("GetDBPath() = %q, want labrobot.db", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadRobotConfig_JSON(t *testing.T) {
	path := writeConfig(t, "robot.json", `{
  "serial_port": "/dev/ttyUSB1",
  "response_timeout": "2s",
  "max_polls": 50,
  "speeds": {"x": 6000},
  "dimensions": {"bench": [100, 100, 50]},
  "limit_switches": true,
  "db_path": ""
}`)

	cfg, err := LoadRobotConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.GetSerialPort(); got != "/dev/ttyUSB1" {
		t.Errorf("GetSerialPort() = %q", got)
	}
	if got := cfg.GetDBPath(); got != "" {
		t.Errorf("GetDBPath() = %q, want empty", got)
	}

	opts := cfg.RobotOptions()
	if opts.Driver.ResponseTimeout != 2*time.Second {
		t.Errorf("ResponseTimeout = %v, want 2s", opts.Driver.ResponseTimeout)
	}
	if opts.Driver.MaxPolls != 50 {
		t.Errorf("MaxPolls = %d, want 50", opts.Driver.MaxPolls)
	}
	if opts.Driver.Speeds[driver.AxisX] != 6000 {
		t.Errorf("X speed = %f, want 6000", opts.Driver.Speeds[driver.AxisX])
	}
	if opts.Driver.Speeds[driver.AxisY] != driver.DefaultSpeeds()[driver.AxisY] {
		t.Errorf("Y speed should keep its default, got %f", opts.Driver.Speeds[driver.AxisY])
	}
	if got := opts.Driver.Dimensions["bench"]; got != (r3.Vec{X: 100, Y: 100, Z: 50}) {
		t.Errorf("bench dimensions = %+v", got)
	}
	if _, ok := opts.Driver.Dimensions["one_pro"]; !ok {
		t.Error("default dimensions should be kept")
	}
	if !opts.Simulator.LimitSwitches {
		t.Error("limit switches should be enabled on the simulator")
	}
}

func TestLoadRobotConfig_ExampleTOML(t *testing.T) {
	cfg, err := LoadRobotConfig("../../config/robot.example.toml")
	if err != nil {
		t.Fatalf("Failed to load example config: %v", err)
	}
	if len(cfg.Labware) != 4 || len(cfg.Pipettes) != 1 {
		t.Fatalf("got %d labware and %d pipettes", len(cfg.Labware), len(cfg.Pipettes))
	}
	if got := cfg.DriverOptions().Speeds[driver.AxisZ]; got != 1500 {
		t.Errorf("Z speed = %f, want 1500", got)
	}

	r, err := robot.New(cfg.RobotOptions())
	if err != nil {
		t.Fatalf("robot.New: %v", err)
	}
	if err := cfg.Apply(r); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	p, err := r.Pipette("b")
	if err != nil {
		t.Fatalf("Pipette(b): %v", err)
	}
	pc := p.Config()
	if len(pc.TipRacks) != 1 || r.Deck().Name(pc.TipRacks[0]) != "tips" {
		t.Errorf("tip racks = %v", pc.TipRacks)
	}
	if r.Deck().Name(pc.Trash) != "trash" {
		t.Errorf("trash = %v", pc.Trash)
	}
	if pc.MinVolumePolicy != pipette.MinVolumeWarn {
		t.Errorf("policy = %q", pc.MinVolumePolicy)
	}
	if p.TipSupply().Len() != 96 {
		t.Errorf("tip supply = %d, want 96", p.TipSupply().Len())
	}
}

func TestLoadRobotConfig_MaxVolumeRescalesTables(t *testing.T) {
	cfg := EmptyRobotConfig()
	cfg.Pipettes = []PipetteConfig{{Mount: "a", Name: ptrString("p1000"), MaxVolume: ptrFloat64(1000), MinVolume: ptrFloat64(100)}}
	r, err := robot.New(cfg.RobotOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Apply(r); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	p, _ := r.Pipette("a")
	mm, err := p.Config().Aspirate.Millimetres(1000)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mm-15) > 1e-9 {
		t.Errorf("full stroke = %f mm, want 15", mm)
	}
}

func TestLoadRobotConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "robot.yaml", "listen: x", "extension"},
		{"bad json", "robot.json", "{", "parse config JSON"},
		{"unknown json key", "robot.json", `{"lisen": ":1"}`, "parse config JSON"},
		{"unknown toml key", "robot.toml", "lisen = ':1'", "unknown config keys"},
		{"duration", "robot.json", `{"poll_interval": "soon"}`, "poll_interval"},
		{"negative duration", "robot.json", `{"response_timeout": "-1s"}`, "must be positive"},
		{"tolerance", "robot.json", `{"tolerance": 0}`, "tolerance"},
		{"axis", "robot.json", `{"speeds": {"q": 10}}`, "unknown axis"},
		{"baud", "robot.toml", "[serial]\nbaud_rate = 12", "baud rate"},
		{"labware type", "robot.toml", "[[labware]]\nslot = 'A1'\ntype = 'bucket'", "unknown labware"},
		{"duplicate label", "robot.toml", "[[labware]]\nslot = 'A1'\ntype = 'point'\n[[labware]]\nslot = 'A2'\ntype = 'point'", "duplicate label"},
		{"mount", "robot.toml", "[[pipettes]]\nmount = 'c'", "mount"},
		{"policy", "robot.toml", "[[pipettes]]\nmount = 'a'\nmin_volume_policy = 'panic'", "min_volume_policy"},
		{"rack", "robot.toml", "[[pipettes]]\nmount = 'a'\ntip_racks = ['nope']", "no labware"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRobotConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadRobotConfig_TooLarge(t *testing.T) {
	body := `{"listen": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadRobotConfig(writeConfig(t, "big.json", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoadRobotConfig_Missing(t *testing.T) {
	if _, err := LoadRobotConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRobotOptions_Pointers(t *testing.T) {
	cfg := EmptyRobotConfig()
	cfg.ArcMargin = ptrFloat64(35)
	cfg.LimitSwitches = ptrBool(true)
	cfg.MaxPolls = ptrInt(7)
	opts := cfg.RobotOptions()
	if opts.ArcMargin != 35 || opts.Driver.MaxPolls != 7 || !opts.Simulator.LimitSwitches {
		t.Errorf("options not applied: %+v", opts)
	}
}
