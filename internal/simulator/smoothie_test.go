package simulator

import (
	"bufio"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_Version(t *testing.T) {
	s := New(DefaultOptions())
	got := s.Handle("version")
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "Build version: v1.0.5,"))
	assert.Equal(t, "ok", got[1])
}

func TestHandle_ConfigGetSet(t *testing.T) {
	s := New(DefaultOptions())
	if diff := cmp.Diff([]string{"sd: ot_version is set to one_pro", "ok"}, s.Handle("config-get sd ot_version")); diff != "" {
		t.Errorf("config-get mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"sd: version is set to v1.0.3b", "ok"}, s.Handle("config-get sd version"))
	assert.Equal(t, []string{"sd: foo has been set to bar", "ok"}, s.Handle("config-set sd foo bar"))
	assert.Equal(t, []string{"sd: foo is set to bar", "ok"}, s.Handle("config-get sd foo"))
	assert.Equal(t, []string{"sd: nope is not in config", "ok"}, s.Handle("config-get sd nope"))
}

func TestHandle_AbsoluteAndRelativeMoves(t *testing.T) {
	s := New(DefaultOptions())
	assert.Equal(t, []string{"ok"}, s.Handle("G90"))
	assert.Equal(t, []string{"ok"}, s.Handle("G0 X10 Y20.5 F3000"))
	assert.Equal(t, []string{"ok"}, s.Handle("G91"))
	assert.Equal(t, []string{"ok"}, s.Handle("G0 X-2.5 A3"))

	assert.Equal(t, []string{"MCS: X:7.5000 Y:20.5000 Z:0.0000 A:3.0000 B:0.0000", "ok"}, s.Handle("M114.2"))
	assert.Equal(t, []string{"MP: X:7.5000 Y:20.5000 Z:0.0000 A:3.0000 B:0.0000", "ok"}, s.Handle("M114.4"))
}

func TestHandle_StepPerPollConverges(t *testing.T) {
	opts := DefaultOptions()
	opts.StepPerPoll = 4
	s := New(opts)
	s.Handle("G0 X10")

	s.Handle("M114.2")
	assert.InDelta(t, 4, s.Position("x"), 1e-9)
	s.Handle("M114.2")
	s.Handle("M114.2")
	assert.InDelta(t, 10, s.Position("X"), 1e-9)
}

func TestHandle_HomeAndSetPosition(t *testing.T) {
	s := New(DefaultOptions())
	s.Handle("G0 X50 Y60 Z70 A5 B6")
	assert.Equal(t, []string{"ok"}, s.Handle("G28.2 X A"))
	assert.InDelta(t, 0, s.Position("X"), 1e-3)
	assert.InDelta(t, 60, s.Position("Y"), 1e-9)
	assert.InDelta(t, 0, s.Position("A"), 1e-3)

	s.Handle("G92 X0 A0")
	assert.Equal(t, 0.0, s.Position("X"))

	s.Handle("G28.2")
	assert.InDelta(t, 0, s.Position("B"), 1e-3)
}

func TestHandle_LimitSwitch(t *testing.T) {
	opts := DefaultOptions()
	opts.LimitSwitches = true
	s := New(opts)

	got := s.Handle("G0 X-10")
	assert.Equal(t, []string{"Limit switch X_min was hit - reset or M999 required"}, got)
	assert.True(t, s.Halted())
	assert.Equal(t, []string{"X_min:1 Y_min:0 Z_min:0 A_min:0 B_min:0", "ok"}, s.Handle("M119"))

	// Motion is refused until the board is calmed down.
	assert.Equal(t, []string{"!! Halted - reset or M999 required"}, s.Handle("G0 Y5"))
	assert.Equal(t, []string{"ok"}, s.Handle("M999"))
	assert.Equal(t, []string{"ok"}, s.Handle("G0 Y5"))
	assert.InDelta(t, 0, s.Position("X"), 1e-9)
}

func TestHandle_NoLimitSwitchesAllowsNegative(t *testing.T) {
	s := New(DefaultOptions())
	assert.Equal(t, []string{"ok"}, s.Handle("G0 Z-10"))
	assert.Equal(t, -10.0, s.Position("Z"))
}

func TestHandle_OutputsAndMisc(t *testing.T) {
	s := New(DefaultOptions())
	s.Handle("M41")
	assert.True(t, s.Output(0))
	s.Handle("M40")
	assert.False(t, s.Output(0))
	s.Handle("M45")
	assert.True(t, s.Output(2))

	s.Handle("M203.1 A300 B250")
	assert.Equal(t, 300.0, s.Speed("a"))
	assert.Equal(t, []string{"X:80.000 Y:80.000 Z:400.000 A:1600.000 B:1600.000", "ok"}, s.Handle("M92"))

	got := s.Handle("M112")
	assert.Contains(t, got[0], "M999 required")
	assert.True(t, s.Halted())
	s.Handle("M999")

	got = s.Handle("bogus")
	assert.True(t, strings.HasPrefix(got[0], "error:"))

	assert.Equal(t, []string{"Smoothie out. Peace. Rebooting in 5 seconds..."}, s.Handle("reset"))
	assert.Contains(t, s.History(), "M41")
}

func TestReadWrite_ByteStream(t *testing.T) {
	s := New(DefaultOptions())
	// Split a command across writes.
	_, err := s.Write([]byte("G0 X"))
	require.NoError(t, err)
	_, err = s.Write([]byte("5\r\nM114.2\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(s)
	var lines []string
	for i := 0; i < 3; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	assert.Equal(t, []string{"ok", "MCS: X:5.0000 Y:0.0000 Z:0.0000 A:0.0000 B:0.0000", "ok"}, lines)

	require.NoError(t, s.Close())
	_, err = s.Write([]byte("version\r\n"))
	assert.Error(t, err)
	_, err = s.Read(make([]byte, 8))
	assert.Error(t, err)
	assert.True(t, s.Simulated())
}
