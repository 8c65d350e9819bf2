package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

func TestCommandString(t *testing.T) {
	cmd := Command{
		Name:    "encode something",
		Program: "ffmpeg",
		Args:    []string{"-nostdin", "-y", "-i", "in.avi", "out.mp4"},
	}
	assert.Equal(t, "ffmpeg -nostdin -y -i in.avi out.mp4", cmd.String())
}

func TestRunnerDryRun(t *testing.T) {
	r := NewRunner(logger.NewNopLogger(), true, false)
	assert.True(t, r.DryRun())

	// the program does not exist; dry-run must not try to execute it
	err := r.Run(context.Background(), Command{Program: "definitely-not-a-binary"})
	assert.NoError(t, err)
}

func TestRunCapturesProcessFailure(t *testing.T) {
	r := NewRunner(logger.NewNopLogger(), false, false)
	err := r.Run(context.Background(), Command{
		Name:    "failing command",
		Program: "sh",
		Args:    []string{"-c", "echo oops >&2; exit 3"},
	})
	require.Error(t, err)

	var pf *ProcessFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 3, pf.ExitCode)
	assert.Contains(t, pf.Stderr, "oops")
}

func TestFixDurations(t *testing.T) {
	frames := []FrameInfo{
		{PTS: 0, Duration: 0},
		{PTS: 0.04, Duration: 0.04},
		{PTS: 0.08, Duration: 0},
	}
	fixDurations(frames)
	assert.InDelta(t, 0.04, frames[0].Duration, 1e-9)
	// last frame inherits its predecessor's duration
	assert.InDelta(t, 0.04, frames[2].Duration, 1e-9)
}

func TestSplitFraction(t *testing.T) {
	num, den, ok := splitFraction("30000/1001")
	require.True(t, ok)
	assert.InDelta(t, 30000, num, 1e-9)
	assert.InDelta(t, 1001, den, 1e-9)

	num, den, ok = splitFraction("25")
	require.True(t, ok)
	assert.InDelta(t, 25, num, 1e-9)
	assert.InDelta(t, 1, den, 1e-9)
}
