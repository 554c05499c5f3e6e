package subprocess

import (
	"context"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	return cmd
}

func TestTrackAndForSession(t *testing.T) {
	r := NewRegistry()
	cmd := startSleeper(t)
	defer cmd.Process.Kill() //nolint:errcheck

	tracked := r.Track(42, cmd)
	require.Equal(t, cmd.Process.Pid, tracked.PID)

	found, ok := r.ForSession(42)
	require.True(t, ok)
	require.Same(t, tracked, found)
}

func TestUntrackRemovesBothIndexes(t *testing.T) {
	r := NewRegistry()
	cmd := startSleeper(t)
	defer cmd.Process.Kill() //nolint:errcheck

	tracked := r.Track(1, cmd)
	r.Untrack(tracked)

	_, ok := r.ForSession(1)
	require.False(t, ok)
	require.Empty(t, r.All())
}

func TestEnsureProcessExitKillsAfterBound(t *testing.T) {
	cmd := startSleeper(t)
	r := NewRegistry()
	tracked := r.Track(1, cmd)

	err := EnsureProcessExit(context.Background(), tracked, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, IsAlive(tracked.PID))
}

func TestOrphanReaperKillsUntrackedSessionProcess(t *testing.T) {
	r := NewRegistry()
	cmd := startSleeper(t)
	tracked := r.Track(99, cmd)

	reaper := NewOrphanReaper(r, func(int64) bool { return false }, slog.Default())
	reaper.sweep(context.Background())

	require.False(t, IsAlive(tracked.PID))
	_, ok := r.ForSession(99)
	require.False(t, ok)
}

func TestOrphanReaperSkipsActiveSession(t *testing.T) {
	r := NewRegistry()
	cmd := startSleeper(t)
	defer cmd.Process.Kill() //nolint:errcheck
	tracked := r.Track(7, cmd)

	reaper := NewOrphanReaper(r, func(id int64) bool { return id == 7 }, slog.Default())
	reaper.sweep(context.Background())

	_, ok := r.ForSession(7)
	require.True(t, ok)
	require.True(t, IsAlive(tracked.PID))
}
