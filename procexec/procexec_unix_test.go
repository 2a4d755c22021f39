//go:build unix

package procexec

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_ExitCodeAndStderr(t *testing.T) {
	requireShell(t)
	res, err := ExecRunner{}.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "echo 'error: No playable streams found' >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Contains(t, res.Stderr, "No playable streams found")
	assert.False(t, res.Interrupted)
	assert.False(t, res.OutputExists)
}

func TestExecRunner_ReportsOutput(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "capture.mp4")
	res, err := ExecRunner{}.Run(context.Background(), Command{
		Path:   "sh",
		Args:   []string{"-c", `printf 'video-bytes' > "$0"`, out},
		Output: out,
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.OutputExists)
	assert.Equal(t, int64(len("video-bytes")), res.OutputSize)
}

func TestExecRunner_StartFailure(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
}

func TestExecRunner_CancelKillsProcessGroup(t *testing.T) {
	requireShell(t)
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		// The background sleep is a grandchild; it must die with the group.
		res, err := ExecRunner{Grace: 2 * time.Second}.Run(ctx, Command{
			Path: "sh",
			Args: []string{"-c", `sleep 30 & echo $! > "$0"; wait`, pidFile},
		})
		assert.NoError(t, err)
		done <- res
	}()

	var childPID int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		childPID, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && childPID > 0
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	cancel()
	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}
	assert.True(t, res.Interrupted)
	assert.False(t, res.Success())
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool { return processGone(childPID) },
		5*time.Second, 50*time.Millisecond, "grandchild %d survived cancellation", childPID)
}

// processGone treats reaped and zombie processes as gone; a zombie has already exited.
func processGone(pid int) bool {
	if syscall.Kill(pid, 0) == syscall.ESRCH {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	return strings.Contains(string(stat), ") Z ")
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}

func TestExecRunner_StdoutToLogWriter(t *testing.T) {
	requireShell(t)
	var buf strings.Builder
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	res, err := ExecRunner{Stdout: LogWriter(log, "sh")}.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "echo stream ready"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Contains(t, buf.String(), "stream ready")
}
