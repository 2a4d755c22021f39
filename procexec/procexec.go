// Package procexec runs external tools (streamlink, ffmpeg) to completion and reports how they
// ended. Children are started in their own process group so cancelling the context tears down
// the whole tree instead of leaving an orphaned encoder behind.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stderrTailBytes is how much trailing stderr is kept for classification and logs.
const stderrTailBytes = 4096

// Command describes one external process invocation.
type Command struct {
	Path string
	Args []string
	// Output is the file the process is expected to produce. It is only inspected, never created.
	Output string
}

// Result reports how a process ended. A non-zero exit is a Result, not an error.
type Result struct {
	ExitCode     int
	Stderr       string
	Duration     time.Duration
	OutputExists bool
	OutputSize   int64
	// Interrupted is set when the context was cancelled while the process ran.
	Interrupted bool
}

// Success reports a zero exit status.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Grace is how long a cancelled process group gets between SIGTERM and SIGKILL (default 10s).
	Grace time.Duration
	// Stdout receives the child's stdout when set; otherwise it is discarded. See LogWriter.
	Stdout io.Writer
}

// Run starts cmd, waits for it and inspects cmd.Output. The returned error is non-nil only when
// the process could not be started.
func (r ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	grace := r.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return signalGroup(cmd, sigTerm) }
	cmd.WaitDelay = grace
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", c.Path, err)
	}
	waitErr := cmd.Wait()
	res := Result{
		ExitCode:    exitCode(cmd, waitErr),
		Stderr:      tail.String(),
		Duration:    time.Since(start),
		Interrupted: ctx.Err() != nil,
	}
	if res.Interrupted {
		// Reap anything in the group that outlived the leader.
		_ = signalGroup(cmd, sigKill)
	}
	res.OutputExists, res.OutputSize = statOutput(c.Output)
	return res, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	// Wait can fail after a clean exit (cancelled context, stderr held open past WaitDelay);
	// the process state still holds the real status.
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func statOutput(path string) (bool, int64) {
	if path == "" {
		return false, 0
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false, 0
	}
	return true, fi.Size()
}

// LogWriter returns a writer that logs each complete line at debug level under the given tool
// name. A trailing partial line is held until the next newline.
func LogWriter(log *slog.Logger, tool string) io.Writer {
	return &lineLogger{log: log.With(slog.String("tool", tool))}
}

type lineLogger struct {
	mu   sync.Mutex
	log  *slog.Logger
	rest []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rest = append(l.rest, p...)
	for {
		i := bytes.IndexByte(l.rest, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.rest[:i])); line != "" {
			l.log.Debug(line)
		}
		l.rest = l.rest[i+1:]
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
