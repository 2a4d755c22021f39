// Package capture records a live broadcast to a local file by running streamlink and waiting
// for it to exit. It never retries: a failed session ends and the monitor polls again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/live-tender/procexec"
)

// Outcome is the terminal state of one capture attempt.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	NoFileProduced
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case NoFileProduced:
		return "no_file"
	default:
		return "unknown"
	}
}

// ErrNoFileProduced marks a capture whose process failed before writing any data.
var ErrNoFileProduced = errors.New("capture produced no file")

// ProcessError describes a streamlink run that exited unsuccessfully.
type ProcessError struct {
	ExitCode int
	Class    FailureClass
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("streamlink exited with code %d (%s)", e.ExitCode, e.Class)
}

// Job is one capture attempt and how it ended.
type Job struct {
	Channel   string
	Path      string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Size      int64
	ExitCode  int
	// Interrupted is set when shutdown stopped the capture.
	Interrupted bool
	Err         error
}

// Capturer runs streamlink for one channel.
type Capturer struct {
	Runner  procexec.Runner
	Binary  string
	Quality string
	// ExtraArgs are inserted before the stream URL.
	ExtraArgs []string
	// URLBase prefixes the channel login (default "twitch.tv/").
	URLBase string
	Now     func() time.Time
}

// Args builds the streamlink argument list for channel into dest.
func (c *Capturer) Args(channel, dest string) []string {
	quality := c.Quality
	if quality == "" {
		quality = "best"
	}
	base := c.URLBase
	if base == "" {
		base = "twitch.tv/"
	}
	args := []string{"--twitch-disable-ads"}
	args = append(args, c.ExtraArgs...)
	return append(args, base+channel, quality, "-o", dest)
}

// Capture blocks until streamlink exits, then classifies the result from the exit status and
// the destination file. A non-empty file is always kept as Succeeded, even after a failure or
// interruption, so no recorded data is thrown away.
func (c *Capturer) Capture(ctx context.Context, channel, dest string) Job {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	binary := c.Binary
	if binary == "" {
		binary = "streamlink"
	}
	job := Job{Channel: channel, Path: dest, StartedAt: now()}

	res, err := c.Runner.Run(ctx, procexec.Command{Path: binary, Args: c.Args(channel, dest), Output: dest})
	job.Duration = res.Duration
	job.ExitCode = res.ExitCode
	job.Interrupted = res.Interrupted
	if err != nil {
		job.Outcome = Failed
		job.Err = fmt.Errorf("run streamlink: %w", err)
		return job
	}

	if res.OutputExists && res.OutputSize > 0 {
		job.Outcome = Succeeded
		job.Size = res.OutputSize
		return job
	}

	if res.OutputExists {
		// Zero-byte leftovers would otherwise show up as pending archive work.
		_ = os.Remove(dest)
	}
	if !res.Success() {
		job.Outcome = NoFileProduced
		pe := &ProcessError{ExitCode: res.ExitCode, Class: ClassifyFailure(res.Stderr), Stderr: res.Stderr}
		job.Err = fmt.Errorf("%w: %w", ErrNoFileProduced, pe)
		return job
	}
	job.Outcome = Failed
	job.Err = errors.New("streamlink exited cleanly without writing output")
	return job
}
