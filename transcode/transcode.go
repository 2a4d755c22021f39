// Package transcode re-encodes raw captures into small archival MP4s with ffmpeg. Output is
// written to a partial file and renamed into place, and the raw input is only removed after
// the rename succeeded, so a crash at any point leaves either the input or the finished archive.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/live-tender/procexec"
)

// Outcome is the terminal state of one transcode.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Succeeded {
		return "succeeded"
	}
	return "failed"
}

var (
	// ErrInputMissing is returned when the raw capture is absent or empty.
	ErrInputMissing = errors.New("transcode input missing or empty")
	// ErrOutputMissing is returned when ffmpeg exited cleanly but left no usable output.
	ErrOutputMissing = errors.New("transcode output missing or empty")
	// ErrInterrupted is returned when shutdown stopped ffmpeg.
	ErrInterrupted = errors.New("transcode interrupted")
)

// ProcessError describes an ffmpeg run that exited unsuccessfully.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// Profile is the archival encoding target.
type Profile struct {
	Height       int
	CRF          int
	Preset       string
	AudioBitrate string
}

// DefaultProfile is 480p H.264 CRF 30 with 64k AAC.
func DefaultProfile() Profile {
	return Profile{Height: 480, CRF: 30, Preset: "veryfast", AudioBitrate: "64k"}
}

// Job is one transcode attempt.
type Job struct {
	Input      string
	Output     string
	Outcome    Outcome
	InputSize  int64
	OutputSize int64
	Duration   time.Duration
	Err        error
}

// Transcoder runs ffmpeg with a fixed Profile.
type Transcoder struct {
	Runner  procexec.Runner
	Binary  string
	Profile Profile
}

// Args builds the ffmpeg argument list reading in and writing out.
func (t *Transcoder) Args(in, out string) []string {
	p := t.profile()
	return []string{
		"-y",
		"-i", in,
		"-vf", "scale=-2:" + strconv.Itoa(p.Height),
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-profile:v", "high",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
		out,
	}
}

func (t *Transcoder) profile() Profile {
	p := t.Profile
	def := DefaultProfile()
	if p.Height <= 0 {
		p.Height = def.Height
	}
	if p.CRF <= 0 {
		p.CRF = def.CRF
	}
	if p.Preset == "" {
		p.Preset = def.Preset
	}
	if p.AudioBitrate == "" {
		p.AudioBitrate = def.AudioBitrate
	}
	return p
}

// PartialPath is where ffmpeg writes before the output is renamed into place.
func PartialPath(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".partial.mp4"
}

// Transcode encodes in to out and removes in on success. On any failure the input is left
// untouched and no partial output remains.
func (t *Transcoder) Transcode(ctx context.Context, in, out string) (job Job) {
	job = Job{Input: in, Output: out, Outcome: Failed}
	start := time.Now()
	defer func() { job.Duration = time.Since(start) }()

	fi, err := os.Stat(in)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
		job.Err = fmt.Errorf("%w: %s", ErrInputMissing, in)
		return job
	}
	job.InputSize = fi.Size()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		job.Err = fmt.Errorf("create archive dir: %w", err)
		return job
	}
	partial := PartialPath(out)
	_ = os.Remove(partial)

	binary := t.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	res, err := t.Runner.Run(ctx, procexec.Command{Path: binary, Args: t.Args(in, partial), Output: partial})
	switch {
	case err != nil:
		job.Err = fmt.Errorf("run ffmpeg: %w", err)
	case res.Interrupted:
		job.Err = ErrInterrupted
	case !res.Success():
		job.Err = &ProcessError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	case !res.OutputExists || res.OutputSize == 0:
		job.Err = ErrOutputMissing
	}
	if job.Err != nil {
		_ = os.Remove(partial)
		return job
	}

	if err := os.Rename(partial, out); err != nil {
		_ = os.Remove(partial)
		job.Err = fmt.Errorf("finalize archive: %w", err)
		return job
	}
	job.Outcome = Succeeded
	job.OutputSize = res.OutputSize
	if err := os.Remove(in); err != nil && !errors.Is(err, os.ErrNotExist) {
		// The archive is complete; a leftover input is reconciled on the next start.
		job.Err = fmt.Errorf("remove raw capture: %w", err)
	}
	return job
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
