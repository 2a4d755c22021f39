// Package monitor is the control loop for one channel: poll the channel status, refresh the
// access token when the platform rejects it, record while the channel is live and archive each
// finished capture. The loop is strictly sequential; nothing else runs while it records or
// transcodes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/ledger"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/transcode"
	"github.com/onnwee/live-tender/twitchapi"
)

// State is the control loop state.
type State int

const (
	Polling State = iota
	Recording
	Transcoding
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Recording:
		return "recording"
	case Transcoding:
		return "transcoding"
	default:
		return "unknown"
	}
}

// TokenFetcher obtains a fresh app access token. It performs one request and never retries.
type TokenFetcher interface {
	Fetch(ctx context.Context) (twitchapi.AccessToken, error)
}

// Prober reports the live status of a channel.
type Prober interface {
	Probe(ctx context.Context, token, login string) twitchapi.ChannelStatus
}

// Capturer records a live channel until the broadcast ends.
type Capturer interface {
	Capture(ctx context.Context, channel, dest string) capture.Job
}

// Archiver transcodes a finished capture and removes it on success.
type Archiver interface {
	Transcode(ctx context.Context, in, out string) transcode.Job
}

// Ledger records capture history. Errors are logged and never stop the loop.
type Ledger interface {
	CaptureStarted(ctx context.Context, r ledger.Record) error
	CaptureFinished(ctx context.Context, path, state string, size int64, cause error) error
	TranscodeFinished(ctx context.Context, r ledger.Record, archivePath string, ok bool, cause error) error
	Get(ctx context.Context, path string) (ledger.Record, error)
}

type nopLedger struct{}

func (nopLedger) CaptureStarted(context.Context, ledger.Record) error { return nil }
func (nopLedger) CaptureFinished(context.Context, string, string, int64, error) error {
	return nil
}
func (nopLedger) TranscodeFinished(context.Context, ledger.Record, string, bool, error) error {
	return nil
}
func (nopLedger) Get(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, ledger.ErrNotFound
}

func ledgerOrNop(l Ledger) Ledger {
	if l == nil {
		return nopLedger{}
	}
	return l
}

// Config holds loop settings. Now and Sleep are replaceable for tests.
type Config struct {
	Layout       Layout
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// MaxAuthFailures consecutive Unauthorized probes switch the loop from an immediate re-probe
	// to the error backoff.
	MaxAuthFailures int
	// MaxTranscodeAttempts stops startup recovery from retrying a capture whose ledger row shows
	// that many failed transcodes. Zero retries forever.
	MaxTranscodeAttempts int
	Logger               *slog.Logger
	Now             func() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Tokens   TokenFetcher
	Prober   Prober
	Capturer Capturer
	Archiver Archiver
	// Ledger is optional.
	Ledger Ledger
}

// Status is a point-in-time snapshot of the loop for /status.
type Status struct {
	Channel        string    `json:"channel"`
	State          string    `json:"state"`
	LastProbe      string    `json:"last_probe,omitempty"`
	LastProbeAt    time.Time `json:"last_probe_at,omitempty"`
	LastProbeError string    `json:"last_probe_error,omitempty"`
	AuthFailures   int       `json:"consecutive_auth_failures"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
	CurrentCapture string    `json:"current_capture,omitempty"`
	StreamTitle    string    `json:"stream_title,omitempty"`
	LastCapture    string    `json:"last_capture,omitempty"`
	LastOutcome    string    `json:"last_capture_outcome,omitempty"`
	PendingArchive []string  `json:"pending_archive"`
	Recovered      bool      `json:"recovered"`
}

// Monitor runs the control loop for one channel.
type Monitor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	// token and authFailures are owned by the loop goroutine.
	token        twitchapi.AccessToken
	authFailures int

	mu     sync.RWMutex
	status Status
}

// New validates cfg and deps and applies defaults.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if cfg.Layout.Channel == "" || cfg.Layout.Base == "" {
		return nil, errors.New("monitor: layout needs a base path and a channel")
	}
	if deps.Tokens == nil || deps.Prober == nil || deps.Capturer == nil || deps.Archiver == nil {
		return nil, errors.New("monitor: tokens, prober, capturer and archiver are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 60 * time.Second
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	deps.Ledger = ledgerOrNop(deps.Ledger)
	m := &Monitor{
		cfg:  cfg,
		deps: deps,
		log:  cfg.Logger.With(slog.String("component", "monitor"), slog.String("channel", cfg.Layout.Channel)),
	}
	m.status = Status{Channel: cfg.Layout.Channel, State: Polling.String(), PendingArchive: []string{}}
	return m, nil
}

// Run prepares the directory layout, recovers pending work once and then loops until ctx is
// cancelled. It only returns ctx.Err() or a startup error.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.cfg.Layout.Ensure(); err != nil {
		return err
	}
	m.log.Info("monitor starting",
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("error_backoff", m.cfg.ErrorBackoff))

	if _, err := Recover(ctx, m.cfg.Layout, m.deps.Archiver, m.deps.Ledger, m.cfg.MaxTranscodeAttempts, m.cfg.Logger); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A scan failure is not fatal: the loop can still record.
		m.log.Error("recovery failed", slog.Any("err", err))
	}
	m.mu.Lock()
	m.status.Recovered = true
	m.mu.Unlock()
	m.refreshPending()

	for {
		if err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one Polling iteration: optional token refresh, one probe and the reaction to it,
// including any capture, transcode and sleep it triggers. It returns non-nil only when ctx is
// done.
func (m *Monitor) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setState(Polling, "", "")

	if !m.token.Valid(m.cfg.Now()) {
		if err := m.refreshToken(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.cfg.Sleep(ctx, m.cfg.PollInterval)
		}
	}

	st := m.probe(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	switch st.Kind {
	case twitchapi.StatusOffline:
		m.authFailures = 0
		m.setAuthFailures(0)
		m.log.Debug("channel offline")
		return m.cfg.Sleep(ctx, m.cfg.PollInterval)

	case twitchapi.StatusTransientError:
		// An answer that is not a 401 breaks the run of consecutive rejections.
		m.authFailures = 0
		m.setAuthFailures(0)
		m.log.Warn("status probe failed; backing off",
			slog.Duration("backoff", m.cfg.ErrorBackoff), slog.Any("err", st.Err))
		return m.cfg.Sleep(ctx, m.cfg.ErrorBackoff)

	case twitchapi.StatusUnauthorized:
		m.authFailures++
		m.setAuthFailures(m.authFailures)
		// The platform no longer accepts this token; a failed refresh must not reuse it.
		m.token = twitchapi.AccessToken{}
		m.log.Warn("status probe unauthorized; refreshing token", slog.Int("consecutive", m.authFailures))
		if err := m.refreshToken(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.cfg.Sleep(ctx, m.cfg.PollInterval)
		}
		if m.authFailures >= m.cfg.MaxAuthFailures {
			m.log.Error("token keeps being rejected; backing off",
				slog.Int("consecutive", m.authFailures), slog.Duration("backoff", m.cfg.ErrorBackoff))
			return m.cfg.Sleep(ctx, m.cfg.ErrorBackoff)
		}
		return nil

	case twitchapi.StatusOnline:
		m.authFailures = 0
		m.setAuthFailures(0)
		return m.record(ctx, st.Stream)
	}
	return m.cfg.Sleep(ctx, m.cfg.ErrorBackoff)
}

func (m *Monitor) refreshToken(ctx context.Context) error {
	tok, err := m.deps.Tokens.Fetch(ctx)
	telemetry.IncTokenFetch(err)
	if err != nil {
		m.log.Error("token fetch failed; retrying next poll cycle", slog.Any("err", err))
		return err
	}
	m.token = tok
	m.mu.Lock()
	m.status.TokenExpiresAt = tok.ExpiresAt
	m.mu.Unlock()
	m.log.Info("access token refreshed", slog.String("token", tok.Masked()), slog.Time("expires_at", tok.ExpiresAt))
	return nil
}

func (m *Monitor) probe(ctx context.Context) twitchapi.ChannelStatus {
	ctx, span := telemetry.StartSpan(ctx, "probe", telemetry.ChannelAttr(m.cfg.Layout.Channel))
	defer span.End()

	st := m.deps.Prober.Probe(ctx, m.token.Value, m.cfg.Layout.Channel)
	telemetry.IncProbe(st.Kind.String())
	if st.Err != nil {
		telemetry.RecordError(span, st.Err)
	} else {
		telemetry.SetSpanSuccess(span)
	}

	m.mu.Lock()
	m.status.LastProbe = st.Kind.String()
	m.status.LastProbeAt = m.cfg.Now()
	m.status.LastProbeError = ""
	if st.Err != nil {
		m.status.LastProbeError = st.Err.Error()
	}
	m.mu.Unlock()
	return st
}

// record runs Recording and, for a successful capture, Transcoding.
func (m *Monitor) record(ctx context.Context, stream *twitchapi.Stream) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx, m.log)

	dest, err := m.cfg.Layout.CapturePath(m.cfg.Now())
	if err != nil {
		log.Error("cannot name capture file", slog.Any("err", err))
		return m.cfg.Sleep(ctx, m.cfg.ErrorBackoff)
	}
	rec := ledger.Record{Path: dest, Channel: m.cfg.Layout.Channel, StartedAt: m.cfg.Now()}
	if stream != nil {
		rec.StreamID, rec.Title = stream.ID, stream.Title
	}
	m.setState(Recording, dest, rec.Title)
	if err := m.deps.Ledger.CaptureStarted(ctx, rec); err != nil {
		log.Warn("ledger update failed", slog.Any("err", err))
	}
	log.Info("channel live; capture start", slog.String("path", dest), slog.String("title", rec.Title))

	job := m.runCapture(ctx, dest)
	m.finishCapture(ctx, log, job)

	if job.Outcome != capture.Succeeded {
		m.setState(Polling, "", "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.cfg.Sleep(ctx, m.cfg.PollInterval)
	}
	if ctx.Err() != nil {
		log.Info("shutdown during capture; raw file kept for recovery", slog.String("path", dest))
		m.setState(Polling, "", "")
		m.refreshPending()
		return ctx.Err()
	}

	m.setState(Transcoding, dest, rec.Title)
	rec.SizeBytes = job.Size
	archiveCapture(ctx, m.deps.Archiver, m.deps.Ledger, log, rec, m.cfg.Layout.ArchivePath(dest))
	m.setState(Polling, "", "")
	m.refreshPending()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return m.cfg.Sleep(ctx, m.cfg.PollInterval)
}

func (m *Monitor) runCapture(ctx context.Context, dest string) capture.Job {
	ctx, span := telemetry.StartSpan(ctx, "capture",
		telemetry.ChannelAttr(m.cfg.Layout.Channel),
		telemetry.PathAttr("raw", dest))
	defer span.End()

	job := m.deps.Capturer.Capture(ctx, m.cfg.Layout.Channel, dest)
	if job.Outcome == capture.Succeeded {
		telemetry.SetSpanSuccess(span)
	} else {
		telemetry.RecordError(span, job.Err)
	}
	return job
}

func (m *Monitor) finishCapture(ctx context.Context, log *slog.Logger, job capture.Job) {
	telemetry.ObserveCapture(job.Outcome.String(), job.Duration, job.Size)

	switch job.Outcome {
	case capture.Succeeded:
		log.Info("capture complete",
			slog.String("path", job.Path),
			slog.String("size", humanize.Bytes(uint64(job.Size))),
			slog.Duration("duration", job.Duration),
			slog.Int("exit_code", job.ExitCode),
			slog.Bool("interrupted", job.Interrupted))
	case capture.NoFileProduced:
		attrs := []any{slog.Int("exit_code", job.ExitCode), slog.Any("err", job.Err)}
		var pe *capture.ProcessError
		if errors.As(job.Err, &pe) {
			attrs = append(attrs, slog.String("class", pe.Class.String()))
		}
		log.Warn("capture produced no file", attrs...)
	default:
		log.Error("capture failed", slog.Int("exit_code", job.ExitCode), slog.Any("err", job.Err))
	}

	m.mu.Lock()
	m.status.LastCapture = job.Path
	m.status.LastOutcome = job.Outcome.String()
	m.mu.Unlock()

	lctx := context.WithoutCancel(ctx)
	if err := m.deps.Ledger.CaptureFinished(lctx, job.Path, job.Outcome.String(), job.Size, job.Err); err != nil {
		log.Warn("ledger update failed", slog.Any("err", err))
	}
}

// Status returns a snapshot for reporting.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.PendingArchive = append([]string(nil), m.status.PendingArchive...)
	return s
}

func (m *Monitor) setState(s State, current, title string) {
	telemetry.SetMonitorState(s.String())
	m.mu.Lock()
	m.status.State = s.String()
	m.status.CurrentCapture = current
	m.status.StreamTitle = title
	m.mu.Unlock()
}

func (m *Monitor) setAuthFailures(n int) {
	m.mu.Lock()
	m.status.AuthFailures = n
	m.mu.Unlock()
}

// refreshPending rescans the raw tree so pending archive work stays observable.
func (m *Monitor) refreshPending() {
	files, err := m.cfg.Layout.Pending()
	if err != nil {
		m.log.Warn("pending scan failed", slog.Any("err", err))
		return
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	telemetry.SetArchivePending(len(paths))
	m.mu.Lock()
	m.status.PendingArchive = paths
	m.mu.Unlock()
	if len(paths) > 0 {
		m.log.Warn("archival pending", slog.Int("count", len(paths)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String renders a one-line summary for logs and the CLI.
func (s Status) String() string {
	return fmt.Sprintf("%s: %s (pending archive: %d)", s.Channel, s.State, len(s.PendingArchive))
}
