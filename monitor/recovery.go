package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/live-tender/ledger"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/transcode"
)

// RecoveryReport summarizes one startup recovery pass.
type RecoveryReport struct {
	Pending         int
	Transcoded      int
	Failed          int
	Empty           int
	Reconciled      int
	PartialsRemoved int
	// Skipped captures have failed maxAttempts transcodes already and were left for the operator.
	Skipped int
}

// Recover finishes work an earlier run left behind. Partial transcode outputs are removed, raw
// captures whose archive already exists are deleted, and every other non-empty raw capture is
// transcoded exactly once. Empty captures are only reported. Failed transcodes keep their input
// and are not retried within this pass. With maxAttempts > 0, a capture whose ledger row already
// shows that many failed transcodes is skipped.
func Recover(ctx context.Context, layout Layout, archiver Archiver, led Ledger, maxAttempts int, logger *slog.Logger) (RecoveryReport, error) {
	var rep RecoveryReport
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "recovery"), slog.String("channel", layout.Channel))
	led = ledgerOrNop(led)

	partials, err := layout.Partials()
	if err != nil {
		return rep, err
	}
	for _, p := range partials {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove partial transcode", slog.String("path", p), slog.Any("err", err))
			continue
		}
		rep.PartialsRemoved++
	}

	files, err := layout.Scan()
	if err != nil {
		return rep, err
	}
	var pending []RawFile
	for _, f := range files {
		switch f.State {
		case FileEmpty:
			rep.Empty++
			log.Warn("empty raw capture left in place", slog.String("path", f.Path))
		case FileArchived:
			if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to remove already archived capture", slog.String("path", f.Path), slog.Any("err", err))
				continue
			}
			rep.Reconciled++
			log.Info("removed raw capture with existing archive", slog.String("path", f.Path))
		case FilePending:
			pending = append(pending, f)
		}
	}
	rep.Pending = len(pending)
	telemetry.AddRecovered(len(pending))
	if len(pending) > 0 {
		log.Info("recovering pending captures", slog.Int("count", len(pending)))
	}

	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if maxAttempts > 0 {
			if rec, err := led.Get(ctx, f.Path); err == nil &&
				rec.TranscodeState == ledger.TranscodeFailed && rec.TranscodeAttempts >= maxAttempts {
				rep.Skipped++
				log.Warn("transcode keeps failing; skipping until `live-tender recover` is run",
					slog.String("path", f.Path),
					slog.Int("attempts", rec.TranscodeAttempts),
					slog.String("last_error", rec.TranscodeError))
				continue
			}
		}
		job := archiveCapture(ctx, archiver, led, log, ledger.Record{Path: f.Path, Channel: layout.Channel, SizeBytes: f.Size, StartedAt: f.ModTime}, f.ArchivePath)
		if job.Outcome == transcode.Succeeded {
			rep.Transcoded++
		} else {
			rep.Failed++
		}
	}
	if rep.Pending+rep.Reconciled+rep.PartialsRemoved+rep.Empty > 0 {
		log.Info("recovery complete",
			slog.Int("transcoded", rep.Transcoded),
			slog.Int("failed", rep.Failed),
			slog.Int("skipped", rep.Skipped),
			slog.Int("reconciled", rep.Reconciled),
			slog.Int("partials_removed", rep.PartialsRemoved),
			slog.Int("empty", rep.Empty))
	}
	return rep, ctx.Err()
}

// archiveCapture transcodes one raw capture and records the result. It is shared by the control
// loop and recovery so both report transcodes the same way.
func archiveCapture(ctx context.Context, archiver Archiver, led Ledger, log *slog.Logger, rec ledger.Record, out string) transcode.Job {
	ctx, span := telemetry.StartSpan(ctx, "transcode",
		telemetry.ChannelAttr(rec.Channel),
		telemetry.PathAttr("raw", rec.Path),
		telemetry.PathAttr("archive", out))
	defer span.End()

	log.Info("transcode start", slog.String("input", rec.Path), slog.String("output", out))
	job := archiver.Transcode(ctx, rec.Path, out)
	ok := job.Outcome == transcode.Succeeded
	telemetry.ObserveTranscode(job.Outcome.String(), job.Duration)

	switch {
	case ok && job.Err != nil:
		// Archive is in place; only the raw delete failed.
		log.Warn("transcode complete, raw capture not removed",
			slog.String("output", out), slog.Any("err", job.Err))
		telemetry.SetSpanSuccess(span)
	case ok:
		log.Info("transcode complete",
			slog.String("output", out),
			slog.String("input_size", humanize.Bytes(uint64(job.InputSize))),
			slog.String("output_size", humanize.Bytes(uint64(job.OutputSize))),
			slog.Duration("duration", job.Duration))
		telemetry.SetSpanSuccess(span)
	case errors.Is(job.Err, transcode.ErrInterrupted):
		log.Warn("transcode interrupted; raw capture kept for recovery", slog.String("input", rec.Path))
		telemetry.RecordError(span, job.Err)
	default:
		log.Error("transcode failed; raw capture kept", slog.String("input", rec.Path), slog.Any("err", job.Err))
		telemetry.RecordError(span, job.Err)
	}

	// Shutdown should not lose the ledger row for a transcode that just finished.
	lctx := context.WithoutCancel(ctx)
	if err := led.TranscodeFinished(lctx, rec, out, ok, job.Err); err != nil {
		log.Warn("ledger update failed", slog.Any("err", err))
	}
	return job
}
