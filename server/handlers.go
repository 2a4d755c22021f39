package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/onnwee/live-tender/ledger"
	"github.com/onnwee/live-tender/monitor"
)

// StatusSource reports the control loop state.
type StatusSource interface {
	Status() monitor.Status
}

// History is the capture ledger as seen by the HTTP layer.
type History interface {
	Ping(ctx context.Context) error
	Recent(ctx context.Context, channel string, limit int) ([]ledger.Record, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	status  StatusSource
	history History
	layout  monitor.Layout
}

// NewHandlers wires the handlers. history may be nil when no ledger is configured.
func NewHandlers(status StatusSource, history History, layout monitor.Layout) *Handlers {
	return &Handlers{status: status, history: history, layout: layout}
}

// HandleHealthz is the liveness probe: the process is up and serving.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"storage", func() error {
			for _, dir := range []string{h.layout.RecordedDir(), h.layout.ProcessedDir()} {
				fi, err := os.Stat(dir)
				if err != nil {
					return err
				}
				if !fi.IsDir() {
					return fmt.Errorf("%s is not a directory", dir)
				}
			}
			return nil
		}},
		{"recovery", func() error {
			if h.status != nil && !h.status.Status().Recovered {
				return errors.New("startup recovery still running")
			}
			return nil
		}},
		{"ledger", func() error {
			if h.history == nil {
				return nil
			}
			return h.history.Ping(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the control loop snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.Error(w, "monitor not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

type captureView struct {
	Path              string `json:"path"`
	StreamID          string `json:"stream_id,omitempty"`
	Title             string `json:"title,omitempty"`
	StartedAt         string `json:"started_at"`
	EndedAt           string `json:"ended_at,omitempty"`
	CaptureState      string `json:"capture_state"`
	CaptureError      string `json:"capture_error,omitempty"`
	SizeBytes         int64  `json:"size_bytes"`
	ArchivePath       string `json:"archive_path,omitempty"`
	TranscodeState    string `json:"transcode_state,omitempty"`
	TranscodeError    string `json:"transcode_error,omitempty"`
	TranscodeAttempts int    `json:"transcode_attempts"`
}

// HandleCaptures lists recent ledger rows for the monitored channel (?limit=N, max 200).
func (h *Handlers) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "ledger not configured", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}
	recs, err := h.history.Recent(r.Context(), h.layout.Channel, limit)
	if err != nil {
		http.Error(w, "ledger query failed", http.StatusInternalServerError)
		return
	}
	out := make([]captureView, 0, len(recs))
	for _, rec := range recs {
		v := captureView{
			Path:              rec.Path,
			StreamID:          rec.StreamID,
			Title:             rec.Title,
			StartedAt:         rec.StartedAt.Format(timeFormat),
			CaptureState:      rec.CaptureState,
			CaptureError:      rec.CaptureError,
			SizeBytes:         rec.SizeBytes,
			ArchivePath:       rec.ArchivePath,
			TranscodeState:    rec.TranscodeState,
			TranscodeError:    rec.TranscodeError,
			TranscodeAttempts: rec.TranscodeAttempts,
		}
		if !rec.EndedAt.IsZero() {
			v.EndedAt = rec.EndedAt.Format(timeFormat)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": h.layout.Channel, "captures": out})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
