// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor states exported on the live_monitor_state gauge.
var monitorStates = []string{"polling", "recording", "transcoding"}

var (
	once sync.Once

	// Counters
	ProbesTotal     *prometheus.CounterVec // result=offline|online|unauthorized|transient_error
	TokenFetches    *prometheus.CounterVec // result=success|error
	CapturesTotal   *prometheus.CounterVec // outcome=succeeded|failed|no_file
	TranscodesTotal *prometheus.CounterVec // outcome=succeeded|failed
	RecoveredFiles  prometheus.Counter
	CaptureBytes    prometheus.Counter

	// Histograms (seconds)
	CaptureDuration   prometheus.Observer
	TranscodeDuration prometheus.Observer

	// Gauges
	MonitorState   *prometheus.GaugeVec // 1 for the current state, 0 otherwise
	ArchivePending prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_probes_total", Help: "Channel status probes by result"}, []string{"result"})
		TokenFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_token_fetches_total", Help: "App access token fetches by result"}, []string{"result"})
		CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_captures_total", Help: "Finished captures by outcome"}, []string{"outcome"})
		TranscodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_transcodes_total", Help: "Finished transcodes by outcome"}, []string{"outcome"})
		RecoveredFiles = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recovered_files_total", Help: "Raw captures found pending at startup"})
		CaptureBytes = promauto.NewCounter(prometheus.CounterOpts{Name: "live_capture_bytes_total", Help: "Bytes written by successful captures"})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "live_capture_duration_seconds",
			Help:    "Capture duration seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 43200},
		})
		TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "live_transcode_duration_seconds",
			Help:    "Transcode duration seconds",
			Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600, 7200},
		})
		MonitorState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "live_monitor_state", Help: "Current control loop state (1=active)"}, []string{"state"})
		ArchivePending = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_archive_pending", Help: "Raw captures waiting to be transcoded"})
	})
}

// IncProbe counts one probe result.
func IncProbe(result string) {
	if ProbesTotal != nil {
		ProbesTotal.WithLabelValues(result).Inc()
	}
}

// IncTokenFetch counts a token fetch; a nil err is a success.
func IncTokenFetch(err error) {
	if TokenFetches == nil {
		return
	}
	if err != nil {
		TokenFetches.WithLabelValues("error").Inc()
		return
	}
	TokenFetches.WithLabelValues("success").Inc()
}

// ObserveCapture records a finished capture.
func ObserveCapture(outcome string, d time.Duration, size int64) {
	if CapturesTotal != nil {
		CapturesTotal.WithLabelValues(outcome).Inc()
	}
	if CaptureDuration != nil {
		CaptureDuration.Observe(d.Seconds())
	}
	if CaptureBytes != nil && size > 0 {
		CaptureBytes.Add(float64(size))
	}
}

// ObserveTranscode records a finished transcode.
func ObserveTranscode(outcome string, d time.Duration) {
	if TranscodesTotal != nil {
		TranscodesTotal.WithLabelValues(outcome).Inc()
	}
	if TranscodeDuration != nil {
		TranscodeDuration.Observe(d.Seconds())
	}
}

// SetMonitorState marks state as the only active one.
func SetMonitorState(state string) {
	if MonitorState == nil {
		return
	}
	for _, s := range monitorStates {
		if s == state {
			MonitorState.WithLabelValues(s).Set(1)
		} else {
			MonitorState.WithLabelValues(s).Set(0)
		}
	}
}

// SetArchivePending records how many raw captures wait for transcoding.
func SetArchivePending(n int) {
	if ArchivePending != nil {
		ArchivePending.Set(float64(n))
	}
}

// AddRecovered counts raw captures discovered at startup.
func AddRecovered(n int) {
	if RecoveredFiles != nil && n > 0 {
		RecoveredFiles.Add(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
