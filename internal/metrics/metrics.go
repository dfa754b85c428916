package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results used as the "result" label.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultRejected  = "rejected" // empty or missing file, never sent
	ResultCancelled = "cancelled"
)

// UploadMetrics records upload outcomes and the size of the backlog.
// A nil *UploadMetrics is valid and records nothing.
type UploadMetrics struct {
	uploads  *prometheus.CounterVec
	duration prometheus.Histogram
	backlog  prometheus.Gauge
}

// NewUploadMetrics registers the upload metrics on reg.
func NewUploadMetrics(reg prometheus.Registerer) *UploadMetrics {
	if reg == nil {
		return &UploadMetrics{}
	}
	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sud_uploads_total",
		Help: "Upload attempts by result.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sud_upload_duration_seconds",
		Help:    "Duration of transport uploads in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sud_backlog_size",
		Help: "Recordings waiting for upload at the last backlog run.",
	})
	reg.MustRegister(uploads, duration, backlog)
	return &UploadMetrics{uploads: uploads, duration: duration, backlog: backlog}
}

// ObserveUpload counts one attempt. Duration is only recorded for attempts
// that reached the transport.
func (m *UploadMetrics) ObserveUpload(result string, d time.Duration) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.WithLabelValues(normalizeLabel(result)).Inc()
	if d > 0 {
		m.duration.Observe(d.Seconds())
	}
}

func (m *UploadMetrics) SetBacklog(n int) {
	if m == nil || m.backlog == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// Serve exposes reg on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
