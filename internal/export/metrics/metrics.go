package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the export module. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Creation attempts by result: "accepted", "quota_exceeded", "invalid", "error"
	Requests *prometheus.CounterVec

	// Pipeline runs by outcome: "completed", "failed", "skipped", "cancelled"
	Jobs *prometheus.CounterVec

	JobDuration prometheus.Histogram

	// Download attempts by result: "ok", "expired", "not_completed", "limit_reached", "not_found"
	Downloads *prometheus.CounterVec

	// Sweep actions by kind: "stuck", "expired"
	Swept *prometheus.CounterVec
}

// New registers every export metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataport_export_requests_total",
			Help: "Export creation attempts by result",
		}, []string{"result"}),

		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataport_export_jobs_total",
			Help: "Export pipeline runs by outcome",
		}, []string{"outcome"}),

		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dataport_export_job_duration_seconds",
			Help:    "Duration of one export pipeline run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataport_export_downloads_total",
			Help: "Artifact download attempts by result",
		}, []string{"result"}),

		Swept: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataport_export_swept_total",
			Help: "Requests changed by the periodic sweeps",
		}, []string{"kind"}),
	}
}

// IncRequest records a creation attempt.
func (m *Metrics) IncRequest(result string) {
	if m != nil {
		m.Requests.WithLabelValues(result).Inc()
	}
}

// ObserveJob records a pipeline outcome and its duration.
func (m *Metrics) ObserveJob(outcome string, d time.Duration) {
	if m != nil {
		m.Jobs.WithLabelValues(outcome).Inc()
		m.JobDuration.Observe(d.Seconds())
	}
}

// IncDownload records a download attempt.
func (m *Metrics) IncDownload(result string) {
	if m != nil {
		m.Downloads.WithLabelValues(result).Inc()
	}
}

// AddSwept records n requests changed by a sweep.
func (m *Metrics) AddSwept(kind string, n int) {
	if m != nil && n > 0 {
		m.Swept.WithLabelValues(kind).Add(float64(n))
	}
}
