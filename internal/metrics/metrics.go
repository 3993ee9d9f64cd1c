// Package metrics exposes Prometheus instrumentation for the call and
// upload subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors. A nil *Metrics disables instrumentation;
// all methods are nil-safe.
type Metrics struct {
	callsStarted *prometheus.CounterVec
	callsClosed  *prometheus.CounterVec
	activeCalls  prometheus.Gauge

	uploads     *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer for
// the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tinmedia_calls_started_total",
			Help: "Calls initiated or received, by direction.",
		}, []string{"direction"}),
		callsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tinmedia_calls_closed_total",
			Help: "Calls closed, by reason.",
		}, []string{"reason"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinmedia_active_calls",
			Help: "Calls currently in a non-closed state.",
		}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tinmedia_uploads_total",
			Help: "Attachment upload jobs by terminal result.",
		}, []string{"result"}),
		uploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "tinmedia_upload_bytes_total",
			Help: "Bytes shipped through the out-of-band upload transport.",
		}),
	}
}

func (m *Metrics) CallStarted(direction string) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(direction).Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) CallClosed(reason string) {
	if m == nil {
		return
	}
	m.callsClosed.WithLabelValues(reason).Inc()
	m.activeCalls.Dec()
}

func (m *Metrics) UploadDone(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) UploadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.Add(float64(n))
}
