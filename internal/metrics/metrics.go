// Package metrics exposes prometheus collectors for the key lifecycle. A nil
// *Metrics is valid and records nothing, so components can take it optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	transitions      *prometheus.CounterVec
	verifyDecisions  *prometheus.CounterVec
	pushResults      *prometheus.CounterVec
	artifactBuilds   *prometheus.CounterVec
	artifactDuration *prometheus.HistogramVec
	expired          prometheus.Counter
	taskFailures     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(reg)
	m.gatherer = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_lifecycle_events_total",
			Help: "Committed key lifecycle transitions by event type.",
		}, []string{"event"}),
		verifyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_verify_decisions_total",
			Help: "Access verification decisions by result and reason.",
		}, []string{"result", "reason"}),
		pushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_push_results_total",
			Help: "Per-device push outcomes.",
		}, []string{"ecosystem", "result"}), // result: sent|failed|gone
		artifactBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_artifact_builds_total",
			Help: "Signed pass builds by ecosystem and result.",
		}, []string{"ecosystem", "result"}),
		artifactDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotelkey_artifact_build_duration_seconds",
			Help:    "Time to assemble, sign and publish a pass.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"ecosystem"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotelkey_keys_expired_total",
			Help: "Keys moved to expired by the sweep.",
		}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_task_failures_total",
			Help: "Background tasks that returned an error.",
		}, []string{"task"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotelkey_http_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.transitions, m.verifyDecisions, m.pushResults, m.artifactBuilds,
		m.artifactDuration, m.expired, m.taskFailures, m.httpRequests)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

func (m *Metrics) Verify(granted bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.verifyDecisions.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) Push(ecosystem, result string) {
	if m == nil {
		return
	}
	m.pushResults.WithLabelValues(ecosystem, result).Inc()
}

func (m *Metrics) Artifact(ecosystem string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.artifactBuilds.WithLabelValues(ecosystem, result).Inc()
	m.artifactDuration.WithLabelValues(ecosystem).Observe(took.Seconds())
}

func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) TaskFailed(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
}
