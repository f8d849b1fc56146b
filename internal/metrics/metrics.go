// Package metrics exposes Prometheus collectors for interviews and the HTTP
// API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interview records interview lifecycle events. A nil *Interview is a no-op.
type Interview struct {
	started   prometheus.Counter
	rejected  prometheus.Counter
	failed    *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  prometheus.Histogram
	questions prometheus.Histogram
	steering  *prometheus.CounterVec
}

func NewInterview(reg prometheus.Registerer) *Interview {
	f := promauto.With(reg)
	return &Interview{
		started: f.NewCounter(prometheus.CounterOpts{
			Name: "interviews_started_total",
			Help: "Interviews that reached the active state.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "interviews_rejected_total",
			Help: "Interview starts refused by the entitlement gate.",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_start_failures_total",
			Help: "Interview starts that failed, by error kind.",
		}, []string{"kind"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interviews_finished_total",
			Help: "Finished interviews, by end reason.",
		}, []string{"reason"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "interview_duration_seconds",
			Help:    "Active interview time excluding pauses.",
			Buckets: []float64{60, 300, 600, 900, 1200, 1500, 1800, 2400},
		}),
		questions: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "interview_questions",
			Help:    "Questions asked per interview.",
			Buckets: prometheus.LinearBuckets(0, 2, 8),
		}),
		steering: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interview_steering_messages_total",
			Help: "Pacing messages sent to the model, by action.",
		}, []string{"action"}),
	}
}

func (m *Interview) InterviewStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Interview) InterviewRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Interview) InterviewFailed(kind string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(kind).Inc()
}

func (m *Interview) InterviewFinished(reason string, d time.Duration, questions int) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(reason).Inc()
	m.duration.Observe(d.Seconds())
	m.questions.Observe(float64(questions))
}

func (m *Interview) SteeringSent(action string) {
	if m == nil {
		return
	}
	m.steering.WithLabelValues(action).Inc()
}

// HTTP records request counts and latencies per route pattern.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	f := promauto.With(reg)
	return &HTTP{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests received.",
		}, []string{"method", "path", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "code"}),
	}
}

// Middleware must be installed on a chi router so the route pattern, not the
// raw path, labels the series.
func (m *HTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		m.requests.WithLabelValues(r.Method, path, code).Inc()
		m.duration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}
