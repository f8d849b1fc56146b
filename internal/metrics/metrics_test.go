package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInterviewCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewInterview(reg)

	m.InterviewStarted()
	m.InterviewRejected()
	m.InterviewFailed("negotiation")
	m.InterviewFinished("manual", 10*time.Minute, 6)
	m.SteeringSent("send-wrapup")

	require.Equal(t, 1.0, testutil.ToFloat64(m.started))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failed.WithLabelValues("negotiation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("manual")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.steering.WithLabelValues("send-wrapup")))
}

func TestNilInterviewIsNoop(t *testing.T) {
	var m *Interview
	require.NotPanics(t, func() {
		m.InterviewStarted()
		m.InterviewRejected()
		m.InterviewFailed("x")
		m.InterviewFinished("x", time.Second, 1)
		m.SteeringSent("x")
	})
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTP(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/interviews/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/interviews/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/interviews/{id}", "418")))
}
