package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("created")
	m.Verify(true, "ok")
	m.Push("apple", "sent")
	m.Artifact("apple", nil, time.Millisecond)
	m.Expired(3)
	m.TaskFailed("propagate")
	m.HTTPRequest("GET", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("activated")
	m.Transition("activated")
	m.Verify(false, "outside validity period")
	m.Push("apple", "gone")
	m.Artifact("google", errors.New("sign"), time.Millisecond)
	m.Expired(2)

	body := scrape(t, m)
	assert.Contains(t, body, `hotelkey_lifecycle_events_total{event="activated"} 2`)
	assert.Contains(t, body, `hotelkey_verify_decisions_total{reason="outside validity period",result="denied"} 1`)
	assert.Contains(t, body, `hotelkey_push_results_total{ecosystem="apple",result="gone"} 1`)
	assert.Contains(t, body, `hotelkey_artifact_builds_total{ecosystem="google",result="error"} 1`)
	assert.Contains(t, body, "hotelkey_keys_expired_total 2")
}

func TestHandlerExposesFamilies(t *testing.T) {
	m := New()
	m.Transition("created")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hotelkey_lifecycle_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}
