package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStats struct{ active, max, sessions, apps int }

func (f fakeStats) ActiveConnections() int { return f.active }
func (f fakeStats) MaxConnections() int    { return f.max }
func (f fakeStats) Sessions() int          { return f.sessions }
func (f fakeStats) Applications() int      { return f.apps }

func serve(t *testing.T, stats BridgeStats) (*http.Response, HealthResponse) {
	t.Helper()
	h := NewHealthChecker(stats, zap.NewNop(), "test")
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Result(), body
}

func TestHealthy(t *testing.T) {
	resp, body := serve(t, fakeStats{active: 1, max: 10, sessions: 2, apps: 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Len(t, body.Components, 4)
}

func TestDegradedWithoutApplications(t *testing.T) {
	resp, body := serve(t, fakeStats{max: 10})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusDegraded, body.Status)
}

func TestUnhealthyAtConnectionLimit(t *testing.T) {
	resp, body := serve(t, fakeStats{active: 10, max: 10, apps: 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHealthChecker(fakeStats{}, zap.NewNop(), "test")
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m 3s", formatUptime(2*time.Minute+3*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatUptime(25*time.Hour))
}
