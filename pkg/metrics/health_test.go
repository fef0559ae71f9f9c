package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	health = &engineHealth{startTime: time.Now()}
}

func TestHealthUpWhenAllSubsystemsServing(t *testing.T) {
	resetHealth(t)
	StorageServing("/data")
	WorkerPoolSized(4, 4)

	r := Health()
	require.Equal(t, StatusUp, r.Status)
	require.Equal(t, "/data", r.DataRoot)
	require.Empty(t, r.StorageError)
}

func TestHealthDownWhenStorageFailing(t *testing.T) {
	resetHealth(t)
	WorkerPoolSized(4, 4)
	StorageFailed(errors.New("open 0.db: too many retries"))

	r := Health()
	require.Equal(t, StatusDown, r.Status)
	require.Contains(t, r.StorageError, "too many retries")
}

func TestHealthDegradedWhenPoolRunsShort(t *testing.T) {
	resetHealth(t)
	StorageServing("/data")
	WorkerPoolSized(2, 4)

	require.Equal(t, StatusDegraded, Health().Status)
}

func TestStorageServingClearsEarlierFailure(t *testing.T) {
	resetHealth(t)
	StorageFailed(errors.New("transient"))
	require.Equal(t, StatusDown, Health().Status)

	StorageServing("/data")
	r := Health()
	require.Equal(t, StatusUp, r.Status)
	require.Empty(t, r.StorageError)
}

func TestReadyRequiresSessionWorkersAndStorage(t *testing.T) {
	cases := []struct {
		name     string
		sessions int
		alive    int
		stErr    error
		want     string
	}{
		{"all serving", 1, 2, nil, StatusReady},
		{"no session yet", 0, 2, nil, StatusNotReady},
		{"pool empty", 1, 0, nil, StatusNotReady},
		{"storage failing", 1, 2, errors.New("boom"), StatusNotReady},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetHealth(t)
			StorageServing("/data")
			if tc.stErr != nil {
				StorageFailed(tc.stErr)
			}
			WorkerPoolSized(tc.alive, 2)
			for i := 0; i < tc.sessions; i++ {
				SessionStarted()
			}

			require.Equal(t, tc.want, Ready().Status)
		})
	}
}

func TestSessionStoppedNeverGoesNegative(t *testing.T) {
	resetHealth(t)
	SessionStopped()
	SessionStarted()

	require.Equal(t, 1, Ready().ActiveSessions)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	StorageServing("/data")
	WorkerPoolSized(1, 4) // degraded, but still serving

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var r Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	require.Equal(t, StatusDegraded, r.Status)
	require.Equal(t, 1, r.WorkersAlive)
	require.Equal(t, 4, r.WorkersWanted)

	StorageFailed(errors.New("mmap failed"))
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	StorageServing("/data")
	WorkerPoolSized(2, 2)

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "no active session yet")

	SessionStarted()
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	SessionStopped()
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "readiness ends with the last session")
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealth(t)
	StorageFailed(errors.New("even while down"))

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "alive", body["status"])
	require.NotEmpty(t, body["uptime"])
}
