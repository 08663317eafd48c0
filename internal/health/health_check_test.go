package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
)

type fakeSource struct {
	faulted bool
	depth   int
	disk    *diskmanager.DiskUsageStats
}

func (f *fakeSource) Name() string          { return "test" }
func (f *fakeSource) Faulted() bool         { return f.faulted }
func (f *fakeSource) QueueDepth() int       { return f.depth }
func (f *fakeSource) ActiveOperations() int { return 0 }
func (f *fakeSource) DiskUsage() (diskmanager.DiskUsageStats, bool) {
	if f.disk == nil {
		return diskmanager.DiskUsageStats{}, false
	}
	return *f.disk, true
}

func newChecker(t *testing.T, src *fakeSource) *HealthChecker {
	return NewHealthChecker(&HealthCheckConfig{
		NodeID:        "node-1",
		DataDir:       t.TempDir(),
		MaxQueueDepth: 100,
	}, src, zap.NewNop())
}

func TestRunChecks(t *testing.T) {
	tests := []struct {
		name   string
		src    *fakeSource
		status model.NodeStatus
		ready  bool
	}{
		{"healthy", &fakeSource{}, model.NodeStatusHealthy, true},
		{"deep queue", &fakeSource{depth: 500}, model.NodeStatusDegraded, true},
		{"throttled disk", &fakeSource{disk: &diskmanager.DiskUsageStats{UsagePercent: 91, IsThrottled: true}}, model.NodeStatusDegraded, true},
		{"full disk", &fakeSource{disk: &diskmanager.DiskUsageStats{UsagePercent: 97, IsThrottled: true, IsCircuitBroken: true}}, model.NodeStatusUnhealthy, false},
		{"faulted merger", &fakeSource{faulted: true}, model.NodeStatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newChecker(t, tt.src)
			h.RunChecks()

			status := h.GetStatus()
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, "test", status.Database)
			assert.Equal(t, tt.ready, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Len(t, h.GetChecks(), 5)
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	src := &fakeSource{}
	h := newChecker(t, src)
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])

	src.faulted = true
	h.RunChecks()
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "a faulted merger does not fail liveness")
}

func TestSetReadiness(t *testing.T) {
	h := newChecker(t, &fakeSource{})
	h.RunChecks()
	h.SetReadiness(false)
	assert.False(t, h.IsReady())
}
