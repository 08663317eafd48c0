package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Source is the database whose write path is checked
type Source interface {
	Name() string
	Faulted() bool
	QueueDepth() int
	ActiveOperations() int
	DiskUsage() (diskmanager.DiskUsageStats, bool)
}

// HealthChecker performs health checks for a document node
type HealthChecker struct {
	nodeID        string
	dataDir       string
	interval      time.Duration
	maxQueueDepth int
	source        Source
	logger        *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	sample      model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	DataDir       string // empty for in-memory storage
	Interval      time.Duration
	MaxQueueDepth int
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, source Source, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxDepth := cfg.MaxQueueDepth
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	return &HealthChecker{
		nodeID:        cfg.NodeID,
		dataDir:       cfg.DataDir,
		interval:      interval,
		maxQueueDepth: maxDepth,
		source:        source,
		logger:        logger,
		checks:        make(map[string]CheckResult),
		livenessOK:    true,
		readinessOK:   true,
		status:        model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the reported status
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkTransactionMerger,
		h.checkQueueDepth,
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkFileDescriptors,
	}

	results := make([]CheckResult, 0, len(checks))
	allHealthy, allReady := true, true
	for _, check := range checks {
		result := check()
		results = append(results, result)
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	status := model.NodeStatusHealthy
	switch {
	case !allReady:
		status = model.NodeStatusUnhealthy
	case !allHealthy:
		status = model.NodeStatusDegraded
	}

	disk, _ := h.source.DiskUsage()
	sample := model.HealthMetrics{
		DiskUsage:        disk.UsagePercent,
		QueueDepth:       h.source.QueueDepth(),
		MergerFaulted:    h.source.Faulted(),
		ActiveOperations: h.source.ActiveOperations(),
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.status = status
	h.sample = sample
	h.livenessOK = true
	h.readinessOK = allReady
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", allReady))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkTransactionMerger fails readiness once the merger stopped accepting writes
func (h *HealthChecker) checkTransactionMerger() CheckResult {
	if h.source.Faulted() {
		return result("transaction_merger", StatusCritical, "Transaction merger is faulted, writes are rejected")
	}
	return result("transaction_merger", StatusHealthy, "Transaction merger is accepting commands")
}

func (h *HealthChecker) checkQueueDepth() CheckResult {
	depth := h.source.QueueDepth()
	if depth > h.maxQueueDepth {
		return result("queue_depth", StatusWarning, fmt.Sprintf("Merger queue depth high: %d (limit %d)", depth, h.maxQueueDepth))
	}
	return result("queue_depth", StatusHealthy, fmt.Sprintf("Merger queue depth: %d", depth))
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	stats, ok := h.source.DiskUsage()
	if !ok {
		return result("disk_space", StatusHealthy, "In-memory storage")
	}
	switch {
	case stats.IsCircuitBroken:
		return result("disk_space", StatusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", stats.UsagePercent))
	case stats.IsThrottled:
		return result("disk_space", StatusWarning, fmt.Sprintf("Disk usage high: %.2f%%", stats.UsagePercent))
	}
	return result("disk_space", StatusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", stats.UsagePercent, float64(stats.AvailableBytes)/1024/1024/1024))
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	if h.dataDir == "" {
		return result("data_dir_accessible", StatusHealthy, "No data directory")
	}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", StatusCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", StatusHealthy, "Data directory is accessible and writable")
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", StatusWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	// Linux only; other platforms report the limits
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return result("file_descriptors", StatusHealthy, fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result("file_descriptors", StatusWarning,
			fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
	}
	return result("file_descriptors", StatusHealthy,
		fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Database:  h.source.Name(),
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.sample,
	}
}

// GetChecks returns a copy of the last check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()
	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()
	writeProbe(w, ready, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"metrics": status.Metrics,
		"checks":  h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
