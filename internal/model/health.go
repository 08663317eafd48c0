package model

// NodeStatus defines the operational status of a document node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthStatus is the reported health of one database on a node
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	Database  string        `json:"database"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics are the values sampled by the last check
type HealthMetrics struct {
	DiskUsage        float64 `json:"disk_usage_percent"`
	QueueDepth       int     `json:"queue_depth"`
	MergerFaulted    bool    `json:"merger_faulted"`
	ActiveOperations int     `json:"active_operations"`
}
