package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: doc-node-1
  node_tag: B
storage:
  data_dir: /data/pairdb
command_log:
  enabled: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "doc-node-1", cfg.Server.NodeID)
	assert.Equal(t, "B", cfg.Server.NodeTag)
	assert.Equal(t, "default", cfg.Server.Database)
	assert.Empty(t, cfg.Server.DatabaseID)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(64), cfg.Storage.ReadPoolSize)
	assert.Equal(t, 1024, cfg.TxMerger.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.TxMerger.MaxBatchDuration)
	assert.Equal(t, "/data/pairdb/commands", cfg.CommandLog.Dir)
	assert.Equal(t, 256, cfg.Revisions.EnforcePageSize)
	assert.Equal(t, 95.0, cfg.Disk.CircuitBreakerThreshold)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_InMemoryNeedsNoDataDir(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  node_id: n1
storage:
  in_memory: true
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.DataDir)
	assert.Empty(t, cfg.CommandLog.Dir)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", `storage: {data_dir: /d}`},
		{"bad port", "server: {node_id: n, port: 70000}"},
		{"log without dir", "server: {node_id: n}\nstorage: {in_memory: true}\ncommand_log: {enabled: true}"},
		{"thresholds out of order", "server: {node_id: n}\ndisk: {warning_threshold: 99, throttle_threshold: 90}"},
		{"log format", "server: {node_id: n}\nlogging: {format: xml}"},
		{"malformed", "server: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
