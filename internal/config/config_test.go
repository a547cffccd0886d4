package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1), cfg.Server.WorkerID)
	assert.Equal(t, 50, cfg.Governance.DefaultQuorumPercent)
	assert.Equal(t, "PERCENT", cfg.Governance.DefaultPenaltyType)
	assert.Equal(t, 10, cfg.Governance.MinPurposeLen)
	assert.Equal(t, 500, cfg.Governance.MaxPurposeLen)
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Gate.Enabled)
	assert.Empty(t, cfg.Auth.JWTSecret, "secrets have no built-in value")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
auth:
  jwt_secret: from-file
gate:
  actions:
    proposal_vote:
      max_attempts: 5
      window_seconds: 10
governance:
  default_quorum_percent: 60
`), 0o600))

	t.Setenv("CIRCLEFUND_MYSQL_HOST", "db.internal")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 60, cfg.Governance.DefaultQuorumPercent)
	assert.Equal(t, LimitConfig{MaxAttempts: 5, WindowSeconds: 10}, cfg.Gate.Actions["proposal_vote"])
	assert.Equal(t, "db.internal", cfg.MySQL.Host)
	assert.Equal(t, 3306, cfg.MySQL.Port, "unset keys keep their default")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
