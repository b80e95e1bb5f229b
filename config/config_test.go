package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Locks.Backend)
	assert.Equal(t, []string{"log"}, cfg.Events.Backends)
	assert.Equal(t, 24*time.Hour, cfg.Settlement.Policy.InclusionPolicy().LateCancelLeadTime)
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	// GIVEN: A YAML file and environment variables
	// THEN: File values apply, env wins where both are set

	path := writeFile(t, `
server:
  port: 9000
  rate_limit_per_sec: 5
database:
  path: /var/lib/studio.db
events:
  backends: [log, kafka]
  kafka_brokers: [file:9092]
settlement:
  policy:
    no_show_trainer_fee: true
    late_cancel_trainer_fee: true
    late_cancel_lead_time_minutes: 720
  cron: "0 3 1 * *"
`)
	t.Setenv("STUDIO_PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Server.RateLimitPerSec)
	assert.Equal(t, "/var/lib/studio.db", cfg.Database.Path)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, "0 3 1 * *", cfg.Settlement.Cron)

	policy := cfg.Settlement.Policy.InclusionPolicy()
	assert.True(t, policy.NoShowTrainerFee)
	assert.False(t, policy.NoShowEntryFee)
	assert.Equal(t, 12*time.Hour, policy.LateCancelLeadTime)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown lock backend", "locks:\n  backend: etcd\n"},
		{"kafka without brokers", "events:\n  backends: [kafka]\n"},
		{"unknown field", "server:\n  prot: 1\n"},
		{"bad timezone", "settlement:\n  timezone: Mars/Olympus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}

	t.Setenv("STUDIO_PORT", "eighty")
	_, err := config.Load("")
	assert.Error(t, err)
}
