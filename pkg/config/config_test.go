package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATA_DIR", "DATABASE_URL", "REDIS_ADDR",
		"FOXILES_KEYSTORE", "FOXILES_RPC_URL", "FOXILES_WATERMARK_MODULE", "FOXILES_DEV",
		"FOXILES_OTEL_ENDPOINT", "FOXILES_POLL_INTERVAL", "FOXILES_PURCHASE_DEADLINE",
		"FOXILES_TICKET_TTL", "FOXILES_RPC_RPS",
		"ARTIFACT_STORAGE_TYPE", "ARTIFACT_S3_BUCKET", "ARTIFACT_S3_REGION", "AWS_REGION",
		"ARTIFACT_S3_ENDPOINT", "ARTIFACT_S3_PREFIX", "ARTIFACT_GCS_BUCKET", "ARTIFACT_GCS_PREFIX",
	} {
		t.Setenv(k, "")
	}
}

// The server must boot with nothing configured.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, 2*time.Second, cfg.Purchase.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Purchase.Deadline)
	assert.Equal(t, "https://api.devnet.solana.com", cfg.Ledger.RPCEndpoint)
	assert.Equal(t, 5.0, cfg.Ledger.RequestsPerSec)
	assert.Equal(t, 10, cfg.Ledger.Burst)
	assert.Equal(t, filepath.Join("data", "custody.key"), cfg.KeystorePath)
	assert.Equal(t, artifacts.StoreTypeFS, cfg.Artifacts.Type)
	assert.Equal(t, "data", cfg.Artifacts.DataDir)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "foxiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
log_level: debug
dev: true
purchase:
  poll_interval: 1s
  deadline: 90s
artifacts:
  type: s3
  s3:
    bucket: from-file
release:
  expressions:
    - name: no-tor
      expression: 'signals.attributes["network"] == "tor"'
`), 0o600))

	t.Setenv("PORT", "9090")
	t.Setenv("ARTIFACT_S3_BUCKET", "from-env")
	t.Setenv("FOXILES_PURCHASE_DEADLINE", "3m")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.True(t, cfg.Dev)
	assert.Equal(t, time.Second, cfg.Purchase.PollInterval)
	assert.Equal(t, 3*time.Minute, cfg.Purchase.Deadline)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Artifacts.Type)
	assert.Equal(t, "from-env", cfg.Artifacts.S3.Bucket)
	require.Len(t, cfg.Release.Expressions, 1)
	assert.Equal(t, "no-tor", cfg.Release.Expressions[0].Name)
}

func TestLoad_OTLPEndpointEnablesTelemetry(t *testing.T) {
	clearEnv(t)
	t.Setenv("FOXILES_OTEL_ENDPOINT", "collector:4317")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"FOXILES_POLL_INTERVAL": "soon"}},
		{"deadline shorter than poll", map[string]string{"FOXILES_POLL_INTERVAL": "10s", "FOXILES_PURCHASE_DEADLINE": "5s"}},
		{"zero poll", map[string]string{"FOXILES_POLL_INTERVAL": "0s"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "chatty"}},
		{"bad rps", map[string]string{"FOXILES_RPC_RPS": "fast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
