package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)

	assert.Len(t, cfg.Participants, 5)
	assert.Equal(t, "http://order-service:8000", cfg.Participants[ParticipantOrder].BaseURL)
	assert.Equal(t, "http://notification-service:8004", cfg.Participants[ParticipantNotification].BaseURL)
	assert.Equal(t, "/health", cfg.Participants[ParticipantPayment].HealthPath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYMENT_SERVICE_URL", "http://payments.internal:9100")
	t.Setenv("COORDINATOR_REQUEST_TIMEOUT_MS", "2500")
	t.Setenv("COORDINATOR_MAX_RETRIES", "5")
	t.Setenv("COORDINATOR_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://payments.internal:9100", cfg.Participants[ParticipantPayment].BaseURL)
	assert.Equal(t, 2500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unrelated participants keep the convention
	assert.Equal(t, "http://shipping-service:8003", cfg.Participants[ParticipantShipping].BaseURL)
}

func TestLoad_LocalMode(t *testing.T) {
	t.Setenv("COORDINATOR_LOCAL", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8001", cfg.Participants[ParticipantInventory].BaseURL)
}

func TestLoad_FileOverridesBeatConvention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	contents := []byte("port: 9100\nlog_level: warn\nrequest_timeout_ms: 500\nparticipants:\n  order: http://order.staging:8800\n")
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	t.Setenv("COORDINATOR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, "http://order.staging:8800", cfg.Participants[ParticipantOrder].BaseURL)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("request_timeout_ms: 500\n"), 0o600))

	t.Setenv("COORDINATOR_CONFIG", path)
	t.Setenv("COORDINATOR_REQUEST_TIMEOUT_MS", "750")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.RequestTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed timeout", "COORDINATOR_REQUEST_TIMEOUT_MS", "fast"},
		{"zero timeout", "COORDINATOR_REQUEST_TIMEOUT_MS", "0"},
		{"malformed retries", "COORDINATOR_MAX_RETRIES", "many"},
		{"zero retries", "COORDINATOR_MAX_RETRIES", "0"},
		{"unknown log level", "COORDINATOR_LOG_LEVEL", "verbose"},
		{"bad participant URL", "ORDER_SERVICE_URL", "://not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_InvalidFileValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"negative retries", "max_retries: -1\n"},
		{"negative timeout", "request_timeout_ms: -100\n"},
		{"negative port", "port: -1\n"},
		{"port out of range", "port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coordinator.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.contents), 0o600))
			t.Setenv("COORDINATOR_CONFIG", path)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("COORDINATOR_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
