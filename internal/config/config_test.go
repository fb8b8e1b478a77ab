package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"LYO_WS_URL",
		"LYO_API_URL",
		"LYO_EMAIL",
		"LYO_PASSWORD",
		"LYO_ACCESS_TOKEN",
		"LYO_REFRESH_TOKEN",
		"DEVICE_NAME",
		"STATE_PATH",
		"CONNECT_TIMEOUT",
		"HEARTBEAT_INTERVAL",
		"HEARTBEAT_MAX_MISSED",
		"RECONNECT_MAX_ATTEMPTS",
		"RECONNECT_BACKOFF_CAP",
		"CONNECTIVITY_PROBE_INTERVAL",
		"CONNECTIVITY_PROBE_ADDR",
		"NOTIFY_AUTHORIZED",
		"NOTIFY_DISABLED_TYPES",
		"NOTIFY_QUIET_START",
		"NOTIFY_QUIET_END",
		"NOTIFY_RULES_FILE",
		"ENABLE_CONTROL",
		"CONTROL_LISTEN_ADDR",
		"CONTROL_TOKEN_HASH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the env vars every configuration needs.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LYO_WS_URL", "wss://rt.lyo.example/ws")
	t.Setenv("LYO_API_URL", "https://api.lyo.example")
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.HeartbeatMaxMissed)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoffCap)
	assert.Equal(t, 15*time.Second, cfg.ProbeInterval)
	assert.Equal(t, "rt.lyo.example:443", cfg.ProbeAddr)
	assert.True(t, cfg.NotifyAuthorized)
	assert.False(t, cfg.EnableControl)
	assert.Equal(t, "127.0.0.1:8091", cfg.ControlListenAddr)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
}

func TestLoad_MissingWSURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("LYO_WS_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LYO_WS_URL")
}

func TestLoad_RejectsHTTPWebSocketURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("LYO_WS_URL", "https://rt.lyo.example/ws")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestLoad_MissingAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("LYO_API_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LYO_API_URL")
}

func TestLoad_EmailWithoutPassword(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("LYO_EMAIL", "learner@example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LYO_PASSWORD")
}

func TestLoad_ProbeAddrPlainWS(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("LYO_WS_URL", "ws://localhost/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:80", cfg.ProbeAddr)
}

func TestLoad_ProbeAddrExplicitPort(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("LYO_WS_URL", "ws://localhost:9000/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.ProbeAddr)
}

func TestLoad_ProbeAddrOverride(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("CONNECTIVITY_PROBE_ADDR", "1.1.1.1:53")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:53", cfg.ProbeAddr)
}

func TestLoad_InvalidHeartbeatMissed(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("HEARTBEAT_MAX_MISSED", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_MAX_MISSED")
}

func TestLoad_BackoffCapTooSmall(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("RECONNECT_BACKOFF_CAP", "500ms")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONNECT_BACKOFF_CAP")
}

func TestLoad_InvalidQuietHours(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("NOTIFY_QUIET_START", "25:00")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_QUIET_START")
}

func TestLoad_DisabledTypes(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("NOTIFY_DISABLED_TYPES", "social,course_update")

	cfg, err := Load()
	require.NoError(t, err)

	types, err := cfg.DisabledTypes()
	require.NoError(t, err)
	assert.Equal(t, []notify.Type{notify.TypeSocial, notify.TypeCourseUpdate}, types)
}

func TestLoad_UnknownDisabledType(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("NOTIFY_DISABLED_TYPES", "carrier_pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_DISABLED_TYPES")
}

func TestLoad_ControlRequiresTokenHash(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENABLE_CONTROL", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_TOKEN_HASH")
}

func TestLoad_ControlEnabled(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENABLE_CONTROL", "true")
	t.Setenv("CONTROL_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableControl)
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
