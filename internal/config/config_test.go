package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("TRACKING_AUTH_TOKEN_SECRET", "test-secret")
	t.Setenv("TRACKING_AUTH_ANONYMIZATION_SALT", "test-salt")
}

func TestLoad_DefaultsApply(t *testing.T) {
	setRequiredSecrets(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.False(t, cfg.Server.StrictHistory)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, DefaultMQTTPort, cfg.MQTT.Port)
	assert.Equal(t, DefaultDBPort, cfg.DB.Port)
	assert.Equal(t, DefaultDBSchema, cfg.DB.Schema)
	assert.Equal(t, DefaultAlertRing, cfg.Engine.AlertRingCapacity)
	assert.Equal(t, 60*time.Second, cfg.Engine.MaxFutureSkew)
	assert.False(t, cfg.Auth.ImpersonationAllowed)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setRequiredSecrets(t)
	t.Setenv("TRACKING_SERVER_PORT", "9090")
	t.Setenv("TRACKING_MQTT_ENABLED", "false")
	t.Setenv("TRACKING_ENGINE_MAX_STALENESS", "120s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Engine.MaxStaleness)
}

func TestLoad_FailsWithoutSecrets(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token secret")
	assert.Contains(t, err.Error(), "anonymization salt")
}

func TestValidate_AggregatesEveryViolation(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, fragment := range []string{
		"server port", "DB host", "DB database", "alert ring capacity", "token secret",
	} {
		assert.True(t, strings.Contains(msg, fragment), "expected %q in %q", fragment, msg)
	}
}
