package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 0.70, cfg.HighThreshold)
	assert.Equal(t, 0.55, cfg.MediumThreshold)
	assert.Equal(t, "recognition.db", cfg.SQLitePath)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECOG_PORT", "9000")
	t.Setenv("RECOG_HIGH_THRESHOLD", "0.85")
	t.Setenv("RECOG_STALL_WINDOW", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 0.85, cfg.HighThreshold)
	assert.Equal(t, 90*time.Second, cfg.StallWindow)
}

// Threshold ordering is a configuration error, caught at load rather than at
// request time.
func TestValidateThresholdOrdering(t *testing.T) {
	t.Setenv("RECOG_HIGH_THRESHOLD", "0.50")
	t.Setenv("RECOG_MEDIUM_THRESHOLD", "0.55")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECOG_HIGH_THRESHOLD")
}

func TestValidateEqualThresholdsRejected(t *testing.T) {
	t.Setenv("RECOG_HIGH_THRESHOLD", "0.55")
	t.Setenv("RECOG_MEDIUM_THRESHOLD", "0.55")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateThresholdRange(t *testing.T) {
	t.Setenv("RECOG_HIGH_THRESHOLD", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidEnvValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("RECOG_PORT", "not-a-number")
	t.Setenv("RECOG_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}
