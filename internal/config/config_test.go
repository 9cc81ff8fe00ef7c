package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.HandshakeTTL)
	assert.Equal(t, 30*time.Minute, cfg.TaskHardLimit)
	assert.Equal(t, 25*time.Minute, cfg.TaskSoftLimit)
	assert.Equal(t, 60*time.Second, cfg.JoinDelayMin)
	assert.Equal(t, 300*time.Second, cfg.JoinDelayMax)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.ConsumerTTL)
	assert.False(t, cfg.NotifyEnabled())
}

func TestLoad_RequiresEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EncryptionKey:       testKey,
			Workers:             1,
			ConsumerTTL:         30 * time.Second,
			TaskHardLimit:       30 * time.Minute,
			TaskSoftLimit:       25 * time.Minute,
			ReconnectAttempts:   1,
			JoinDelayMin:        time.Second,
			JoinDelayMax:        2 * time.Second,
			WarmupIdleDelayMin:  time.Second,
			WarmupIdleDelayMax:  2 * time.Second,
			WarmupErrorCooldown: time.Second,
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.EncryptionKey = "short"
	assert.ErrorContains(t, cfg.Validate(), "ENCRYPTION_KEY")

	cfg = valid()
	cfg.TaskSoftLimit = time.Hour
	assert.ErrorContains(t, cfg.Validate(), "TASK_SOFT_LIMIT")

	cfg = valid()
	cfg.ReconnectAttempts = 0
	assert.ErrorContains(t, cfg.Validate(), "RECONNECT_ATTEMPTS")

	cfg = valid()
	cfg.JoinDelayMax = 0
	assert.ErrorContains(t, cfg.Validate(), "JOIN_DELAY")

	cfg = valid()
	cfg.Workers = 0
	assert.ErrorContains(t, cfg.Validate(), "WORKERS")

	cfg = valid()
	cfg.ConsumerTTL = 0
	assert.ErrorContains(t, cfg.Validate(), "QUEUE_CONSUMER_TTL")
}

func TestValidate_WarmupNeedsIdlePause(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	t.Setenv("WARMUP_IDLE_DELAY_MIN", "0s")
	t.Setenv("WARMUP_IDLE_DELAY_MAX", "0s")
	_, err := Load()
	assert.ErrorContains(t, err, "WARMUP_IDLE_DELAY_MIN")

	t.Setenv("WARMUP_IDLE_DELAY_MIN", "1s")
	t.Setenv("WARMUP_IDLE_DELAY_MAX", "2s")
	t.Setenv("WARMUP_ERROR_COOLDOWN", "0s")
	_, err = Load()
	assert.ErrorContains(t, err, "WARMUP_ERROR_COOLDOWN")

	t.Setenv("WARMUP_ERROR_COOLDOWN", "5s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.WarmupIdleDelayMin)
}
