package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLAR_WEBHOOK_SECRET", "  polar_whs_test  ")
	t.Setenv("POLAR_WEBHOOK_TOLERANCE", "not-a-duration")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("POLAR_WEBHOOK_VERIFY", "off")

	cfg := Load()

	assert.Equal(t, "polar_whs_test", cfg.Webhook.PolarSecret)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, int64(1<<20), cfg.Webhook.BodyLimit)
	assert.False(t, cfg.Webhook.Verify)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
}

func TestWebhookSecretsFallbackToEnv(t *testing.T) {
	cfg := Config{Webhook: WebhookConfig{PolarSecret: "polar_whs_env", ConfigDir: t.TempDir()}}

	holder, err := NewWebhookSecretsHolder(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"polar_whs_env"}, holder.Secrets("polar"))
	assert.Equal(t, []string{"polar_whs_env"}, holder.Secrets(" POLAR "))
	assert.Empty(t, holder.Secrets("stripe"))
}

func TestWebhookSecretsFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("providers:\n  polar:\n    secrets:\n      - polar_whs_new\n      - \"  \"\n      - polar_whs_old\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "webhooks.yml"), content, 0o600))

	cfg := Config{Webhook: WebhookConfig{PolarSecret: "polar_whs_env", ConfigDir: dir}}
	holder, err := NewWebhookSecretsHolder(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"polar_whs_new", "polar_whs_old"}, holder.Secrets("polar"))
}

func TestNilHolderHasNoSecrets(t *testing.T) {
	var holder *WebhookSecretsHolder
	assert.Nil(t, holder.Secrets("polar"))
}
