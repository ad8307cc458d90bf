package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WebhookSecrets maps a billing provider to its accepted signing secrets.
// More than one secret is accepted per provider while a rotation is in progress.
type WebhookSecrets map[string][]string

type WebhookSecretsHolder struct {
	current atomic.Value // holds WebhookSecrets
}

// NewStaticWebhookSecrets returns a holder that never reloads.
func NewStaticWebhookSecrets(secrets WebhookSecrets) *WebhookSecretsHolder {
	holder := &WebhookSecretsHolder{}
	holder.current.Store(normalizeSecrets(secrets))
	return holder
}

// NewWebhookSecretsHolder reads webhooks.yml when present and watches it for rotation.
// Without a file the secret comes from POLAR_WEBHOOK_SECRET.
func NewWebhookSecretsHolder(cfg Config, log *zap.Logger) (*WebhookSecretsHolder, error) {
	log = log.Named("config.webhooks")

	v := viper.New()
	v.SetConfigName("webhooks")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(cfg.Webhook.ConfigDir); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/etc/storefront")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fallback := WebhookSecrets{}
	if cfg.Webhook.PolarSecret != "" {
		fallback["polar"] = []string{cfg.Webhook.PolarSecret}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return NewStaticWebhookSecrets(fallback), nil
	}

	secrets, err := readSecrets(v)
	if err != nil {
		return nil, err
	}
	holder := &WebhookSecretsHolder{}
	holder.current.Store(mergeSecrets(secrets, fallback))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := readSecrets(v)
		if err != nil {
			log.Warn("webhook secrets reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(mergeSecrets(updated, fallback))
		log.Info("webhook secrets reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// Secrets returns the accepted secrets for provider, newest first.
func (h *WebhookSecretsHolder) Secrets(provider string) []string {
	if h == nil {
		return nil
	}
	secrets, _ := h.current.Load().(WebhookSecrets)
	return secrets[strings.ToLower(strings.TrimSpace(provider))]
}

func readSecrets(v *viper.Viper) (WebhookSecrets, error) {
	var raw map[string]struct {
		Secrets []string `mapstructure:"secrets"`
	}
	if err := v.UnmarshalKey("providers", &raw); err != nil {
		return nil, err
	}
	out := WebhookSecrets{}
	for provider, entry := range raw {
		out[provider] = entry.Secrets
	}
	out = normalizeSecrets(out)
	if len(out) == 0 {
		return nil, errors.New("webhooks.providers cannot be empty")
	}
	return out, nil
}

func mergeSecrets(primary, fallback WebhookSecrets) WebhookSecrets {
	out := WebhookSecrets{}
	for provider, secrets := range fallback {
		out[provider] = secrets
	}
	for provider, secrets := range primary {
		out[provider] = secrets
	}
	return out
}

func normalizeSecrets(in WebhookSecrets) WebhookSecrets {
	out := WebhookSecrets{}
	for provider, secrets := range in {
		key := strings.ToLower(strings.TrimSpace(provider))
		if key == "" {
			continue
		}
		cleaned := make([]string, 0, len(secrets))
		for _, secret := range secrets {
			if secret = strings.TrimSpace(secret); secret != "" {
				cleaned = append(cleaned, secret)
			}
		}
		if len(cleaned) > 0 {
			out[key] = cleaned
		}
	}
	return out
}
