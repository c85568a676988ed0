package config

import "time"

type MonitorConfig interface {
	GetPollInterval() time.Duration
	GetDedupeWindow() time.Duration
	GetWebhookSecret(providerID string) string
}

type Monitor struct{}

var _ MonitorConfig = Monitor{}

// GetPollInterval is the fallback poll period for providers without
// webhook support.
func (Monitor) GetPollInterval() time.Duration {
	return 30 * time.Second
}

// GetDedupeWindow bounds how long webhook event IDs are remembered for
// de-duplication.
func (Monitor) GetDedupeWindow() time.Duration {
	return 10 * time.Minute
}

// GetWebhookSecret returns the shared signature secret for a provider's
// inbound webhooks, e.g. WEBHOOK_SECRET_GITHUB for provider "github".
// Empty means the provider has no webhook channel and uses the poll
// fallback.
func (Monitor) GetWebhookSecret(providerID string) string {
	return GetEnv("WEBHOOK_SECRET_"+envSuffix(providerID), "")
}
