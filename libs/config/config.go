package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the process-wide knobs. Per-instance settings live in
// internal/instance and are loaded separately because they use indexed
// env var names (DATABASE_URL_2, ...).
type Settings struct {
	Port            int           `envconfig:"PORT" default:"8090"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	PollInterval    time.Duration `envconfig:"SUPERVISOR_POLL_INTERVAL" default:"1s"`
	BackoffMin      time.Duration `envconfig:"RESTART_BACKOFF_MIN" default:"1s"`
	BackoffMax      time.Duration `envconfig:"RESTART_BACKOFF_MAX" default:"5m"`
	HealthyAfter    time.Duration `envconfig:"RESTART_HEALTHY_AFTER" default:"2m"`
	SMTPAddr        string        `envconfig:"SMTP_ADDR"`
	GraphBaseURL    string        `envconfig:"GRAPH_BASE_URL" default:"https://graph.microsoft.com"`
	IdentityBaseURL string        `envconfig:"IDENTITY_BASE_URL" default:"https://login.microsoftonline.com"`
}

func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	return s, nil
}

func String(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
