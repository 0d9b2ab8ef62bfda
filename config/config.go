// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the service needs at startup. Missing required
// values are a fatal configuration error; there is no degraded mode.
type Config struct {
	// Twilio account credentials and the provider-assigned caller number.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioNumber     string

	// OpenAI credential for the dialogue engine.
	OpenAIKey string

	// PublicBaseURL is this service's publicly reachable address, used to
	// build absolute webhook callback URLs for the provider.
	PublicBaseURL string

	// Optional knobs with defaults.
	Port         int
	SessionTTL   time.Duration
	MaxReprompts int
	ArchivePath  string
}

// ConfigError reports the environment variables missing at startup.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

// Load reads configuration from the environment. A .env file is honored if
// present but never required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioNumber:     os.Getenv("TWILIO_PHONE_NUMBER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		PublicBaseURL:    strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		Port:             5000,
		SessionTTL:       30 * time.Minute,
		MaxReprompts:     3,
		ArchivePath:      os.Getenv("ARCHIVE_PATH"),
	}

	var missing []string
	if cfg.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if cfg.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if cfg.TwilioNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if cfg.OpenAIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if cfg.PublicBaseURL == "" {
		missing = append(missing, "PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, &ConfigError{Missing: missing}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return Config{}, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return Config{}, fmt.Errorf("invalid SESSION_TTL %q", v)
		}
		cfg.SessionTTL = ttl
	}
	if v := os.Getenv("MAX_REPROMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_REPROMPTS %q", v)
		}
		cfg.MaxReprompts = n
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "axiom.sqlite"
	}

	return cfg, nil
}
