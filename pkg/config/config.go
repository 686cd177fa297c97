// Package config loads process configuration: provider keys, the
// webhook secret, the listen address, and the spec-pinned timing
// constants as overridable defaults so a test harness can shrink them.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	ListenAddr string

	OpenAIAPIKey        string
	RecallAPIKey        string
	RecallWebhookSecret string
	WebhookBaseURL      string

	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	RoomGrace         time.Duration

	CoachingCooldown      time.Duration
	MaxCoachingPerSession int
	CoachingConfidence    float64

	RelayConnectDeadline time.Duration
	RelayMaxReconnect    int
}

// Load reads a .env file if present (missing is not an error), then
// binds environment variables through viper onto a Config with the
// spec's pinned defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("RECALL_API_KEY", "")
	v.SetDefault("RECALL_WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_BASE_URL", "")

	v.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 30)
	v.SetDefault("CLIENT_TIMEOUT_SECONDS", 60)
	v.SetDefault("ROOM_GRACE_SECONDS", 30)

	v.SetDefault("COACHING_COOLDOWN_SECONDS", 120)
	v.SetDefault("MAX_COACHING_PER_SESSION", 3)
	v.SetDefault("COACHING_CONFIDENCE_FLOOR", 0.85)

	v.SetDefault("RELAY_CONNECT_DEADLINE_SECONDS", 15)
	v.SetDefault("RELAY_MAX_RECONNECT", 3)

	webhookURL := v.GetString("WEBHOOK_BASE_URL")
	if webhookURL == "" {
		webhookURL = v.GetString("NEXT_PUBLIC_APP_URL")
	}

	return &Config{
		ListenAddr:            v.GetString("LISTEN_ADDR"),
		OpenAIAPIKey:          v.GetString("OPENAI_API_KEY"),
		RecallAPIKey:          v.GetString("RECALL_API_KEY"),
		RecallWebhookSecret:   v.GetString("RECALL_WEBHOOK_SECRET"),
		WebhookBaseURL:        webhookURL,
		HeartbeatInterval:     time.Duration(v.GetInt("HEARTBEAT_INTERVAL_SECONDS")) * time.Second,
		ClientTimeout:         time.Duration(v.GetInt("CLIENT_TIMEOUT_SECONDS")) * time.Second,
		RoomGrace:             time.Duration(v.GetInt("ROOM_GRACE_SECONDS")) * time.Second,
		CoachingCooldown:      time.Duration(v.GetInt("COACHING_COOLDOWN_SECONDS")) * time.Second,
		MaxCoachingPerSession: v.GetInt("MAX_COACHING_PER_SESSION"),
		CoachingConfidence:    v.GetFloat64("COACHING_CONFIDENCE_FLOOR"),
		RelayConnectDeadline:  time.Duration(v.GetInt("RELAY_CONNECT_DEADLINE_SECONDS")) * time.Second,
		RelayMaxReconnect:     v.GetInt("RELAY_MAX_RECONNECT"),
	}, nil
}
