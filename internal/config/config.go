// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable the service reads at startup. Values come from
// environment variables; see the getenv helpers for defaulting rules.
type Config struct {
	MQTTServer      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTRootTopic   string
	MQTTTLSEnabled  bool
	MQTTTLSInsecure bool

	DatabasePath string

	GroupingWindowSeconds int
	FlushIntervalSeconds  int

	MeshConnectionURL string
	CommandsEnabled   bool
	// StatsChannelIndex is the channel replies are additionally broadcast
	// on; negative disables the broadcast copy.
	StatsChannelIndex  int
	DecryptionKeys     []string
	IncludeDefaultKey  bool
	RateLimitSeconds   int
	RateLimitBurst     int
	ChunkPauseSeconds  int
	ResponseChunkLimit int

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getenvCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the configuration from the environment. MQTT_SERVER and
// MQTT_ROOT_TOPIC are required; everything else has a usable default.
func Load() (*Config, error) {
	cfg := &Config{
		MQTTServer:      os.Getenv("MQTT_SERVER"),
		MQTTUsername:    os.Getenv("MQTT_USERNAME"),
		MQTTPassword:    os.Getenv("MQTT_PASSWORD"),
		MQTTRootTopic:   os.Getenv("MQTT_ROOT_TOPIC"),
		MQTTTLSEnabled:  getenvBool("MQTT_TLS_ENABLED", false),
		MQTTTLSInsecure: getenvBool("MQTT_TLS_INSECURE", false),

		DatabasePath: getenv("DATABASE_PATH", "meshtastic_stats.db"),

		GroupingWindowSeconds: getenvInt("GROUPING_WINDOW_SECONDS", 10),
		FlushIntervalSeconds:  getenvInt("FLUSH_INTERVAL_SECONDS", 5),

		MeshConnectionURL:  os.Getenv("MESHTASTIC_CONNECTION_URL"),
		CommandsEnabled:    getenvBool("MESHTASTIC_COMMANDS_ENABLED", false),
		StatsChannelIndex:  getenvInt("MESHTASTIC_STATS_CHANNEL_ID", -1),
		DecryptionKeys:     getenvCSV("MESHTASTIC_DECRYPTION_KEYS"),
		IncludeDefaultKey:  getenvBool("MESHTASTIC_INCLUDE_DEFAULT_KEY", true),
		RateLimitSeconds:   getenvInt("MESHTASTIC_RATE_LIMIT_SECONDS", 10),
		RateLimitBurst:     getenvInt("MESHTASTIC_RATE_LIMIT_BURST", 3),
		ChunkPauseSeconds:  getenvInt("MESHTASTIC_CHUNK_PAUSE_SECONDS", 5),
		ResponseChunkLimit: getenvInt("MESHTASTIC_RESPONSE_CHUNK_LIMIT", 200),

		KafkaBrokers: getenvCSV("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "mesh-raw-frames"),

		LogLevel: getenv("LOG_LEVEL", "info"),
	}

	if cfg.MQTTServer == "" {
		return nil, fmt.Errorf("missing required environment variable: MQTT_SERVER")
	}
	if cfg.MQTTRootTopic == "" {
		return nil, fmt.Errorf("missing required environment variable: MQTT_ROOT_TOPIC")
	}
	if cfg.RateLimitSeconds < 1 {
		return nil, fmt.Errorf("MESHTASTIC_RATE_LIMIT_SECONDS must be >= 1")
	}
	if cfg.RateLimitBurst < 1 {
		return nil, fmt.Errorf("MESHTASTIC_RATE_LIMIT_BURST must be >= 1")
	}
	if cfg.GroupingWindowSeconds < 1 {
		return nil, fmt.Errorf("GROUPING_WINDOW_SECONDS must be >= 1")
	}
	return cfg, nil
}
