package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every runtime setting for the service.
type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Relay   RelayConfig
	Archive ArchiveConfig
}

type ServerConfig struct {
	Addr string
}

type DBConfig struct {
	Path string
}

type RelayConfig struct {
	MaxMessageChars    int
	HistoryTokenBudget int
	ProviderTimeout    time.Duration
	SystemPrompt       string
}

// ArchiveConfig controls the idle-session archiver. After is the idle
// horizon; Interval is how often the sweep runs.
type ArchiveConfig struct {
	After    time.Duration
	Interval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	archive, err := loadArchiveConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		DB:      DBConfig{Path: getEnvOrDefault("DB_PATH", "chatrelay.db")},
		Relay:   relay,
		Archive: archive,
	}, nil
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8100"
	}

	if strings.Contains(port, ":") {
		// Allow ":8100" or "127.0.0.1:8100" directly.
		return ServerConfig{Addr: port}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value %q: %w", port, err)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadRelayConfig() (RelayConfig, error) {
	maxChars, err := parseIntEnv("MAX_MESSAGE_CHARS", 4000)
	if err != nil {
		return RelayConfig{}, err
	}

	budget, err := parseIntEnv("HISTORY_TOKEN_BUDGET", 3000)
	if err != nil {
		return RelayConfig{}, err
	}

	timeout, err := parseDurationEnv("PROVIDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		MaxMessageChars:    maxChars,
		HistoryTokenBudget: budget,
		ProviderTimeout:    timeout,
		SystemPrompt:       strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
	}, nil
}

func loadArchiveConfig() (ArchiveConfig, error) {
	after, err := parseDurationEnv("ARCHIVE_AFTER", 720*time.Hour)
	if err != nil {
		return ArchiveConfig{}, err
	}

	interval, err := parseDurationEnv("ARCHIVE_INTERVAL", time.Hour)
	if err != nil {
		return ArchiveConfig{}, err
	}

	return ArchiveConfig{After: after, Interval: interval}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
