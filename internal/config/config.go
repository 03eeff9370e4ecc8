// Package config loads process settings from the environment and holds the
// risk parameters used by order execution, risk evaluation and liquidation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server holds process-level settings read from the environment.
type Server struct {
	Port             string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	RiskConfigFile   string
	LogLevel         slog.Level
	SweepInterval    time.Duration
	DrainPace        time.Duration
	PriceQueue       string
	CommandQueue     string
	NotifyChannel    string
	NATSPriceSubject string
}

// Load reads a .env file when one is present, then the environment.
// Empty optional values disable the matching collaborator.
func Load(envFile string) (Server, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Server{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	s := Server{
		Port:             getenv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		RiskConfigFile:   os.Getenv("RISK_CONFIG_FILE"),
		PriceQueue:       getenv("PRICE_QUEUE", "prices"),
		CommandQueue:     getenv("COMMAND_QUEUE", "ToEngine"),
		NotifyChannel:    getenv("NOTIFY_CHANNEL", "risk-events"),
		NATSPriceSubject: getenv("NATS_PRICE_SUBJECT", "prices.>"),
	}

	var err error
	if s.SweepInterval, err = duration("SWEEP_INTERVAL", time.Second); err != nil {
		return s, err
	}
	if s.DrainPace, err = duration("DRAIN_PACE", 100*time.Millisecond); err != nil {
		return s, err
	}
	if s.LogLevel, err = parseLevel(os.Getenv("LOG_LEVEL")); err != nil {
		return s, err
	}
	return s, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
}
