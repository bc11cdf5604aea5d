package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIAddr string
	DBFile  string

	// BusBackend selects the cross-process fan-out transport:
	// "redis", "nats", or "memory" for single-process deployments.
	BusBackend string
	RedisURL   string
	NATSURL    string

	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	SweepInterval     time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("parsing HEARTBEAT_INTERVAL: %w", err)
	}

	// Presence entries survive one missed heartbeat before expiring.
	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", (2 * heartbeat).String()))
	if err != nil {
		return nil, fmt.Errorf("parsing PRESENCE_TTL: %w", err)
	}

	sweep, err := time.ParseDuration(getEnv("SWEEP_INTERVAL", heartbeat.String()))
	if err != nil {
		return nil, fmt.Errorf("parsing SWEEP_INTERVAL: %w", err)
	}

	cfg := &Config{
		APIAddr:           getEnv("API_ADDR", ":8080"),
		DBFile:            getEnv("PALAVER_DB", "palaver.db"),
		BusBackend:        getEnv("BUS_BACKEND", "memory"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		HeartbeatInterval: heartbeat,
		PresenceTTL:       presenceTTL,
		SweepInterval:     sweep,
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:    getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.BusBackend {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when BUS_BACKEND=redis")
		}
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when BUS_BACKEND=nats")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown BUS_BACKEND %q", c.BusBackend)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.PresenceTTL <= c.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_TTL must be greater than HEARTBEAT_INTERVAL")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
