package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the signaling relay.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// AllowedOrigins is the Origin allowlist for upgrade requests.
	// Empty means no origin check, matching legacy behavior.
	AllowedOrigins []string

	// MaxConnections caps sockets across both channels, 0 = unlimited.
	MaxConnections int

	// MaxConnectionsPerAddr caps sockets per source address.
	MaxConnectionsPerAddr int

	// MaxRoomsPerChannel caps live rooms on each channel.
	MaxRoomsPerChannel int

	// ClassroomMaxPeers is the room cap on the classroom-sync channel.
	// The video-signaling channel is always capped at 2.
	ClassroomMaxPeers int

	// HeartbeatInterval is the liveness probe period.
	HeartbeatInterval time.Duration

	// RateLimitCount messages per RateLimitWindow are accepted from one
	// connection before soft throttling kicks in.
	RateLimitCount  int
	RateLimitWindow time.Duration

	// MaxSignalBytes bounds the serialized data field of a signal.
	MaxSignalBytes int

	// ShutdownGrace is how long draining sockets get to close cleanly.
	ShutdownGrace time.Duration

	// AuthRequired turns on token validation at upgrade time.
	AuthRequired bool

	// AuthURL is the endpoint of the external token validator.
	AuthURL string

	// AllowedSignalTypes restricts signalType values when set.
	AllowedSignalTypes []string
}

// Load reads environment variables and returns a populated Config.
func Load() Config {
	return Config{
		Addr:                  getString("RELAY_ADDR", ":8080"),
		AllowedOrigins:        getList("RELAY_ALLOWED_ORIGINS"),
		MaxConnections:        getInt("RELAY_MAX_CONNECTIONS", 1000),
		MaxConnectionsPerAddr: getInt("RELAY_MAX_CONNECTIONS_PER_ADDR", 10),
		MaxRoomsPerChannel:    getInt("RELAY_MAX_ROOMS", 500),
		ClassroomMaxPeers:     getInt("RELAY_CLASSROOM_MAX_PEERS", 8),
		HeartbeatInterval:     getDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		RateLimitCount:        getInt("RELAY_RATE_LIMIT_COUNT", 50),
		RateLimitWindow:       getDuration("RELAY_RATE_LIMIT_WINDOW", 10*time.Second),
		MaxSignalBytes:        getInt("RELAY_MAX_SIGNAL_BYTES", 256*1024),
		ShutdownGrace:         getDuration("RELAY_SHUTDOWN_GRACE", 3*time.Second),
		AuthRequired:          getBool("RELAY_AUTH_REQUIRED", false),
		AuthURL:               getString("RELAY_AUTH_URL", ""),
		AllowedSignalTypes:    getList("RELAY_ALLOWED_SIGNAL_TYPES"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
