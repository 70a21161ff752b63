// Package server implements the plugin-facing HTTP side of the bridge:
// the long-poll, completion, proxy, and health endpoints, plus the
// forwarding loop a secondary bridge instance runs when the listen port
// is already owned by another one.
package server

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the bridge, loaded from environment
// variables.
type Config struct {
	// Addr is the plugin-facing listen address. The Studio plugin is
	// hard-wired to poll port 44755 on localhost, so the default follows.
	Addr string

	// PollBudget is how long GET /request is held open waiting for work.
	// Must stay below any HTTP idle-connection timeout in front of the
	// bridge so the poll is answered and retried, never severed mid-wait.
	PollBudget time.Duration

	// CallTimeout is the default per-call deadline for tool invocations.
	CallTimeout time.Duration

	// StopGrace is how long a stop request waits for the plugin to
	// acknowledge before the session is cancelled locally.
	StopGrace time.Duration

	// MaxQueueDepth bounds the work queue; submissions past it are
	// rejected with a queue-full error instead of growing unbounded.
	MaxQueueDepth int
}

// LoadConfig reads configuration from environment variables, applying
// defaults for anything unset.
func LoadConfig() *Config {
	return &Config{
		Addr:          envStr("BRIDGE_ADDR", "127.0.0.1:44755"),
		PollBudget:    envDuration("BRIDGE_POLL_BUDGET", 15*time.Second),
		CallTimeout:   envDuration("BRIDGE_CALL_TIMEOUT", 120*time.Second),
		StopGrace:     envDuration("BRIDGE_STOP_GRACE", 5*time.Second),
		MaxQueueDepth: envInt("BRIDGE_MAX_QUEUE", 64),
	}
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "15s", "2m")
// with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
