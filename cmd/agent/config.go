package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds an agent's identity and polling parameters, for the
// pull-based Agent Protocol: there is no registration call, just a
// CoordinatorURL agents poll against.
type Config struct {
	AgentID  string
	Hostname string
	OS       string
	Arch     string

	CoordinatorURL string
	HealthPort     int

	ClaimPollInterval  time.Duration
	ClaimEmptyBackoff  time.Duration
	ClaimMaxBackoff    time.Duration
	HeartbeatInterval  time.Duration
	RequestTimeout     time.Duration
}

// LoadConfig reads agent configuration from the environment, persisting a
// generated AgentID to disk under ~/.fleetctl/agent_id so it survives
// process restarts.
func LoadConfig() (*Config, error) {
	agentID, err := getOrCreateAgentID()
	if err != nil {
		return nil, fmt.Errorf("initializing agent id: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	cfg := &Config{
		AgentID:           agentID,
		Hostname:          hostname,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		CoordinatorURL:    envOr("FLEETCTL_AGENT_COORDINATOR_URL", "http://localhost:8080"),
		HealthPort:        envOrInt("FLEETCTL_AGENT_HEALTH_PORT", 8081),
		ClaimPollInterval: envOrDuration("FLEETCTL_AGENT_CLAIM_INTERVAL", 2*time.Second),
		ClaimEmptyBackoff: envOrDuration("FLEETCTL_AGENT_EMPTY_BACKOFF", 1*time.Second),
		ClaimMaxBackoff:   envOrDuration("FLEETCTL_AGENT_MAX_BACKOFF", 30*time.Second),
		HeartbeatInterval: envOrDuration("FLEETCTL_AGENT_HEARTBEAT_INTERVAL", 10*time.Second),
		RequestTimeout:    envOrDuration("FLEETCTL_AGENT_REQUEST_TIMEOUT", 15*time.Second),
	}
	return cfg, nil
}

func getOrCreateAgentID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".fleetctl")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	idPath := filepath.Join(configDir, "agent_id")
	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("saving agent id to %s: %w", idPath, err)
	}
	return id, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
