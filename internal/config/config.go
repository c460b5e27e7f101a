// Package config loads server and agent configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server holds the edged configuration.
type Server struct {
	HTTPAddr   string `json:"http_addr"`
	DeviceAddr string `json:"device_addr"`

	CADir        string        `json:"ca_dir"`
	CertValidity time.Duration `json:"cert_validity"`
	ServerHosts  string        `json:"server_hosts"`

	AdminToken string `json:"-"`

	// Postgres; empty host selects the in-memory store.
	DBHost     string `json:"db_host"`
	DBPort     int    `json:"db_port"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"-"`
	DBName     string `json:"db_name"`

	// NATS; empty URL disables event publishing.
	NATSURL string `json:"nats_url"`

	PollLimit       int           `json:"poll_limit"`
	RequeueAfter    time.Duration `json:"requeue_after"`
	RequeueInterval time.Duration `json:"requeue_interval"`

	LogLevel string `json:"log_level"`
}

// LoadServer loads the edged configuration from the environment.
func LoadServer() (*Server, error) {
	cfg := &Server{
		HTTPAddr:   getEnv("EDGED_HTTP_ADDR", ":8440"),
		DeviceAddr: getEnv("EDGED_DEVICE_ADDR", ":8443"),

		CADir:        getEnv("EDGED_CA_DIR", "/var/lib/edged/ca"),
		CertValidity: getDurationEnv("EDGED_CERT_VALIDITY", 90*24*time.Hour),
		ServerHosts:  getEnv("EDGED_SERVER_HOSTS", "localhost,127.0.0.1"),

		AdminToken: getEnv("EDGED_ADMIN_TOKEN", ""),

		DBHost:     getEnv("EDGED_DB_HOST", ""),
		DBPort:     getIntEnv("EDGED_DB_PORT", 5432),
		DBUser:     getEnv("EDGED_DB_USER", "edged"),
		DBPassword: getEnv("EDGED_DB_PASSWORD", ""),
		DBName:     getEnv("EDGED_DB_NAME", "edged"),

		NATSURL: getEnv("EDGED_NATS_URL", ""),

		PollLimit:       getIntEnv("EDGED_POLL_LIMIT", 5),
		RequeueAfter:    getDurationEnv("EDGED_TASK_REQUEUE_AFTER", 15*time.Minute),
		RequeueInterval: getDurationEnv("EDGED_TASK_REQUEUE_INTERVAL", time.Minute),

		LogLevel: getEnv("EDGED_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values edged cannot start with.
func (c *Server) Validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("EDGED_ADMIN_TOKEN is required")
	}
	if c.HTTPAddr == c.DeviceAddr {
		return fmt.Errorf("EDGED_HTTP_ADDR and EDGED_DEVICE_ADDR must differ")
	}
	if c.PollLimit < 1 {
		return fmt.Errorf("EDGED_POLL_LIMIT must be at least 1")
	}
	if c.CertValidity < time.Hour {
		return fmt.Errorf("EDGED_CERT_VALIDITY must be at least 1h")
	}
	if c.RequeueAfter < 0 {
		return fmt.Errorf("EDGED_TASK_REQUEUE_AFTER must not be negative")
	}
	return nil
}

// Agent holds the edge-agent configuration.
type Agent struct {
	DeviceID  string `json:"device_id"`
	ServerURL string `json:"server_url"`
	DeviceURL string `json:"device_url"`

	StateDir  string `json:"state_dir"`
	BackupDir string `json:"backup_dir"`

	PollInterval time.Duration `json:"poll_interval"`
	ClaimBackoff time.Duration `json:"claim_backoff"`

	LogLevel string `json:"log_level"`
}

// LoadAgent loads the edge-agent configuration from the environment.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		DeviceID:  getEnv("EDGE_AGENT_DEVICE_ID", ""),
		ServerURL: getEnv("EDGE_AGENT_SERVER_URL", "https://localhost:8440"),
		DeviceURL: getEnv("EDGE_AGENT_DEVICE_URL", "https://localhost:8443"),

		StateDir:  getEnv("EDGE_AGENT_STATE_DIR", "/var/lib/edge-agent"),
		BackupDir: getEnv("EDGE_AGENT_BACKUP_DIR", "/var/lib/edge-agent/backups"),

		PollInterval: getDurationEnv("EDGE_AGENT_POLL_INTERVAL", 30*time.Second),
		ClaimBackoff: getDurationEnv("EDGE_AGENT_CLAIM_BACKOFF", 10*time.Second),

		LogLevel: getEnv("EDGE_AGENT_LOG_LEVEL", "info"),
	}

	if cfg.DeviceID == "" {
		// Fall back to the machine ID, then the hostname.
		cfg.DeviceID = machineID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the agent cannot start with.
func (c *Agent) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("EDGE_AGENT_DEVICE_ID is required and no machine ID was found")
	}
	if c.ServerURL == "" || c.DeviceURL == "" {
		return fmt.Errorf("EDGE_AGENT_SERVER_URL and EDGE_AGENT_DEVICE_URL are required")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("EDGE_AGENT_POLL_INTERVAL must be at least 1s")
	}
	if c.ClaimBackoff < time.Second {
		return fmt.Errorf("EDGE_AGENT_CLAIM_BACKOFF must be at least 1s")
	}
	return nil
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := trimNewline(string(data)); id != "" {
				return id
			}
		}
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return ""
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
