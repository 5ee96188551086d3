package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Environment overrides, named after the variables the gateway has always
// been deployed with.
const (
	EnvHost              = "WA_SERVER_HOST"
	EnvPort              = "WA_SERVER_PORT"
	EnvPortFallback      = "PORT"
	EnvMaxRetries        = "WA_SERVER_MAX_RETRIES"
	EnvReconnectInterval = "WA_SERVER_RECONNECT_INTERVAL"
	EnvClientServerURL   = "CLIENT_SERVER_URL"
	EnvSessionsDir       = "WAGATE_SESSIONS_DIR"
)

type GatewayConfig struct {
	Host                string   `toml:"host"`
	Port                int      `toml:"port"`
	SessionsDir         string   `toml:"sessions_dir"`
	ClientServerURL     string   `toml:"client_server_url"`
	MaxRetries          int      `toml:"max_retries"`
	ReconnectIntervalMS int      `toml:"reconnect_interval_ms"`
	LogLevel            string   `toml:"log_level"`
	CorsOrigins         []string `toml:"cors_origins"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Host:        "0.0.0.0",
		Port:        8000,
		SessionsDir: "sessions",
		MaxRetries:  1,
		LogLevel:    "info",
	}
}

// LoadGatewayConfig reads the TOML file at path, fills defaults, and applies
// environment overrides. An empty path skips the file and configures from
// defaults plus environment only.
func LoadGatewayConfig(path string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if strings.TrimSpace(path) != "" {
		if err := loadToml(path, &cfg); err != nil {
			return GatewayConfig{}, err
		}
	}
	applyEnvOverrides(&cfg)
	if cfg.Host == "" {
		cfg.Host = DefaultGatewayConfig().Host
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultGatewayConfig().Port
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = DefaultGatewayConfig().SessionsDir
	}
	if err := ValidateGatewayConfig(cfg); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// ListenAddr joins host and port into the gin listen address.
func (c GatewayConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReconnectInterval is the retry delay as a duration.
func (c GatewayConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *GatewayConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt(EnvPort); ok {
		cfg.Port = v
	} else if v, ok := envInt(EnvPortFallback); ok {
		cfg.Port = v
	}
	if v, ok := envInt(EnvMaxRetries); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envInt(EnvReconnectInterval); ok {
		cfg.ReconnectIntervalMS = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvClientServerURL)); v != "" {
		cfg.ClientServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSessionsDir)); v != "" {
		cfg.SessionsDir = v
	}
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func ValidateGatewayConfig(cfg GatewayConfig) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("gateway config missing host")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("gateway config port out of range: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.SessionsDir) == "" {
		return fmt.Errorf("gateway config missing sessions_dir")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("gateway config max_retries negative")
	}
	if cfg.ReconnectIntervalMS < 0 {
		return fmt.Errorf("gateway config reconnect_interval_ms negative")
	}
	return nil
}
