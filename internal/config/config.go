package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the on-disk shape of one netron node.
type NodeConfig struct {
	ID              string        `toml:"id"`
	Listen          string        `toml:"listen"`
	WSListen        string        `toml:"ws_listen"`
	AdminAddr       string        `toml:"admin_addr"`
	CorsOrigins     []string      `toml:"cors_origins"`
	AdminTokens     []string      `toml:"admin_tokens"`
	ProxifyContexts bool          `toml:"proxify_contexts"`
	ResponseTimeout string        `toml:"response_timeout"`
	TaskLimit       int           `toml:"task_limit"`
	Session         SessionConfig `toml:"session"`
	Peers           []PeerConfig  `toml:"peers"`
}

type SessionConfig struct {
	ConnectTimeout     string    `toml:"connect_timeout"`
	HandshakeTimeout   string    `toml:"handshake_timeout"`
	MaxConnectAttempts int       `toml:"max_connect_attempts"`
	BackoffInitial     string    `toml:"backoff_initial"`
	BackoffMax         string    `toml:"backoff_max"`
	BackoffMultiplier  float64   `toml:"backoff_multiplier"`
	BackoffJitter      bool      `toml:"backoff_jitter"`
	SecurityMode       string    `toml:"security_mode"`
	TLS                TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// PeerConfig is one outbound link dialed at startup.
type PeerConfig struct {
	Addr      string `toml:"addr"`
	Transport string `toml:"transport"`
}

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Listen:          ":7070",
		AdminAddr:       ":7080",
		ResponseTimeout: "3m",
		Session: SessionConfig{
			ConnectTimeout:     "5s",
			HandshakeTimeout:   "5s",
			MaxConnectAttempts: 5,
			BackoffInitial:     "250ms",
			BackoffMax:         "5s",
			BackoffMultiplier:  2.0,
			BackoffJitter:      true,
			SecurityMode:       "development",
		},
	}
}

// LoadNodeConfig reads path over the defaults and validates the result.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	cfg.Peers = normalizePeers(cfg.Peers)
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
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

func normalizePeers(in []PeerConfig) []PeerConfig {
	out := make([]PeerConfig, 0, len(in))
	for _, p := range in {
		p.Addr = strings.TrimSpace(p.Addr)
		p.Transport = strings.ToLower(strings.TrimSpace(p.Transport))
		if p.Transport == "" {
			p.Transport = TransportTCP
		}
		out = append(out, p)
	}
	return out
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Listen) == "" && strings.TrimSpace(cfg.WSListen) == "" && len(cfg.Peers) == 0 {
		return fmt.Errorf("node config needs listen, ws_listen or at least one peer")
	}
	if cfg.TaskLimit < 0 {
		return fmt.Errorf("task_limit must not be negative")
	}
	if _, err := parseDuration("response_timeout", cfg.ResponseTimeout); err != nil {
		return err
	}
	if err := ValidateSessionConfig(cfg.Session); err != nil {
		return fmt.Errorf("session invalid: %w", err)
	}
	for i, p := range cfg.Peers {
		if err := ValidatePeerEntry(p); err != nil {
			return fmt.Errorf("peer[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateSessionConfig(cfg SessionConfig) error {
	for _, d := range []struct{ key, raw string }{
		{"connect_timeout", cfg.ConnectTimeout},
		{"handshake_timeout", cfg.HandshakeTimeout},
		{"backoff_initial", cfg.BackoffInitial},
		{"backoff_max", cfg.BackoffMax},
	} {
		if _, err := parseDuration(d.key, d.raw); err != nil {
			return err
		}
	}
	if cfg.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.SecurityMode)) {
	case "", "development", "production":
	default:
		return fmt.Errorf("unknown security_mode: %s", cfg.SecurityMode)
	}
	return nil
}

func ValidatePeerEntry(p PeerConfig) error {
	if strings.TrimSpace(p.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	switch p.Transport {
	case TransportTCP:
		if strings.Contains(p.Addr, "://") {
			return fmt.Errorf("tcp addr must be host:port, got %s", p.Addr)
		}
	case TransportWS:
		if !strings.HasPrefix(p.Addr, "ws://") && !strings.HasPrefix(p.Addr, "wss://") {
			return fmt.Errorf("ws addr must be a ws:// or wss:// url, got %s", p.Addr)
		}
	default:
		return fmt.Errorf("unknown transport: %s", p.Transport)
	}
	return nil
}

// parseDuration accepts an empty value as zero.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
