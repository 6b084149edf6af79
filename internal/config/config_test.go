package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/netron/internal/netron"
	"github.com/danmuck/netron/internal/protocol/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadNodeTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, KindNode, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "node-a" {
		t.Fatalf("unexpected id: %q", cfg.ID)
	}
	if cfg.WSListen != ":7071" {
		t.Fatalf("unexpected ws listen: %q", cfg.WSListen)
	}
	if len(cfg.CorsOrigins) != 1 {
		t.Fatalf("unexpected cors origins: %+v", cfg.CorsOrigins)
	}
	if cfg.Session.BackoffMultiplier != 2.0 {
		t.Fatalf("unexpected multiplier: %v", cfg.Session.BackoffMultiplier)
	}
	if err := WriteTemplate(path, KindNode, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, KindNode, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
}

func TestLoadMeshTemplateNormalizesPeers(t *testing.T) {
	body, err := Template(KindMesh)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	cfg, err := LoadNodeConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if cfg.Peers[1].Transport != TransportWS {
		t.Fatalf("unexpected transport: %q", cfg.Peers[1].Transport)
	}
	if !cfg.ProxifyContexts {
		t.Fatalf("expected proxify enabled")
	}
	// Keys absent from the file keep their defaults.
	if cfg.Session.ConnectTimeout != "5s" {
		t.Fatalf("unexpected connect timeout: %q", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.MaxConnectAttempts != 10 {
		t.Fatalf("unexpected attempts: %d", cfg.Session.MaxConnectAttempts)
	}
}

func TestUnknownTemplateKind(t *testing.T) {
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestValidateNodeConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no endpoints": "listen = \"\"\n",
		"bad timeout":  "response_timeout = \"soon\"\n",
		"negative":     "task_limit = -1\n",
		"bad mode":     "[session]\nsecurity_mode = \"paranoid\"\n",
		"tcp url":      "[[peers]]\naddr = \"ws://host:1\"\n",
		"ws host":      "[[peers]]\naddr = \"host:1\"\ntransport = \"ws\"\n",
		"transport":    "[[peers]]\naddr = \"host:1\"\ntransport = \"udp\"\n",
		"empty addr":   "[[peers]]\naddr = \" \"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadNodeConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionSettingsOverlayDefaults(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ResponseTimeout = "10s"
	cfg.Session.ConnectTimeout = ""
	cfg.Session.BackoffMax = "1s"
	cfg.Session.SecurityMode = "Production"
	cfg.Session.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: " a.pem ", KeyFile: "a.key", CAFile: "ca.pem"}

	out, err := SessionSettings(cfg)
	if err != nil {
		t.Fatalf("session settings: %v", err)
	}
	if out.ResponseTimeout != 10*time.Second {
		t.Fatalf("unexpected response timeout: %v", out.ResponseTimeout)
	}
	if out.ConnectTimeout != session.DefaultConfig().ConnectTimeout {
		t.Fatalf("empty connect timeout should keep default, got %v", out.ConnectTimeout)
	}
	if out.Backoff.MaxDelay != time.Second {
		t.Fatalf("unexpected backoff max: %v", out.Backoff.MaxDelay)
	}
	if out.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected mode: %q", out.SecurityMode)
	}
	if out.TLS.CertFile != "a.pem" {
		t.Fatalf("cert file not trimmed: %q", out.TLS.CertFile)
	}
	if err := out.ValidateServerTransport(); err != nil {
		t.Fatalf("server transport: %v", err)
	}
}

func TestNodeOptionsBuildNode(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = "configured"
	cfg.ProxifyContexts = true
	opts, err := NodeOptions(cfg)
	if err != nil {
		t.Fatalf("node options: %v", err)
	}
	n, err := netron.New(opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer n.Close()
	if n.ID() != "configured" {
		t.Fatalf("unexpected node id: %q", n.ID())
	}
	if !n.ProxifyContexts() {
		t.Fatalf("expected proxify enabled")
	}
	if n.SessionConfig().ResponseTimeout != 3*time.Minute {
		t.Fatalf("unexpected response timeout: %v", n.SessionConfig().ResponseTimeout)
	}

	cfg.ResponseTimeout = "-1s"
	if _, err := NodeOptions(cfg); err == nil {
		t.Fatalf("expected negative timeout error")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = "printed"
	cfg.Peers = []PeerConfig{{Addr: "localhost:1", Transport: TransportTCP}}
	text, err := Encode(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	loaded, err := LoadNodeConfig(writeConfig(t, text))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.ID != "printed" || len(loaded.Peers) != 1 {
		t.Fatalf("unexpected reload: %+v", loaded)
	}
}
