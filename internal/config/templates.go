package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindNode = "node"
	KindMesh = "mesh"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindNode:
		return nodeTemplate, nil
	case KindMesh:
		return meshTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Encode renders cfg back to TOML, for printing the effective config.
func Encode(cfg NodeConfig) (string, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config encode failed: %w", err)
	}
	return string(out), nil
}

const nodeTemplate = `id = "node-a"
listen = ":7070"
ws_listen = ":7071"
admin_addr = ":7080"
cors_origins = ["http://localhost:3000"]
admin_tokens = []
proxify_contexts = false
response_timeout = "3m"
task_limit = 0

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
max_connect_attempts = 5
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
insecure_skip_verify = false
`

const meshTemplate = `id = "node-b"
listen = ":7170"
admin_addr = ":7180"
proxify_contexts = true

[session]
max_connect_attempts = 10
security_mode = "development"

[[peers]]
addr = "localhost:7070"
transport = "tcp"

[[peers]]
addr = "ws://localhost:7071/netron"
transport = "ws"
`
