package config

import (
	"strings"
	"time"

	"github.com/danmuck/netron/internal/netron"
	"github.com/danmuck/netron/internal/protocol/session"
)

// SessionSettings converts the [session] table into link settings,
// keeping session defaults for anything left empty.
func SessionSettings(cfg NodeConfig) (session.Config, error) {
	out := session.DefaultConfig()
	s := cfg.Session

	set := func(key, raw string, dst *time.Duration) error {
		d, err := parseDuration(key, raw)
		if err != nil {
			return err
		}
		if d > 0 {
			*dst = d
		}
		return nil
	}
	if err := set("connect_timeout", s.ConnectTimeout, &out.ConnectTimeout); err != nil {
		return session.Config{}, err
	}
	if err := set("handshake_timeout", s.HandshakeTimeout, &out.HandshakeTimeout); err != nil {
		return session.Config{}, err
	}
	if err := set("response_timeout", cfg.ResponseTimeout, &out.ResponseTimeout); err != nil {
		return session.Config{}, err
	}
	if err := set("backoff_initial", s.BackoffInitial, &out.Backoff.InitialDelay); err != nil {
		return session.Config{}, err
	}
	if err := set("backoff_max", s.BackoffMax, &out.Backoff.MaxDelay); err != nil {
		return session.Config{}, err
	}
	if s.BackoffMultiplier > 0 {
		out.Backoff.Multiplier = s.BackoffMultiplier
	}
	out.Backoff.Jitter = s.BackoffJitter
	out.MaxConnectAttempts = s.MaxConnectAttempts
	if mode := strings.TrimSpace(s.SecurityMode); mode != "" {
		out.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(mode))
	}
	out.TLS = session.TLSConfig{
		Enabled:            s.TLS.Enabled,
		Mutual:             s.TLS.Mutual,
		CertFile:           strings.TrimSpace(s.TLS.CertFile),
		KeyFile:            strings.TrimSpace(s.TLS.KeyFile),
		CAFile:             strings.TrimSpace(s.TLS.CAFile),
		ServerName:         strings.TrimSpace(s.TLS.ServerName),
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	return out, nil
}

// NodeOptions maps a node config onto netron construction options.
func NodeOptions(cfg NodeConfig) ([]netron.Option, error) {
	sess, err := SessionSettings(cfg)
	if err != nil {
		return nil, err
	}
	opts := []netron.Option{
		netron.WithSessionConfig(sess),
		netron.WithResponseTimeout(sess.ResponseTimeout),
		netron.WithProxifyContexts(cfg.ProxifyContexts),
		netron.WithTaskLimit(cfg.TaskLimit),
	}
	if id := strings.TrimSpace(cfg.ID); id != "" {
		opts = append(opts, netron.WithID(id))
	}
	return opts, nil
}
