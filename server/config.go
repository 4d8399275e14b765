// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server's YAML configuration.
type Config struct {
	// Domain is the XMPP domain this server is authoritative for.
	Domain string `yaml:"domain"`

	// MUCDomain hosts multi-user chat rooms. Empty disables the room
	// service. Conventionally a subdomain, e.g. rooms.<domain>.
	MUCDomain string `yaml:"muc_domain"`

	// C2SAddr and S2SAddr are the listen addresses for client and peer
	// connections.
	C2SAddr string `yaml:"c2s_addr"`
	S2SAddr string `yaml:"s2s_addr"`

	// TLSCert and TLSKey enable the STARTTLS stream feature when both are
	// set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// DialbackSecret is the local HMAC secret for dialback keys. Required;
	// it must be stable across restarts of the same deployment.
	DialbackSecret string `yaml:"dialback_secret"`

	// DrainTimeout bounds connection draining during restart.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// QueueSize bounds each peer connection's outbound queue.
	QueueSize int `yaml:"queue_size"`

	// MetricsAddr serves the Prometheus endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`

	// Users is a static account table, username to password. Deployments
	// with a real credential backend supply their own Authenticator instead.
	Users map[string]string `yaml:"users"`
}

// DefaultConfig returns a config with the conventional ports filled in.
func DefaultConfig() Config {
	return Config{
		C2SAddr:      ":5222",
		S2SAddr:      ":5269",
		DrainTimeout: 30 * time.Second,
		QueueSize:    64,
		LogLevel:     "info",
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Domain == "" {
		return errors.New("server: config requires a domain")
	}
	if c.DialbackSecret == "" {
		return errors.New("server: config requires a dialback_secret")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}
