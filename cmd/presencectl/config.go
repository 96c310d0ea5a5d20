package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/presencectl/internal/admin"
	"github.com/danmuck/presencectl/internal/app"
	"github.com/danmuck/presencectl/internal/host"
	"github.com/danmuck/presencectl/internal/protocol/session"
)

type endpointFile struct {
	Address   string `toml:"address"`
	ClientID  string `toml:"client_id"`
	AuthToken string `toml:"auth_token"`
}

type presenceFile struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type pinningFile struct {
	Enabled bool     `toml:"enabled"`
	SPKI    []string `toml:"spki"`
}

type backoffFile struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type transportFile struct {
	SecurityMode     string      `toml:"security_mode"`
	ConnectTimeout   string      `toml:"connect_timeout"`
	HandshakeTimeout string      `toml:"handshake_timeout"`
	ReadTimeout      string      `toml:"read_timeout"`
	WriteTimeout     string      `toml:"write_timeout"`
	TLS              tlsFile     `toml:"tls"`
	Pinning          pinningFile `toml:"pinning"`
	Backoff          backoffFile `toml:"backoff"`
}

type fileConfig struct {
	Name                   string        `toml:"name"`
	Host                   string        `toml:"host"`
	ActiveCall             bool          `toml:"active_call"`
	AdminAddr              string        `toml:"admin_addr"`
	CORSOrigins            []string      `toml:"cors_origins"`
	AccountRefreshInterval string        `toml:"account_refresh_interval"`
	Primary                endpointFile  `toml:"primary"`
	Folder                 endpointFile  `toml:"folder"`
	Presence               presenceFile  `toml:"presence"`
	Transport              transportFile `toml:"transport"`
}

type runConfig struct {
	App   app.Config
	Host  host.Config
	Admin admin.Config
}

func defaultRunConfig() runConfig {
	return runConfig{
		App:   app.DefaultConfig(),
		Host:  host.Config{Name: "main"},
		Admin: admin.Config{ID: "presencectl", Addr: "127.0.0.1:7080"},
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load presencectl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.App.Name = name
			cfg.Admin.ID = name
		}
	}
	if meta.IsDefined("host") {
		if name := strings.TrimSpace(raw.Host); name != "" {
			cfg.Host.Name = name
		}
	}
	if meta.IsDefined("active_call") {
		cfg.Host.ActiveCall = raw.ActiveCall
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("account_refresh_interval") {
		d, err := parseDuration("account_refresh_interval", raw.AccountRefreshInterval)
		if err != nil {
			return runConfig{}, err
		}
		cfg.App.AccountRefreshInterval = d
	}

	if meta.IsDefined("primary", "address") {
		cfg.App.Primary.Address = strings.TrimSpace(raw.Primary.Address)
	}
	if meta.IsDefined("primary", "client_id") {
		cfg.App.Primary.ClientID = strings.TrimSpace(raw.Primary.ClientID)
	}
	if meta.IsDefined("primary", "auth_token") {
		cfg.App.Primary.AuthToken = strings.TrimSpace(raw.Primary.AuthToken)
	}
	if meta.IsDefined("folder", "address") {
		cfg.App.Folder.Address = strings.TrimSpace(raw.Folder.Address)
	}
	if meta.IsDefined("folder", "client_id") {
		cfg.App.Folder.ClientID = strings.TrimSpace(raw.Folder.ClientID)
	}

	if meta.IsDefined("presence", "enabled") {
		cfg.App.Presence.Enabled = raw.Presence.Enabled
	}
	if meta.IsDefined("presence", "url") {
		cfg.App.Presence.URL = strings.TrimSpace(raw.Presence.URL)
	}

	transport, err := applyTransport(meta, raw.Transport, cfg.App.Primary.Session)
	if err != nil {
		return runConfig{}, err
	}
	cfg.App.Primary.Session = transport
	cfg.App.Folder.Session = transport
	cfg.App.Presence.Session = transport

	return cfg, nil
}

func applyTransport(meta toml.MetaData, raw transportFile, cfg session.Config) (session.Config, error) {
	if meta.IsDefined("transport", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := parseDuration("transport."+d.key, d.raw)
		if err != nil {
			return session.Config{}, err
		}
		*d.dst = v
	}

	if meta.IsDefined("transport", "tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("transport", "tls", "mutual") {
		cfg.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("transport", "tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("transport", "tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("transport", "tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("transport", "tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("transport", "tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("transport", "pinning", "enabled") {
		cfg.Pinning.Enabled = raw.Pinning.Enabled
	}
	if meta.IsDefined("transport", "pinning", "spki") {
		cfg.Pinning.SPKI = normalizeList(raw.Pinning.SPKI)
	}

	if meta.IsDefined("transport", "backoff", "initial") {
		d, err := parseDuration("transport.backoff.initial", raw.Backoff.Initial)
		if err != nil {
			return session.Config{}, err
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("transport", "backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("transport", "backoff", "max") {
		d, err := parseDuration("transport.backoff.max", raw.Backoff.Max)
		if err != nil {
			return session.Config{}, err
		}
		cfg.Backoff.MaxDelay = d
	}
	if meta.IsDefined("transport", "backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	return cfg.WithDefaults(), nil
}

// validate checks everything run would reject before dialing.
func (c runConfig) validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Admin.Addr) == "" {
		return fmt.Errorf("presencectl: admin_addr required")
	}
	if err := c.App.Primary.Session.ValidateClientTransport(); err != nil {
		return err
	}
	if c.App.Primary.Session.Pinning.Enabled {
		if _, err := session.NewPinSet(c.App.Primary.Session.Pinning.SPKI); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
