package app

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/presencectl/internal/endpoint"
	"github.com/danmuck/presencectl/internal/protocol/session"
)

var ErrPrimaryAddressRequired = errors.New("app: primary endpoint address required")

// PresenceConfig configures the real-time presence session.
type PresenceConfig struct {
	// Enabled is the messaging feature flag at startup. It can be flipped
	// at runtime with Application.SetPresenceEnabled.
	Enabled bool
	URL     string
	Session session.Config
}

type Config struct {
	Name     string
	Primary  endpoint.Config
	Folder   endpoint.Config
	Presence PresenceConfig
	// AccountRefreshInterval is the minimum gap between account details
	// requests.
	AccountRefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:                   "presencectl",
		Primary:                endpoint.DefaultConfig(session.EndpointPrimary),
		Folder:                 endpoint.DefaultConfig(session.EndpointFolder),
		Presence:               PresenceConfig{Session: session.DefaultConfig()},
		AccountRefreshInterval: time.Hour,
	}
}

// Validate checks what New needs before any client is built.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Primary.Address) == "" {
		return ErrPrimaryAddressRequired
	}
	return nil
}
