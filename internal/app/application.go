package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/presencectl/internal/endpoint"
	"github.com/danmuck/presencectl/internal/events"
	"github.com/danmuck/presencectl/internal/liveness"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrPresenceUnavailable = errors.New("app: presence session unavailable")

// Application is the process-wide context shared by every hosting
// instance: the two endpoint clients, the optional presence session and
// the notification bus.
type Application struct {
	cfg Config
	bus *events.Bus

	primary *endpoint.Client
	folder  *endpoint.Client

	presenceEnabled atomic.Bool
	presenceMu      sync.Mutex
	presence        *presence.Client

	accountMu      sync.Mutex
	accountLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, bus: events.NewBus()}

	cfg.Primary.Kind = session.EndpointPrimary
	primary, err := endpoint.NewClient(cfg.Primary, a.bus)
	if err != nil {
		return nil, err
	}
	a.primary = primary

	if strings.TrimSpace(cfg.Folder.Address) != "" {
		cfg.Folder.Kind = session.EndpointFolder
		folder, err := endpoint.NewClient(cfg.Folder, a.bus)
		if err != nil {
			return nil, err
		}
		a.folder = folder
	}

	interval := cfg.AccountRefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().AccountRefreshInterval
	}
	a.accountLimiter = rate.NewLimiter(rate.Every(interval), 1)
	a.presenceEnabled.Store(cfg.Presence.Enabled)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Start launches the endpoint connect loops, and the presence session when
// messaging is enabled.
func (a *Application) Start() {
	a.primary.Start(a.ctx)
	if a.folder != nil {
		a.folder.Start(a.ctx)
	}
	if a.presenceEnabled.Load() {
		if _, err := a.presenceClient(); err != nil {
			log.Warn().Err(err).Msg("app.presence session not started")
		}
	}
	log.Info().
		Str("app", a.cfg.Name).
		Str("primary", a.cfg.Primary.Address).
		Bool("folder", a.folder != nil).
		Bool("presence", a.presenceEnabled.Load()).
		Msg("app.started")
}

func (a *Application) Close() error {
	a.cancel()
	var errs []error
	errs = append(errs, a.primary.Close())
	if a.folder != nil {
		errs = append(errs, a.folder.Close())
	}
	a.presenceMu.Lock()
	if a.presence != nil {
		errs = append(errs, a.presence.Close())
	}
	a.presenceMu.Unlock()
	return errors.Join(errs...)
}

func (a *Application) Name() string {
	return a.cfg.Name
}

func (a *Application) Bus() *events.Bus {
	return a.bus
}

func (a *Application) Primary() *endpoint.Client {
	return a.primary
}

// Folder returns nil when no folder endpoint is configured.
func (a *Application) Folder() *endpoint.Client {
	return a.folder
}

// Presence returns the presence client if one was created.
func (a *Application) Presence() *presence.Client {
	a.presenceMu.Lock()
	defer a.presenceMu.Unlock()
	return a.presence
}

// SetPresenceEnabled flips the messaging feature flag. Scopes pick the
// change up on their next resolve.
func (a *Application) SetPresenceEnabled(enabled bool) {
	if a.presenceEnabled.Swap(enabled) != enabled {
		log.Info().Bool("enabled", enabled).Msg("app.presence feature flag changed")
	}
}

// SetPresenceStatus forwards a status change to the presence session.
func (a *Application) SetPresenceStatus(status presence.Status) error {
	if !a.presenceEnabled.Load() {
		return ErrPresenceUnavailable
	}
	client, err := a.presenceClient()
	if err != nil {
		return err
	}
	return client.SetStatus(status)
}

// RefreshAccountInfo asks the primary endpoint for account details unless
// a request went out within the refresh interval. Reports whether a
// request was sent. A failed send leaves the interval untouched.
func (a *Application) RefreshAccountInfo(ctx context.Context) (bool, error) {
	a.accountMu.Lock()
	defer a.accountMu.Unlock()
	if a.accountLimiter.Tokens() < 1 {
		log.Debug().Msg("app.account details refresh skipped, requested recently")
		return false, nil
	}
	id, err := a.primary.RequestAccountDetails(ctx)
	if err != nil {
		return false, err
	}
	a.accountLimiter.Allow()
	log.Debug().Str("request_id", id).Msg("app.account details requested")
	return true, nil
}

// EndpointStatuses lists the configured endpoints in primary, folder order.
func (a *Application) EndpointStatuses() []endpoint.Status {
	out := []endpoint.Status{a.primary.Status()}
	if a.folder != nil {
		out = append(out, a.folder.Status())
	}
	return out
}

func (a *Application) PrimaryEndpoint() liveness.Endpoint {
	if a.primary == nil {
		return nil
	}
	return a.primary
}

func (a *Application) FolderEndpoint() liveness.Endpoint {
	if a.folder == nil {
		return nil
	}
	return a.folder
}

func (a *Application) PresenceEnabled() bool {
	return a.presenceEnabled.Load()
}

// PresenceSession creates the presence client on first use.
func (a *Application) PresenceSession() liveness.PresenceSession {
	client, err := a.presenceClient()
	if err != nil {
		log.Debug().Err(err).Msg("app.presence session unavailable")
		return nil
	}
	return sessionAdapter{client: client}
}

func (a *Application) presenceClient() (*presence.Client, error) {
	a.presenceMu.Lock()
	defer a.presenceMu.Unlock()
	if a.presence != nil {
		return a.presence, nil
	}
	if a.ctx.Err() != nil {
		return nil, ErrPresenceUnavailable
	}
	client, err := presence.NewClient(presence.Config{
		URL:     a.cfg.Presence.URL,
		Session: a.cfg.Presence.Session,
	}, a.bus)
	if err != nil {
		return nil, errors.Join(ErrPresenceUnavailable, err)
	}
	client.Start(a.ctx)
	a.presence = client
	return client, nil
}

// sessionAdapter exposes a presence client through liveness.PresenceSession.
type sessionAdapter struct {
	client *presence.Client
}

func (s sessionAdapter) RetryPendingConnections(interactive bool) error {
	return s.client.RetryPendingConnections(interactive)
}

func (s sessionAdapter) PresenceConfig() *liveness.PresenceConfig {
	snap := s.client.PresenceConfig()
	if snap == nil {
		return nil
	}
	return &liveness.PresenceConfig{
		Status:    snap.Status,
		AutoAway:  snap.AutoAway,
		Persist:   snap.Persist,
		LastGreen: snap.LastGreen,
		Pending:   snap.Pending,
	}
}

func (s sessionAdapter) IsSignalRequired() bool {
	return s.client.IsSignalRequired()
}

func (s sessionAdapter) SignalActivity() error {
	return s.client.SignalActivity()
}
