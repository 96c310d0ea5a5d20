package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/presencectl/internal/events"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrURLRequired   = errors.New("presence: url required")
	ErrNotConnected  = errors.New("presence: not connected")
	ErrClosed        = errors.New("presence: client closed")
	ErrInvalidStatus = errors.New("presence: invalid status")
)

const (
	TypeConfig    = "presence.config"
	TypeStatusSet = "presence.status.set"
	TypeActivity  = "presence.activity"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Snapshot is the server-negotiated presence config.
type Snapshot struct {
	Status         string `json:"status"`
	AutoAway       bool   `json:"auto_away"`
	Persist        bool   `json:"persist"`
	LastGreen      bool   `json:"last_green"`
	Pending        bool   `json:"pending"`
	SignalRequired bool   `json:"signal_required"`
}

// Message is the JSON envelope exchanged over the socket.
type Message struct {
	Type   string    `json:"type"`
	Config *Snapshot `json:"config,omitempty"`
	Status string    `json:"status,omitempty"`
}

type Config struct {
	URL     string
	Session session.Config
}

type Publisher interface {
	Publish(ev events.Event)
}

// Client is the real-time presence session. One background loop keeps the
// socket connected; all methods are safe for concurrent use.
type Client struct {
	cfg       Config
	publisher Publisher
	dialer    *websocket.Dialer

	kick        chan struct{}
	interactive atomic.Bool

	mu           sync.Mutex
	conn         *websocket.Conn
	config       *Snapshot
	localPending bool
	lastErr      error

	writeMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewClient(cfg Config, publisher Publisher) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("presence: parse url: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
	}
	if u.Scheme == "wss" && cfg.Session.TLS.Enabled {
		host := u.Host
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "443")
		}
		tlsCfg, err := cfg.Session.ClientTLSConfig(host, false)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	return &Client{
		cfg:       cfg,
		publisher: publisher,
		dialer:    dialer,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(ctx)
	})
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
		<-c.done
	})
	return nil
}

// RetryPendingConnections wakes the connect loop. interactive resets the
// backoff so the next dial happens immediately.
func (c *Client) RetryPendingConnections(interactive bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if interactive {
		c.interactive.Store(true)
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// PresenceConfig returns a copy of the current config, or nil before the
// first server config arrives. Pending is true while a local status change
// awaits confirmation.
func (c *Client) PresenceConfig() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		return nil
	}
	cp := *c.config
	cp.Pending = cp.Pending || c.localPending
	return &cp
}

func (c *Client) IsSignalRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config != nil && c.config.SignalRequired
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SignalActivity announces user activity to the server.
func (c *Client) SignalActivity() error {
	return c.send(Message{Type: TypeActivity})
}

// SetStatus requests a status change. The local config reads as pending
// until the server answers with a new config.
func (c *Client) SetStatus(status Status) error {
	status, err := ParseStatus(string(status))
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.localPending
	c.localPending = true
	c.mu.Unlock()
	if err := c.send(Message{Type: TypeStatusSet, Status: string(status)}); err != nil {
		c.mu.Lock()
		c.localPending = prev
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	observability.RecordPresenceMessage("out", msg.Type)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := session.NewBackoff(c.cfg.Session.Backoff)

	for {
		if ctx.Err() != nil {
			return
		}
		c.interactive.Store(false)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setErr(err)
			delay := backoff.Next()
			log.Warn().Err(err).Str("url", c.cfg.URL).Int("attempt", backoff.Attempts()).Dur("delay", delay).Msg("presence.dial failed")
			if !c.wait(ctx, delay, backoff) {
				return
			}
			continue
		}

		backoff.Reset()
		if !c.setConn(conn) {
			_ = conn.Close()
			return
		}
		log.Info().Str("url", c.cfg.URL).Msg("presence.connected")
		err = c.readLoop(conn)
		c.clearConn(conn, err)
		if ctx.Err() != nil {
			return
		}
		log.Info().Err(err).Str("url", c.cfg.URL).Msg("presence.disconnected")
		if !c.wait(ctx, backoff.Next(), backoff) {
			return
		}
	}
}

func (c *Client) wait(ctx context.Context, delay time.Duration, backoff *session.Backoff) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		if c.interactive.Load() {
			backoff.Reset()
		}
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("presence.malformed message dropped")
			continue
		}
		observability.RecordPresenceMessage("in", msg.Type)
		if msg.Type == TypeConfig && msg.Config != nil {
			c.applyConfig(*msg.Config)
		}
	}
}

// applyConfig stores cfg and publishes a settled notification when the
// effective config goes from pending or absent to settled.
func (c *Client) applyConfig(cfg Snapshot) {
	c.mu.Lock()
	wasPending := c.config == nil || c.config.Pending || c.localPending
	c.config = &cfg
	c.localPending = false
	settled := wasPending && !cfg.Pending
	c.mu.Unlock()

	log.Debug().
		Str("status", cfg.Status).
		Bool("pending", cfg.Pending).
		Bool("signal_required", cfg.SignalRequired).
		Msg("presence.config received")
	if settled && c.publisher != nil {
		c.publisher.Publish(events.Event{Kind: events.KindPresenceConfigSettled, Source: "presence"})
	}
}

func (c *Client) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.conn = conn
	c.lastErr = nil
	return true
}

func (c *Client) clearConn(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	_ = conn.Close()
	if err != nil {
		c.lastErr = err
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// LastError reports the most recent dial or read failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
