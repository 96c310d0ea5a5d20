package endpoint

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/presencectl/internal/events"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired    = errors.New("endpoint: address required")
	ErrHelloRejected      = errors.New("endpoint: hello rejected")
	ErrNotConnected       = errors.New("endpoint: not connected")
	ErrAccountUnsupported = errors.New("endpoint: account details are served by the primary endpoint only")
)

// State is the connect-loop state of one client.
type State string

const (
	StateIdle               State = "idle"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateBackoff            State = "backoff"
	StateVerificationFailed State = "verification_failed"
	StateStopped            State = "stopped"
)

// Publisher receives verification failure notifications. *events.Bus
// satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

type Config struct {
	Kind      session.EndpointKind
	Address   string
	ClientID  string
	AuthToken string
	Session   session.Config
}

func DefaultConfig(kind session.EndpointKind) Config {
	return Config{
		Kind:    kind,
		Session: session.DefaultConfig(),
	}
}

// Status is a point-in-time view of a client for the admin surface.
type Status struct {
	Kind           string `json:"kind"`
	Address        string `json:"address"`
	State          State  `json:"state"`
	PinningEnabled bool   `json:"pinning_enabled"`
	Connects       int    `json:"connects"`
	LastError      string `json:"last_error,omitempty"`
}

// Client keeps one connection to the remote service alive. A background
// loop dials, retries with backoff, and parks after a verification failure
// until RetryPendingConnections or Reconnect wakes it.
type Client struct {
	cfg       Config
	publisher Publisher

	pinning   atomic.Bool
	reconnect atomic.Bool
	kick      chan struct{}

	mu       sync.Mutex
	conn     net.Conn
	state    State
	lastErr  error
	connects int

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewClient(cfg Config, publisher Publisher) (*Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = uuid.NewString()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	hello := session.Hello{ClientID: cfg.ClientID, Kind: cfg.Kind, AuthToken: cfg.AuthToken}
	if err := hello.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		publisher: publisher,
		kick:      make(chan struct{}, 1),
		state:     StateIdle,
		done:      make(chan struct{}),
	}
	c.pinning.Store(cfg.Session.Pinning.Enabled)
	observability.SetEndpointPinning(string(cfg.Kind), cfg.Session.Pinning.Enabled)
	return c, nil
}

func (c *Client) Kind() session.EndpointKind {
	return c.cfg.Kind
}

// Start launches the connect loop. Later calls are no-ops.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(ctx)
	})
}

// Close stops the connect loop and drops any live connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
		c.dropConn()
		c.setState(StateStopped, nil)
	})
	return nil
}

// RetryPendingConnections wakes a waiting connect loop. A live connection is
// left alone.
func (c *Client) RetryPendingConnections() {
	c.wake()
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Client) Reconnect() {
	c.reconnect.Store(true)
	c.wake()
}

// SetPinningEnabled toggles the SPKI pin check for subsequent handshakes.
// It has no effect unless pins are configured.
func (c *Client) SetPinningEnabled(enabled bool) {
	if !c.cfg.Session.Pinning.Enabled {
		enabled = false
	}
	prev := c.pinning.Swap(enabled)
	observability.SetEndpointPinning(string(c.cfg.Kind), enabled)
	if prev != enabled {
		log.Info().Str("endpoint", string(c.cfg.Kind)).Bool("pinning", enabled).Msg("endpoint.pinning changed")
	}
}

func (c *Client) PinningEnabled() bool {
	return c.pinning.Load()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Kind:           string(c.cfg.Kind),
		Address:        c.cfg.Address,
		State:          c.state,
		PinningEnabled: c.pinning.Load(),
		Connects:       c.connects,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// RequestAccountDetails asks the primary endpoint to push fresh account
// details. Returns the request id.
func (c *Client) RequestAccountDetails(ctx context.Context) (string, error) {
	if c.cfg.Kind != session.EndpointPrimary {
		return "", ErrAccountUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", ErrNotConnected
	}
	deadline := time.Now().Add(c.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return "", err
	}
	req := session.AccountRequest{RequestID: uuid.NewString()}
	if err := session.WriteAccountRequest(c.conn, req); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

func (c *Client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := session.NewBackoff(c.cfg.Session.Backoff)
	kind := string(c.cfg.Kind)

	for {
		if ctx.Err() != nil {
			return
		}
		c.reconnect.Store(false)
		conn, reader, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if session.IsVerificationFailure(err) {
				backoff.Reset()
				c.setState(StateVerificationFailed, err)
				observability.RecordEndpointConnect(kind, "verification_failed")
				log.Warn().Err(err).Str("endpoint", kind).Str("addr", c.cfg.Address).Msg("endpoint.verification failed")
				if c.publisher != nil {
					c.publisher.Publish(events.Event{Kind: events.KindVerificationFailed, Source: kind, Err: err})
				}
				if !c.waitKick(ctx, nil) {
					return
				}
				continue
			}

			delay := backoff.Next()
			c.setState(StateBackoff, err)
			observability.RecordEndpointConnect(kind, "error")
			log.Warn().Err(err).Str("endpoint", kind).Int("attempt", backoff.Attempts()).Dur("delay", delay).Msg("endpoint.dial failed")
			timer := time.NewTimer(delay)
			ok := c.waitKick(ctx, timer.C)
			timer.Stop()
			if !ok {
				return
			}
			continue
		}

		backoff.Reset()
		c.setConnected(conn)
		observability.RecordEndpointConnect(kind, "connected")
		log.Info().Str("endpoint", kind).Str("addr", c.cfg.Address).Bool("pinning", c.pinning.Load()).Msg("endpoint.connected")

		closed := make(chan struct{})
		go c.monitor(conn, reader, closed)
		if !c.holdConnection(ctx, closed) {
			c.dropConn()
			return
		}
		c.dropConn()
	}
}

// holdConnection blocks while the connection is live. Returns false when
// the loop should exit.
func (c *Client) holdConnection(ctx context.Context, closed <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-closed:
			log.Info().Str("endpoint", string(c.cfg.Kind)).Msg("endpoint.connection closed by peer")
			return true
		case <-c.kick:
			if c.reconnect.Swap(false) {
				log.Info().Str("endpoint", string(c.cfg.Kind)).Msg("endpoint.reconnect requested")
				return true
			}
		}
	}
}

// waitKick parks until woken, the timer fires, or ctx ends. A nil timer
// parks until woken.
func (c *Client) waitKick(ctx context.Context, timer <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		return true
	case <-timer:
		return true
	}
}

func (c *Client) connect(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	c.setState(StateConnecting, nil)
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, nil, err
	}
	conn := rawConn
	if c.cfg.Session.TLS.Enabled {
		tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address, c.pinning.Load())
		if err != nil {
			_ = rawConn.Close()
			return nil, nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
		err = tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			_ = rawConn.Close()
			return nil, nil, err
		}
		conn = tlsConn
	}

	reader, err := c.hello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, reader, nil
}

func (c *Client) hello(conn net.Conn) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello := session.Hello{ClientID: c.cfg.ClientID, Kind: c.cfg.Kind, AuthToken: c.cfg.AuthToken}
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return reader, nil
}

// monitor drains inbound control messages until the connection fails.
func (c *Client) monitor(conn net.Conn, reader *bufio.Reader, closed chan<- struct{}) {
	defer close(closed)
	for {
		msg, err := session.ReadControl(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("endpoint", string(c.cfg.Kind)).Msg("endpoint.read ended")
			}
			return
		}
		log.Debug().Str("endpoint", string(c.cfg.Kind)).Str("type", msg.Type).Msg("endpoint.control received")
	}
}

func (c *Client) setConnected(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = StateConnected
	c.lastErr = nil
	c.connects++
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if err != nil {
		c.lastErr = err
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	if c.state == StateConnected {
		c.state = StateIdle
	}
}
