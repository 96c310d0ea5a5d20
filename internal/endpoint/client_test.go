package endpoint

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/events"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/danmuck/presencectl/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	ln       net.Listener
	accepts  atomic.Int32
	hellos   chan session.Hello
	accounts chan session.AccountRequest
	reject   atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func startServer(t *testing.T, tlsCfg *tls.Config) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &testServer{
		ln:       ln,
		hellos:   make(chan session.Hello, 16),
		accounts: make(chan session.AccountRequest, 16),
	}
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.dropAll()
	})
	return s
}

func (s *testServer) addr() string {
	return s.ln.Addr().String()
}

func (s *testServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		return
	}
	select {
	case s.hellos <- hello:
	default:
	}
	ack := session.HelloAck{Status: session.AckStatusAccepted, TimestampMS: uint64(time.Now().UnixMilli())}
	if s.reject.Load() {
		ack.Status = session.AckStatusRejected
		ack.Code = 401
		ack.Message = "bad token"
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		return
	}
	for {
		msg, err := session.ReadControl(reader)
		if err != nil {
			return
		}
		if msg.IsAccountRequest() {
			s.accounts <- *msg.Account
		}
	}
}

func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 40 * time.Millisecond}
	return cfg
}

func startClient(t *testing.T, cfg Config, pub Publisher) *Client {
	t.Helper()
	c, err := NewClient(cfg, pub)
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond, "client never connected: %+v", c.Status())
}

type tlsFixture struct {
	authority *tlstest.Authority
	server    *testServer
}

func newTLSFixture(t *testing.T) tlsFixture {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "presence-ca")
	issued := ca.IssueLoopbackServer(t, dir, "endpoint")
	return tlsFixture{authority: ca, server: startServer(t, issued.ServerConfig(t))}
}

func (f tlsFixture) sessionConfig(pins ...string) session.Config {
	cfg := fastSession()
	cfg.TLS = session.TLSConfig{Enabled: true, CAFile: f.authority.CAFile()}
	if len(pins) > 0 {
		cfg.Pinning = session.PinningConfig{Enabled: true, SPKI: pins}
	}
	return cfg
}

func TestNewClientValidatesConfig(t *testing.T) {
	testlog.Start(t)
	_, err := NewClient(Config{Kind: session.EndpointPrimary, AuthToken: "tok"}, nil)
	assert.ErrorIs(t, err, ErrAddressRequired)

	_, err = NewClient(Config{Kind: session.EndpointPrimary, Address: "127.0.0.1:1"}, nil)
	assert.ErrorIs(t, err, session.ErrInvalidHello)

	_, err = NewClient(Config{Kind: session.EndpointFolder, Address: "127.0.0.1:1", AuthToken: "tok"}, nil)
	assert.ErrorIs(t, err, session.ErrInvalidHello)

	bad := Config{Kind: session.EndpointFolder, Address: "127.0.0.1:1"}
	bad.Session.SecurityMode = session.SecurityModeProduction
	_, err = NewClient(bad, nil)
	assert.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestClientConnectsAndSendsHello(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, nil)
	c := startClient(t, Config{Kind: session.EndpointPrimary, Address: srv.addr(), AuthToken: "tok", Session: fastSession()}, nil)

	waitConnected(t, c)
	hello := <-srv.hellos
	assert.Equal(t, session.EndpointPrimary, hello.Kind)
	assert.Equal(t, "tok", hello.AuthToken)
	assert.NotEmpty(t, hello.ClientID)
	assert.Equal(t, StateConnected, c.State())
}

func TestRequestAccountDetails(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, nil)
	c := startClient(t, Config{Kind: session.EndpointPrimary, Address: srv.addr(), AuthToken: "tok", Session: fastSession()}, nil)
	waitConnected(t, c)

	id, err := c.RequestAccountDetails(context.Background())
	require.NoError(t, err)
	select {
	case req := <-srv.accounts:
		assert.Equal(t, id, req.RequestID)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "account request never reached the server")
	}
}

func TestRequestAccountDetailsErrors(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(Config{Kind: session.EndpointPrimary, Address: "127.0.0.1:1", AuthToken: "tok"}, nil)
	require.NoError(t, err)
	_, err = c.RequestAccountDetails(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	folder, err := NewClient(Config{Kind: session.EndpointFolder, Address: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	_, err = folder.RequestAccountDetails(context.Background())
	assert.ErrorIs(t, err, ErrAccountUnsupported)
}

func TestRetryKeepsLiveConnectionReconnectDropsIt(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, nil)
	c := startClient(t, Config{Kind: session.EndpointFolder, Address: srv.addr(), Session: fastSession()}, nil)
	waitConnected(t, c)

	c.RetryPendingConnections()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, srv.accepts.Load())
	assert.Equal(t, 1, c.Status().Connects)

	c.Reconnect()
	require.Eventually(t, func() bool { return c.Status().Connects == 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, srv.accepts.Load())
}

func TestClientRedialsAfterPeerClose(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, nil)
	c := startClient(t, Config{Kind: session.EndpointFolder, Address: srv.addr(), Session: fastSession()}, nil)
	waitConnected(t, c)

	srv.dropAll()
	require.Eventually(t, func() bool { return c.Status().Connects >= 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)
}

func TestRejectedHelloBacksOff(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, nil)
	srv.reject.Store(true)
	rec := &recorder{}
	c := startClient(t, Config{Kind: session.EndpointPrimary, Address: srv.addr(), AuthToken: "tok", Session: fastSession()}, rec)

	require.Eventually(t, func() bool { return srv.accepts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Connected())
	assert.Contains(t, c.Status().LastError, "hello rejected")
	assert.Zero(t, rec.count(), "rejection is not a verification failure")
}

func TestTLSWithMatchingPinConnects(t *testing.T) {
	testlog.Start(t)
	f := newTLSFixture(t)
	c := startClient(t, Config{Kind: session.EndpointFolder, Address: f.server.addr(), Session: f.sessionConfig(f.authority.Pin())}, nil)
	waitConnected(t, c)
	assert.True(t, c.PinningEnabled())
}

func TestPinMismatchReportsAndParksUntilDisabled(t *testing.T) {
	testlog.Start(t)
	f := newTLSFixture(t)
	other := tlstest.NewAuthority(t, t.TempDir(), "other-ca")
	rec := &recorder{}
	c := startClient(t, Config{
		Kind:      session.EndpointPrimary,
		Address:   f.server.addr(),
		AuthToken: "tok",
		Session:   f.sessionConfig(other.Pin()),
	}, rec)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := rec.last()
	assert.Equal(t, events.KindVerificationFailed, ev.Kind)
	assert.Equal(t, "primary", ev.Source)
	assert.True(t, errors.Is(ev.Err, session.ErrPinMismatch))
	assert.Equal(t, StateVerificationFailed, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "no automatic retry after a verification failure")
	assert.EqualValues(t, 1, f.server.accepts.Load())

	c.SetPinningEnabled(false)
	c.Reconnect()
	waitConnected(t, c)
	assert.False(t, c.PinningEnabled())
	assert.Equal(t, 1, rec.count())
}

func TestPinnedCertAppendedToChainIsRejected(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	pinned := tlstest.NewAuthority(t, dir, "pinned-ca")
	trusted := tlstest.NewAuthority(t, dir, "trusted-ca")
	serverCfg := trusted.IssueLoopbackServer(t, dir, "endpoint").ServerConfig(t)
	serverCfg.Certificates[0].Certificate = append(serverCfg.Certificates[0].Certificate, pinned.Certificate().Raw)
	server := startServer(t, serverCfg)

	cfg := fastSession()
	cfg.TLS = session.TLSConfig{Enabled: true, CAFile: trusted.CAFile()}
	cfg.Pinning = session.PinningConfig{Enabled: true, SPKI: []string{pinned.Pin()}}
	rec := &recorder{}
	c := startClient(t, Config{Kind: session.EndpointFolder, Address: server.addr(), Session: cfg}, rec)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(rec.last().Err, session.ErrPinMismatch))
	assert.False(t, c.Connected())
	assert.Equal(t, StateVerificationFailed, c.State())
}

func TestUntrustedChainIsVerificationFailure(t *testing.T) {
	testlog.Start(t)
	f := newTLSFixture(t)
	other := tlstest.NewAuthority(t, t.TempDir(), "other-ca")
	cfg := fastSession()
	cfg.TLS = session.TLSConfig{Enabled: true, CAFile: other.CAFile()}
	rec := &recorder{}
	c := startClient(t, Config{Kind: session.EndpointFolder, Address: f.server.addr(), Session: cfg}, rec)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, session.IsVerificationFailure(rec.last().Err))

	c.RetryPendingConnections()
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSetPinningEnabledWithoutPinsStaysOff(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(Config{Kind: session.EndpointFolder, Address: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	c.SetPinningEnabled(true)
	assert.False(t, c.PinningEnabled())
}

func TestCloseWithoutStart(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(Config{Kind: session.EndpointFolder, Address: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateStopped, c.State())
}
