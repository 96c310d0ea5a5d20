package app

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/endpoint"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEndpointServer accepts hellos and forwards account request ids.
func startEndpointServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	requests := make(chan string, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				if _, err := session.ReadHello(reader); err != nil {
					return
				}
				ack := session.HelloAck{Status: session.AckStatusAccepted, TimestampMS: uint64(time.Now().UnixMilli())}
				if err := session.WriteHelloAck(conn, ack); err != nil {
					return
				}
				for {
					msg, err := session.ReadControl(reader)
					if err != nil {
						return
					}
					if msg.IsAccountRequest() {
						requests <- msg.Account.RequestID
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), requests
}

func startPresenceServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(presence.Message{Type: presence.TypeConfig, Config: &presence.Snapshot{Status: "online", SignalRequired: true}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newApp(t *testing.T, cfg Config) *Application {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func baseConfig(primaryAddr string) Config {
	cfg := DefaultConfig()
	cfg.Primary.Address = primaryAddr
	cfg.Primary.AuthToken = "token"
	return cfg
}

func waitPrimaryConnected(t *testing.T, a *Application) {
	t.Helper()
	require.Eventually(t, a.Primary().Connected, 2*time.Second, 10*time.Millisecond, "primary never connected")
}

func TestNewRequiresPrimaryAddress(t *testing.T) {
	testlog.Start(t)
	_, err := New(DefaultConfig())
	assert.ErrorIs(t, err, ErrPrimaryAddressRequired)
}

func TestResolverReturnsUntypedNilForMissingFolder(t *testing.T) {
	testlog.Start(t)
	a := newApp(t, baseConfig("127.0.0.1:1"))

	assert.NotNil(t, a.PrimaryEndpoint())
	assert.True(t, a.FolderEndpoint() == nil)
	assert.Len(t, a.EndpointStatuses(), 1)
}

func TestFolderEndpointConfigured(t *testing.T) {
	testlog.Start(t)
	cfg := baseConfig("127.0.0.1:1")
	cfg.Folder.Address = "127.0.0.1:2"
	a := newApp(t, cfg)

	require.NotNil(t, a.FolderEndpoint())
	statuses := a.EndpointStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "primary", statuses[0].Kind)
	assert.Equal(t, "folder", statuses[1].Kind)
}

func TestPresenceSessionCreatedLazily(t *testing.T) {
	testlog.Start(t)
	cfg := baseConfig("127.0.0.1:1")
	cfg.Presence.URL = startPresenceServer(t)
	a := newApp(t, cfg)

	assert.False(t, a.PresenceEnabled())
	assert.Nil(t, a.Presence())

	a.SetPresenceEnabled(true)
	sess := a.PresenceSession()
	require.NotNil(t, sess)
	require.Eventually(t, func() bool { return sess.PresenceConfig() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sess.IsSignalRequired())
	assert.Equal(t, "online", sess.PresenceConfig().Status)
	assert.NotNil(t, a.Presence())
}

func TestPresenceSessionUnavailableWithoutURL(t *testing.T) {
	testlog.Start(t)
	cfg := baseConfig("127.0.0.1:1")
	cfg.Presence.Enabled = true
	a := newApp(t, cfg)

	assert.True(t, a.PresenceSession() == nil)
	assert.ErrorIs(t, a.SetPresenceStatus(presence.StatusAway), ErrPresenceUnavailable)
}

func TestSetPresenceStatusRequiresFeatureFlag(t *testing.T) {
	testlog.Start(t)
	cfg := baseConfig("127.0.0.1:1")
	cfg.Presence.URL = "ws://127.0.0.1:1/presence"
	a := newApp(t, cfg)
	assert.ErrorIs(t, a.SetPresenceStatus(presence.StatusAway), ErrPresenceUnavailable)
}

func TestRefreshAccountInfoIsThrottled(t *testing.T) {
	testlog.Start(t)
	addr, requests := startEndpointServer(t)
	a := newApp(t, baseConfig(addr))
	a.Start()

	waitPrimaryConnected(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := a.RefreshAccountInfo(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	select {
	case id := <-requests:
		assert.NotEmpty(t, id)
	case <-ctx.Done():
		require.FailNow(t, "account request not received")
	}

	sent, err = a.RefreshAccountInfo(ctx)
	require.NoError(t, err)
	assert.False(t, sent, "second request inside the interval is skipped")
}

func TestRefreshAccountInfoNotConnected(t *testing.T) {
	testlog.Start(t)
	a := newApp(t, baseConfig("127.0.0.1:1"))
	_, err := a.RefreshAccountInfo(context.Background())
	assert.ErrorIs(t, err, endpoint.ErrNotConnected)
}

func TestRefreshAccountInfoFailedSendKeepsInterval(t *testing.T) {
	testlog.Start(t)
	addr, requests := startEndpointServer(t)
	a := newApp(t, baseConfig(addr))

	sent, err := a.RefreshAccountInfo(context.Background())
	assert.ErrorIs(t, err, endpoint.ErrNotConnected)
	assert.False(t, sent)

	a.Start()
	waitPrimaryConnected(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err = a.RefreshAccountInfo(ctx)
	require.NoError(t, err)
	assert.True(t, sent, "a failed send must not use up the refresh interval")
	select {
	case id := <-requests:
		assert.NotEmpty(t, id)
	case <-ctx.Done():
		require.FailNow(t, "account request not received")
	}
}
