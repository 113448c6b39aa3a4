package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlane/relay/internal/relay"
	"github.com/tutorlane/relay/internal/server"
)

type gateway struct {
	srv     *httptest.Server
	hub     *relay.Hub
	tracker *relay.Tracker
}

func startGateway(t *testing.T, tracker *relay.Tracker, mutate func(*server.Options)) *gateway {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(relay.ChannelConfig{
		Name:              "video",
		MaxPeers:          2,
		NotifyJoin:        true,
		NotifyLeave:       true,
		TrackInitiator:    true,
		HeartbeatInterval: time.Hour,
	}, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	opts := server.Options{
		Tracker: tracker,
		Logger:  logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthCheck)
	mux.HandleFunc("/stats", server.Stats(tracker, hub))
	mux.HandleFunc("/ws/video", server.ServeWs(hub, opts))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &gateway{srv: srv, hub: hub, tracker: tracker}
}

func (g *gateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/video"
}

func dialStatus(t *testing.T, g *gateway, dialer *websocket.Dialer, header http.Header) (*websocket.Conn, int) {
	t.Helper()
	conn, resp, err := dialer.Dial(g.wsURL(), header)
	if err != nil {
		require.NotNil(t, resp, "dial failed without response: %v", err)
		return nil, resp.StatusCode
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp.StatusCode
}

func TestUnknownPathIsNotUpgraded(t *testing.T) {
	g := startGateway(t, relay.NewTracker(0, 0), nil)

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOriginAllowlist(t *testing.T) {
	g := startGateway(t, relay.NewTracker(0, 0), func(o *server.Options) {
		o.AllowedOrigins = []string{"https://app.example.com"}
	})

	conn, status := dialStatus(t, g, websocket.DefaultDialer, http.Header{
		"Origin": []string{"https://evil.example.com"},
	})
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, status)

	conn, status = dialStatus(t, g, websocket.DefaultDialer, http.Header{
		"Origin": []string{"https://app.example.com"},
	})
	assert.NotNil(t, conn)
	assert.Equal(t, http.StatusSwitchingProtocols, status)
}

func TestNoAllowlistMeansOpen(t *testing.T) {
	g := startGateway(t, relay.NewTracker(0, 0), nil)

	conn, status := dialStatus(t, g, websocket.DefaultDialer, http.Header{
		"Origin": []string{"https://anywhere.example.com"},
	})
	assert.NotNil(t, conn)
	assert.Equal(t, http.StatusSwitchingProtocols, status)
}

func TestConnectionQuotaRejectsWith503(t *testing.T) {
	g := startGateway(t, relay.NewTracker(1, 0), nil)

	conn, _ := dialStatus(t, g, websocket.DefaultDialer, nil)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool {
		return g.tracker.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rejected, status := dialStatus(t, g, websocket.DefaultDialer, nil)
	assert.Nil(t, rejected)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestQuotaFreedAfterDisconnect(t *testing.T) {
	g := startGateway(t, relay.NewTracker(1, 0), nil)

	conn, _ := dialStatus(t, g, websocket.DefaultDialer, nil)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool {
		return g.tracker.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return g.tracker.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	again, status := dialStatus(t, g, websocket.DefaultDialer, nil)
	assert.NotNil(t, again)
	assert.Equal(t, http.StatusSwitchingProtocols, status)
}

// recordingValidator accepts a single token and remembers what it saw.
type recordingValidator struct {
	mu    sync.Mutex
	good  string
	seen  []string
	ident string
}

func (v *recordingValidator) Validate(ctx context.Context, token string) (string, error) {
	v.mu.Lock()
	v.seen = append(v.seen, token)
	v.mu.Unlock()
	if token == v.good {
		return v.ident, nil
	}
	return "", errors.New("invalid token")
}

func (v *recordingValidator) lastSeen() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.seen) == 0 {
		return ""
	}
	return v.seen[len(v.seen)-1]
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	validator := &recordingValidator{good: "good-token", ident: "user-1"}
	g := startGateway(t, relay.NewTracker(0, 0), func(o *server.Options) {
		o.Validator = validator
	})

	conn, status := dialStatus(t, g, websocket.DefaultDialer, nil)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL()+"?token=bad-token", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "bad-token", validator.lastSeen())
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	validator := &recordingValidator{good: "good-token", ident: "user-1"}
	g := startGateway(t, relay.NewTracker(0, 0), func(o *server.Options) {
		o.Validator = validator
	})

	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL()+"?token=good-token", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "good-token", validator.lastSeen())
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	validator := &recordingValidator{good: "good-token", ident: "user-1"}
	g := startGateway(t, relay.NewTracker(0, 0), func(o *server.Options) {
		o.Validator = validator
	})

	conn, status := dialStatus(t, g, websocket.DefaultDialer, http.Header{
		"Authorization": []string{"Bearer good-token"},
	})
	assert.NotNil(t, conn)
	assert.Equal(t, http.StatusSwitchingProtocols, status)
	assert.Equal(t, "good-token", validator.lastSeen())
}

func TestSubprotocolTokenWinsOverQuery(t *testing.T) {
	validator := &recordingValidator{good: "good-token", ident: "user-1"}
	g := startGateway(t, relay.NewTracker(0, 0), func(o *server.Options) {
		o.Validator = validator
	})

	dialer := websocket.Dialer{Subprotocols: []string{"good-token"}}
	conn, resp, err := dialer.Dial(g.wsURL()+"?token=ignored", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, "good-token", resp.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, "good-token", validator.lastSeen())
}

func TestHealthCheck(t *testing.T) {
	g := startGateway(t, relay.NewTracker(0, 0), nil)

	resp, err := http.Get(g.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	g := startGateway(t, relay.NewTracker(0, 0), nil)

	conn, _ := dialStatus(t, g, websocket.DefaultDialer, nil)
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "roomId": "abc"}))

	require.Eventually(t, func() bool {
		return g.hub.Snapshot().Rooms == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(g.srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Connections int                           `json:"connections"`
		Channels    map[string]relay.ChannelStats `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 1, payload.Connections)
	assert.Equal(t, 1, payload.Channels["video"].Rooms)
	assert.Equal(t, 1, payload.Channels["video"].Peers)
}
