package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tutorlane/relay/internal/relay"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,

	// Origin is checked by the gatekeeper before Upgrade is called, so
	// rejections carry a 403 instead of gorilla's generic handshake error.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options carries the gatekeeper collaborators shared by both channels.
type Options struct {
	// AllowedOrigins is the exact-match Origin allowlist. Empty = open.
	AllowedOrigins []string

	// Validator authenticates upgrade requests. Nil disables auth and
	// connections get an empty identity.
	Validator TokenValidator

	// Tracker enforces global and per-address connection quotas.
	Tracker *relay.Tracker

	Logger *slog.Logger
}

// ServeWs returns an http.HandlerFunc guarding one channel endpoint. The
// checks run in order and each rejection happens before the handshake, so
// a refused request never costs a socket: origin (403), quota (503),
// auth (401). On success the connection is registered with the tracker and
// handed to the channel's hub.
func ServeWs(hub *relay.Hub, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !originAllowed(opts.AllowedOrigins, r.Header.Get("Origin")) {
			opts.Logger.Warn("origin rejected", "origin", r.Header.Get("Origin"), "channel", hub.Name())
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		addr := sourceAddr(r)
		if !opts.Tracker.Allow(addr) {
			opts.Logger.Warn("connection quota exceeded", "addr", addr, "channel", hub.Name())
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}

		identity := ""
		if opts.Validator != nil {
			token := extractToken(r)
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			id, err := opts.Validator.Validate(r.Context(), token)
			if err != nil {
				opts.Logger.Warn("token rejected", "addr", addr, "error", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			identity = id
		}

		// Echo the negotiated subprotocol when the token traveled in it,
		// otherwise browsers abort the handshake.
		var respHeader http.Header
		if proto := firstProtocol(r); proto != "" {
			respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
		}

		conn, err := upgrader.Upgrade(w, r, respHeader)
		if err != nil {
			opts.Logger.Warn("upgrade failed", "addr", addr, "error", err)
			return
		}

		client := relay.NewClient(hub, conn, identity, addr)
		opts.Tracker.Add(client)
		if !hub.Register(client) {
			// Hub already stopped; the socket is ours to clean up.
			opts.Tracker.Remove(client)
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

// HealthCheck answers liveness probes from the load balancer.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// Stats returns a JSON snapshot of connection and room counts.
func Stats(tracker *relay.Tracker, hubs ...*relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Connections int                           `json:"connections"`
			Channels    map[string]relay.ChannelStats `json:"channels"`
		}{
			Connections: tracker.Count(),
			Channels:    make(map[string]relay.ChannelStats, len(hubs)),
		}
		for _, h := range hubs {
			payload.Channels[h.Name()] = h.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}

func originAllowed(allowlist []string, origin string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == origin {
			return true
		}
	}
	return false
}

// sourceAddr normalizes the remote address to its host part so quota
// buckets are keyed per peer, not per ephemeral port.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstProtocol(r *http.Request) string {
	proto := r.Header.Get("Sec-WebSocket-Protocol")
	if proto == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(proto, ",")[0])
}
