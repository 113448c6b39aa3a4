package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelConfig parameterizes one hub. The video-signaling and
// classroom-sync channels share the implementation and differ only here.
type ChannelConfig struct {
	// Name tags log lines and stats for this channel.
	Name string

	// MaxPeers caps room membership.
	MaxPeers int

	// MaxRooms caps concurrently live rooms, 0 = unlimited.
	MaxRooms int

	// NotifyJoin broadcasts peer-joined to all room members on join.
	NotifyJoin bool

	// NotifyLeave broadcasts peer-left to remaining members on leave.
	NotifyLeave bool

	// TrackInitiator marks the peer that brings a room from one member to
	// two as the negotiation initiator.
	TrackInitiator bool

	// HeartbeatInterval is the liveness sweep period. A dead peer is
	// detected within two intervals.
	HeartbeatInterval time.Duration

	// RateLimitCount inbound messages are allowed per RateLimitWindow
	// on each connection. 0 disables limiting.
	RateLimitCount  int
	RateLimitWindow time.Duration

	// MaxSignalBytes bounds the serialized data of a single signal.
	MaxSignalBytes int

	// AllowedSignalTypes restricts signalType values when non-empty.
	// Empty keeps the relay payload-agnostic.
	AllowedSignalTypes []string
}

// ChannelStats is a point-in-time snapshot of one hub.
type ChannelStats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Peers       int `json:"peers"`
}

// Hub is the central brain of one signaling channel. A single goroutine
// running Run owns all room and membership state; every mutation arrives
// through its channels, which serializes concurrent joins without a
// per-room lock.
type Hub struct {
	cfg     ChannelConfig
	tracker *Tracker
	logger  *slog.Logger

	// rooms maps room ids to live rooms. Owned by the run loop.
	rooms map[string]*Room

	// clients holds every registered connection on this channel.
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan *Message
	stats      chan chan ChannelStats

	// done is closed when the run loop exits. Pumps and callers select
	// on it so nothing blocks against a stopped hub.
	done chan struct{}
}

// NewHub creates a hub for one channel. Zero config values get defaults
// suitable for production.
func NewHub(cfg ChannelConfig, tracker *Tracker, logger *slog.Logger) *Hub {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 2
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxSignalBytes <= 0 {
		cfg.MaxSignalBytes = 256 * 1024
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 10 * time.Second
	}
	return &Hub{
		cfg:        cfg,
		tracker:    tracker,
		logger:     logger.With("channel", cfg.Name),
		rooms:      make(map[string]*Room),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *Message),
		stats:      make(chan chan ChannelStats),
		done:       make(chan struct{}),
	}
}

// Name returns the channel name.
func (h *Hub) Name() string {
	return h.cfg.Name
}

// Register hands an accepted connection to the run loop. Returns false if
// the hub has already stopped, in which case the caller owns the socket.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Snapshot returns current stats, answered by the run loop itself so no
// lock is needed on the maps.
func (h *Hub) Snapshot() ChannelStats {
	reply := make(chan ChannelStats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return ChannelStats{}
	}
}

// Run starts the hub's main processing loop. This is the single goroutine
// that safely manages all state (rooms, clients). It exits when ctx is
// canceled, stopping the heartbeat ticker with it.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("client registered", "conn", c.ID, "addr", c.Addr, "identity", c.Identity)

		case c := <-h.unregister:
			h.dropClient(c)

		case msg := <-h.inbound:
			h.dispatch(msg)

		case <-ticker.C:
			h.sweep()

		case reply := <-h.stats:
			reply <- h.snapshot()
		}
	}
}

func (h *Hub) snapshot() ChannelStats {
	peers := 0
	for _, room := range h.rooms {
		peers += room.size()
	}
	return ChannelStats{
		Rooms:       len(h.rooms),
		Connections: len(h.clients),
		Peers:       peers,
	}
}

// dispatch routes one inbound frame. Protocol errors answer with an error
// frame and keep the connection open; unknown types are logged and ignored
// so newer clients do not get older peers disconnected.
func (h *Hub) dispatch(m *Message) {
	c := m.client
	if c.closed.Load() {
		return
	}

	switch m.Type {
	case TypeJoin:
		if !ValidRoomID(m.RoomID) {
			c.enqueue(errorMessage("invalid room id"))
			return
		}
		h.join(c, m.RoomID)

	case TypeLeave:
		h.leave(c)

	case TypeSignal:
		h.relaySignal(c, m)

	case "":
		c.enqueue(errorMessage("missing message type"))

	default:
		h.logger.Debug("ignoring unknown message type", "conn", c.ID, "type", m.Type)
	}
}

// join adds c to the room, creating it on first use. A member of another
// room on this channel leaves it first; a connection can be in at most one
// room per channel.
func (h *Hub) join(c *Client, roomID string) {
	if c.roomID == roomID {
		// Repeated join of the current room is a no-op success.
		c.enqueue(joinedMessage(roomID, c.isInitiator))
		return
	}
	if c.roomID != "" {
		h.leave(c)
	}

	room, ok := h.rooms[roomID]
	if !ok {
		if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
			c.enqueue(errorMessage("room limit reached"))
			return
		}
		room = newRoom(roomID)
		h.rooms[roomID] = room
		h.logger.Info("room created", "room", roomID)
	}

	// Sockets that died without cleanup yet must not hold seats.
	room.prune()

	if room.size() >= h.cfg.MaxPeers {
		// The client decides whether to retry or disconnect.
		c.enqueue(&Message{Type: TypeRoomFull})
		return
	}

	initiator := h.cfg.TrackInitiator && room.size() == 1
	room.add(c)
	c.roomID = roomID
	c.isInitiator = initiator

	c.enqueue(joinedMessage(roomID, initiator))
	if h.cfg.NotifyJoin {
		for _, m := range room.members {
			if !m.closed.Load() {
				m.enqueue(&Message{Type: TypePeerJoined, RoomID: roomID})
			}
		}
	}
	h.logger.Info("client joined room", "conn", c.ID, "room", roomID, "initiator", initiator, "peers", room.size())
}

// leave removes c from its room, if any. Idempotent; deletes the room the
// moment it empties.
func (h *Hub) leave(c *Client) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""
	c.isInitiator = false

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	room.remove(c)

	if room.size() == 0 {
		delete(h.rooms, roomID)
		h.logger.Info("room deleted", "room", roomID)
		return
	}
	if h.cfg.NotifyLeave {
		for _, m := range room.members {
			if !m.closed.Load() {
				m.enqueue(&Message{Type: TypePeerLeft, RoomID: roomID})
			}
		}
	}
}

// relaySignal forwards a negotiation payload verbatim to every other open
// member of the sender's room. The relay does not interpret signalType
// unless an allowlist is configured.
func (h *Hub) relaySignal(c *Client, m *Message) {
	if c.roomID == "" {
		c.enqueue(errorMessage("not in a room"))
		return
	}
	if len(m.Data) == 0 {
		c.enqueue(errorMessage("missing signal data"))
		return
	}
	if len(m.Data) > h.cfg.MaxSignalBytes {
		c.enqueue(errorMessage("signal payload too large"))
		return
	}
	if len(m.SignalType) > maxSignalTypeLength {
		c.enqueue(errorMessage("signal type too long"))
		return
	}
	if len(h.cfg.AllowedSignalTypes) > 0 && !contains(h.cfg.AllowedSignalTypes, m.SignalType) {
		c.enqueue(errorMessage("signal type not allowed"))
		return
	}

	room, ok := h.rooms[c.roomID]
	if !ok {
		c.enqueue(errorMessage("not in a room"))
		return
	}

	out := &Message{Type: TypeSignal, SignalType: m.SignalType, Data: m.Data}
	for _, peer := range room.members {
		if peer != c && !peer.closed.Load() {
			peer.enqueue(out)
		}
	}
}

// sweep is the heartbeat pass. A connection that did not answer the
// previous probe is presumed dead and terminated without a close
// handshake; everyone else gets marked stale and probed again.
func (h *Hub) sweep() {
	now := time.Now()
	for c := range h.clients {
		if c.closed.Load() {
			continue
		}
		if !c.alive.Load() {
			h.logger.Warn("terminating unresponsive client", "conn", c.ID, "addr", c.Addr)
			h.dropClient(c)
			c.conn.Close()
			continue
		}
		c.alive.Store(false)
		c.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait))
	}
}

// dropClient removes a connection from every piece of shared state:
// its room, the tracker, the client set and the outbound channel. All
// terminal socket events funnel through here, and only the first call
// does anything.
func (h *Hub) dropClient(c *Client) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	h.leave(c)
	h.tracker.Remove(c)
	delete(h.clients, c)
	close(c.quit)
	h.logger.Info("client unregistered", "conn", c.ID, "addr", c.Addr)
}

// Drain implements the shutdown sequence for this channel: with the run
// loop (and its heartbeat) already stopped, send a going-away close to
// every open socket, wait out the grace period, then force-terminate
// whatever is left. Callers close the listener only after Drain returns.
func (h *Hub) Drain(grace time.Duration) {
	<-h.done

	goingAway := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	deadline := time.Now().Add(writeWait)
	for c := range h.clients {
		if !c.closed.Load() {
			c.conn.WriteControl(websocket.CloseMessage, goingAway, deadline)
		}
	}

	time.Sleep(grace)

	for c := range h.clients {
		h.dropClient(c)
		c.conn.Close()
	}
	h.logger.Info("channel drained")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
