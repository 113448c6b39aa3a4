package relay

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Outbound buffer per connection. A peer that cannot drain this many
	// frames is considered slow and further frames to it are dropped.
	sendBuffer = 256

	// Headroom on top of the signal payload cap for the transport read
	// limit. The limit only guards against grossly abusive frames; an
	// over-cap signal must still arrive intact so the hub can answer it
	// with an error frame instead of the transport killing the socket.
	transportSlack = 64 * 1024
)

// Client is a wrapper for a single websocket connection (a peer).
type Client struct {
	// ID identifies the connection in logs and has no wire meaning.
	ID string

	// Identity is the authenticated user id, empty when auth is disabled.
	Identity string

	// Addr is the normalized source address used for per-address quotas.
	Addr string

	hub  *Hub
	conn *websocket.Conn

	// send is the buffered channel of outbound messages. The write pump
	// is the only reader. Never closed: the read pump enqueues error
	// frames concurrently with the hub, so termination is signaled via
	// quit instead.
	send chan *Message

	// quit is closed by the hub exactly once when the client is removed.
	quit chan struct{}

	// roomID and isInitiator are owned by the hub's run loop.
	roomID      string
	isInitiator bool

	// alive is flipped true by the pong handler and false by each
	// heartbeat sweep. A sweep finding it false terminates the client.
	alive atomic.Bool

	// closed is set by the hub when the client leaves all shared state.
	closed atomic.Bool

	limiter *SlidingWindow
	logger  *slog.Logger
}

// NewClient wraps an upgraded connection for the given hub. The caller
// still has to register the client and start both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, identity, addr string) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		Addr:     addr,
		hub:      hub,
		conn:     conn,
		send:     make(chan *Message, sendBuffer),
		quit:     make(chan struct{}),
		limiter:  NewSlidingWindow(hub.cfg.RateLimitCount, hub.cfg.RateLimitWindow),
	}
	c.logger = hub.logger.With("conn", c.ID)
	c.alive.Store(true)

	conn.SetReadLimit(int64(2*hub.cfg.MaxSignalBytes + transportSlack))
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// enqueue hands a message to the write pump without blocking the caller.
// Frames to a peer with a full buffer are dropped; the heartbeat sweep
// reaps the connection if it stays unresponsive.
func (c *Client) enqueue(msg *Message) {
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("dropping frame for slow consumer", "type", msg.Type)
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
//
// Rate limiting runs before parsing, and a malformed frame answers with an
// error instead of dropping the connection.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}

		if !c.limiter.Allow(time.Now()) {
			c.enqueue(errorMessage("rate limit exceeded"))
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(errorMessage("invalid JSON"))
			continue
		}
		msg.client = c

		select {
		case c.hub.inbound <- &msg:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine; heartbeat pings and shutdown
// close frames go through WriteControl, which is safe concurrently.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-c.quit:
			// The hub removed us: say goodbye properly.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
