package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luminet/guigate/fabric"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024 * 1024
)

// Client is one connected GUI client. The connection record fields
// (version, session, visible instances, pending schema requests) are
// guarded by Server.clientsMu, the same lock that guards the client table;
// no two handlers for the same client mutate them concurrently.
type Client struct {
	server *Server
	conn   *websocket.Conn

	id         string
	remoteAddr string

	lanes   *laneSet
	limiter *rate.Limiter // nil when admission limiting is disabled

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	// guarded by Server.clientsMu
	loggedIn               bool
	version                *semver.Version
	username               string
	sessionToken           string
	sessionStart           time.Time
	visibleInstances       map[string]struct{}
	requestedDeviceSchemas map[string]struct{}
	requestedClassSchemas  map[string]map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(s *Server, conn *websocket.Conn, id string) *Client {
	c := &Client{
		server:                 s,
		conn:                   conn,
		id:                     id,
		remoteAddr:             conn.RemoteAddr().String(),
		lanes:                  newLaneSet(s.cfg.LossyDataQueueCapacity),
		done:                   make(chan struct{}),
		visibleInstances:       make(map[string]struct{}),
		requestedDeviceSchemas: make(map[string]struct{}),
		requestedClassSchemas:  make(map[string]map[string]struct{}),
	}
	if s.cfg.ClientRequestsPerSecond > 0 {
		burst := int(s.cfg.ClientRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.ClientRequestsPerSecond), burst)
	}
	return c
}

// send enqueues a message on one of the client's outbound lanes.
func (c *Client) send(msg fabric.Hash, priority int) {
	c.lanes.push(priority, msg)
}

// close shuts the connection down once. The server-side cleanup runs in
// Server.dropClient.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.lanes.close()
		c.conn.Close()
	})
}

// readPump reads client messages until the connection dies and feeds them
// to the server's dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.server.dropClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.log.Debugw("Read pump started", "client_id", c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.bytesRead.Add(uint64(len(messageBytes)))

		if c.limiter != nil && !c.limiter.Allow() {
			c.send(notification("Request rate limit exceeded, message dropped"), laneLossless)
			continue
		}

		var msg fabric.Hash
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.log.Warnw("Ignoring malformed client message",
				"client_id", c.id,
				"error", err.Error(),
				"message_size", len(messageBytes),
			)
			continue
		}

		c.server.route(c, msg)
	}
}

// handleReadError logs unexpected WebSocket read errors. Expected closure
// codes are silently ignored.
func (c *Client) handleReadError(err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		c.server.log.Infow("Client connection closed",
			"client_id", c.id,
			"code", closeErr.Code,
			"text", closeErr.Text,
		)
		return
	}
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.log.Warnw("Client read error",
			"client_id", c.id,
			"error", err.Error(),
		)
	}
}

// writePump drains the outbound lanes by urgency and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	c.server.log.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-c.done:
			return
		case <-c.lanes.notify:
			if !c.drainLanes() {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainLanes writes queued messages until all lanes are empty. Returns
// false on a write error.
func (c *Client) drainLanes() bool {
	for {
		msg, ok := c.lanes.pop()
		if !ok {
			return true
		}
		data, err := json.Marshal(msg)
		if err != nil {
			c.server.log.Errorw("Failed to encode outbound message",
				"client_id", c.id,
				"error", err,
			)
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.server.log.Debugw("Client write error",
				"client_id", c.id,
				"error", err.Error(),
			)
			return false
		}
		c.bytesWritten.Add(uint64(len(data)))
	}
}
