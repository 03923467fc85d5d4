package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/types"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pingInterval is how long a connection may sit idle before the server
	// pings it. pongWait allows two missed pings before the read deadline
	// expires and the connection is torn down.
	pingInterval = 60 * time.Second
	pongWait     = 2*pingInterval + writeWait

	sendBufferSize = 64
)

// wsConnection is the subset of *websocket.Conn the transport uses, declared
// as an interface so tests can substitute a scripted mock connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one live WebSocket connection. Inbound events are processed in
// arrival order on the readPump goroutine (single-threaded per connection, so
// client-visible causality holds); outbound delivery goes through a buffered
// send channel drained by writePump, preserving per-recipient order.
type Client struct {
	hub    *Hub
	conn   wsConnection
	connID string

	mu     sync.RWMutex
	userID types.UserID
	roomID types.RoomID
	closed bool

	closeOnce sync.Once
	send      chan []byte
}

func newClient(hub *Hub, conn wsConnection, connID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		connID: connID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// identity returns the caller's bound userId/roomId, empty until a
// successful create-room or join-room.
func (c *Client) identity() (types.UserID, types.RoomID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.roomID
}

func (c *Client) setIdentity(userID types.UserID, roomID types.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.roomID = roomID
}

func (c *Client) clearIdentity() {
	c.setIdentity("", "")
}

// Send enqueues an outbound event for writePump. Non-blocking: a client that
// cannot drain its buffer loses the frame rather than stalling the sender.
func (c *Client) Send(msg events.Message) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(nil, "failed to encode outbound event", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}

	defer func() {
		// Send may race with close(c.send) on disconnect.
		if r := recover(); r != nil {
			logging.Debug(nil, "send to closing client", zap.String("connId", c.connID))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(nil, "client send buffer full, dropping event",
			zap.String("connId", c.connID), zap.String("event", string(msg.Event)))
	}
}

// close shuts the send channel exactly once; writePump then writes the close
// frame and both pumps unwind.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes inbound frames until the connection dies, dispatching
// each decoded envelope synchronously so per-connection ordering holds.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.close()
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(nil, "failed to decode inbound frame", zap.String("connId", c.connID), zap.Error(err))
			c.Send(events.Message{
				Event:   events.EventRoomError,
				Payload: events.RoomErrorPayload{Error: events.ErrValidationFailed},
			})
			continue
		}

		c.hub.dispatch(c, env)
	}
}

// writePump drains the send channel and keeps the idle-ping heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug(nil, "write failed", zap.String("connId", c.connID), zap.Error(err))
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
