package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"kawan-hiking/backend/internal/models"
	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/logger"
	wire "kawan-hiking/backend/pkg/ws"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Largest frame handled; bigger ones are answered with chat:error.
	// A message is capped at 1000 characters.
	maxMessageSize = 16 * 1024

	// Hard transport cap. Frames past it close the connection.
	maxReadSize = 4 * maxMessageSize

	// Deadline for the store work behind one inbound frame
	frameTimeout = 15 * time.Second
)

// Client is one authenticated socket. Its identity never changes.
type Client struct {
	id       string
	identity service.Identity
	conn     *websocket.Conn
	hub      *Hub
	chat     *service.ChatService
	log      *logger.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id string, identity service.Identity, conn *websocket.Conn, hub *Hub, chat *service.ChatService, buffer int, log *logger.Logger) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		hub:      hub,
		chat:     chat,
		log:      log,
		send:     make(chan []byte, buffer),
	}
}

// enqueue queues data without blocking. false means the client is closed
// or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump, which then closes the connection
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendEvent(event string, data any) {
	msg, err := wire.Encode(event, data)
	if err != nil {
		c.log.LogError(err, "failed to encode chat event", "event", event)
		return
	}
	c.deliver(msg)
}

func (c *Client) sendAck(ack string, data wire.AckData) {
	msg, err := wire.EncodeAck(ack, data)
	if err != nil {
		c.log.LogError(err, "failed to encode ack")
		return
	}
	c.deliver(msg)
}

// deliver queues a direct reply. A client too slow to take its own replies
// is disconnected; the read pump then unregisters it.
func (c *Client) deliver(msg []byte) {
	if !c.enqueue(msg) {
		c.log.Warn("chat client send buffer full, closing")
		_ = c.conn.Close()
	}
}

// ReadPump handles inbound frames one at a time until the connection fails
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		c.log.Debug("chat read pump ended")
	}()

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("chat connection closed unexpectedly", "error", err.Error())
			}
			return
		}

		if len(data) > maxMessageSize {
			c.reply("", 0, errors.NewBadRequestError(errors.CodeInvalidInput, "Message too large"))
			continue
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendEvent(service.EventError, wire.ErrorData{Message: "Invalid message format"})
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame wire.Frame) {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	var (
		id  uint
		err error
	)
	switch frame.Type {
	case wire.TypeSend:
		var body wire.SendData
		if err = decodeData(frame.Data, &body); err == nil {
			var msg *models.ChatMessage
			if msg, err = c.chat.Send(ctx, c.identity, body.Text()); err == nil {
				id = msg.ID
			}
		}

	case wire.TypeMarkRead:
		err = c.chat.MarkAllRead(ctx, c.identity)

	case wire.TypeDelete:
		var body wire.DeleteData
		if err = decodeData(frame.Data, &body); err == nil {
			err = c.chat.DeleteMessage(ctx, c.identity, body.ID)
		}

	case wire.TypeHistory:
		var body wire.HistoryData
		if err = decodeData(frame.Data, &body); err == nil {
			err = c.sendHistory(ctx, body.Limit, body.SinceID)
		}

	default:
		err = errors.NewBadRequestError(errors.CodeInvalidInput, "Unknown event type")
	}

	c.reply(frame.Ack, id, err)
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewBadRequestError(errors.CodeInvalidInput, "Invalid message format").WithCause(err)
	}
	return nil
}

// reply acks the frame when it carried an ack id. Without one, only
// failures are reported, as chat:error.
func (c *Client) reply(ack string, id uint, err error) {
	if err != nil {
		if appErr, ok := errors.As(err); !ok || appErr.StatusCode >= 500 {
			c.log.LogError(err, "chat frame failed")
		}
	}

	if ack != "" {
		data := wire.AckData{OK: err == nil, ID: id}
		if err != nil {
			data.Error = errors.PublicMessage(err)
		}
		c.sendAck(ack, data)
		return
	}
	if err != nil {
		c.sendEvent(service.EventError, wire.ErrorData{Message: errors.PublicMessage(err)})
	}
}

// sendHistory pushes recent messages, oldest first
func (c *Client) sendHistory(ctx context.Context, limit int, sinceID uint) error {
	limit = service.ClampLimit(limit, service.RealtimeHistoryLimit, service.RealtimeHistoryLimit)
	msgs, err := c.chat.ListRecent(ctx, limit, sinceID)
	if err != nil {
		return err
	}
	c.sendEvent(service.EventHistory, msgs)
	return nil
}

func (c *Client) sendUnreadCount(ctx context.Context) error {
	n, err := c.chat.UnreadCount(ctx)
	if err != nil {
		return err
	}
	c.sendEvent(service.EventUnreadCount, service.UnreadCountPayload{Count: n})
	return nil
}

// WritePump writes queued frames and keepalive pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
