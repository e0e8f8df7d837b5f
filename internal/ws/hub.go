package ws

import (
	"context"
	"sync/atomic"

	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/pkg/logger"
	wire "kawan-hiking/backend/pkg/ws"
	"kawan-hiking/backend/shared/observability"
)

type outbound struct {
	data     []byte
	audience service.Audience
}

// Hub tracks live chat connections and fans events out to them.
// It implements service.Broadcaster.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}

	active  atomic.Int64
	metrics *observability.ChatMetrics
	log     *logger.Logger
}

func NewHub(log *logger.Logger, metrics *observability.ChatMetrics) *Hub {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		metrics:    metrics,
		log:        log,
	}
}

// Run owns the client set until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			h.log.Info("chat hub stopped")
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.active.Add(1)
			h.metrics.ConnectionOpened(ctx)
			c.log.Info("chat client registered", "username", c.identity.Username, "role", c.identity.Role)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				c.log.Info("chat client unregistered")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if msg.audience != nil && !msg.audience(c.identity) {
					continue
				}
				if !c.enqueue(msg.data) {
					h.remove(c)
					h.metrics.ClientDropped(ctx)
					c.log.Warn("chat client dropped, send buffer full")
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	h.active.Add(-1)
	h.metrics.ConnectionClosed(context.Background())
	c.close()
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client; unknown clients are ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast encodes the event once and queues it for delivery. It never
// blocks: when the hub is backed up the event is dropped and logged.
func (h *Hub) Broadcast(event string, payload any, audience service.Audience) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		h.log.LogError(err, "failed to encode chat event", "event", event)
		return
	}

	select {
	case h.broadcast <- outbound{data: data, audience: audience}:
	case <-h.done:
	default:
		h.log.Warn("chat broadcast queue full, event dropped", "event", event)
	}
}

// ActiveConnections returns the number of registered clients
func (h *Hub) ActiveConnections() int64 {
	return h.active.Load()
}

var _ service.Broadcaster = (*Hub)(nil)
