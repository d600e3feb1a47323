package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"scantool/internal/events"
)

const (
	// eventStatus is sent once to each client on connect with the current
	// device status.
	eventStatus = "status"

	feedQueue      = 256
	clientQueue    = 64
	wsWriteTimeout = 10 * time.Second
)

// WSHub fans scanner events out to the WebSocket feed subscribers.
type WSHub struct {
	logger *slog.Logger
	queue  chan events.Event

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types limits the events sent to the client; empty means all.
	types map[string]bool
	// reason is the close reason once the hub has closed send.
	reason string
}

func (c *wsClient) wants(eventType string) bool {
	return len(c.types) == 0 || c.types[eventType]
}

// parseTypes reads the comma separated ?types= filter.
func parseTypes(v string) map[string]bool {
	if v == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

// NewWSHub creates an idle hub; Run starts delivery.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		queue:   make(chan events.Event, feedQueue),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run delivers queued events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.queue:
			h.fanOut(ev)
		}
	}
}

// Broadcast queues an event without blocking; it is dropped when the
// queue is full.
func (h *WSHub) Broadcast(event events.Event) {
	select {
	case h.queue <- event:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", event.Type)
	}
}

// Stop closes every subscriber and ends Run. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		h.stopped = true
		for c := range h.clients {
			h.drop(c, "server shutdown")
		}
		h.mu.Unlock()
	})
}

// add subscribes c, reporting false once the hub is stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.logger.Debug("ws client disconnected", "total", len(h.clients))
	}
}

// drop unsubscribes c and closes its queue. Callers hold h.mu.
func (h *WSHub) drop(c *wsClient, reason string) {
	delete(h.clients, c)
	c.reason = reason
	close(c.send)
}

// fanOut encodes ev only if some subscriber wants it and evicts the
// subscribers whose queues are full.
func (h *WSHub) fanOut(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var data []byte
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.drop(c, "too slow")
			h.logger.Warn("ws client evicted", "reason", "too slow")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4096)

	c := &wsClient{
		conn:  conn,
		send:  make(chan []byte, clientQueue),
		types: parseTypes(r.URL.Query().Get("types")),
	}
	if c.wants(eventStatus) {
		if data, err := json.Marshal(events.Event{Type: eventStatus, Data: s.deviceStatus()}); err == nil {
			c.send <- data
		}
	}
	if !s.wsHub.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.remove(c)

	// The feed is one way: CloseRead discards input and ends ctx when the
	// peer goes away.
	ctx := conn.CloseRead(context.Background())
	s.feedClient(ctx, c)
}

// feedClient writes queued events to c until the peer leaves or the hub
// closes its queue.
func (s *Server) feedClient(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				status := websocket.StatusGoingAway
				if c.reason != "server shutdown" {
					status = websocket.StatusPolicyViolation
				}
				c.conn.Close(status, c.reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws write", "err", err)
				return
			}
		}
	}
}
