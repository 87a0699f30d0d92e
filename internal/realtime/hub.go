// Package realtime streams committed billing events to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Subscription is a client's event filter. An empty list matches any value.
type Subscription struct {
	AllEvents bool          `json:"allEvents"`
	Kinds     []events.Kind `json:"kinds,omitempty"`
	TenantIDs []uint64      `json:"tenantIds,omitempty"`
	Accounts  []string      `json:"accounts,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the default connection limit.
const MaxClients = 10000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	delivered atomic.Int64
	dropped   atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := int64(len(h.clients))
			h.mu.Unlock()
			if n > h.peak.Load() {
				h.peak.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event", "kind", e.Kind, "error", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !h.shouldSend(c, e) {
					continue
				}
				select {
				case c.send <- data:
					h.delivered.Add(1)
				default:
					// Slow client.
					close(c.send)
					delete(h.clients, c)
					h.dropped.Add(1)
				}
			}
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

func (h *Hub) shouldSend(c *Client, e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub := c.sub

	if sub.AllEvents {
		return true
	}
	if len(sub.Kinds) > 0 && !contains(sub.Kinds, e.Kind) {
		return false
	}
	if len(sub.TenantIDs) > 0 && !contains(sub.TenantIDs, e.TenantID) {
		return false
	}
	if len(sub.Accounts) > 0 {
		matched := false
		for _, a := range sub.Accounts {
			if strings.EqualFold(a, e.Account) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Publish queues e for delivery. It drops the event when the queue is full.
func (h *Hub) Publish(e events.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("event queue full, dropping event", "kind", e.Kind, "seq", e.Seq)
	}
}

// Stats describes hub activity.
type Stats struct {
	Clients   int   `json:"clients"`
	Peak      int64 `json:"peak"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns current hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Clients:   n,
		Peak:      h.peak.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client. The initial
// filter comes from the kinds, tenant and account query parameters.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		sub:  subscriptionFromQuery(r.URL.Query()),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func subscriptionFromQuery(q url.Values) Subscription {
	var sub Subscription
	for _, k := range splitList(q.Get("kinds")) {
		sub.Kinds = append(sub.Kinds, events.Kind(k))
	}
	for _, t := range splitList(q.Get("tenant")) {
		if id, err := strconv.ParseUint(t, 10, 64); err == nil && id > 0 {
			sub.TenantIDs = append(sub.TenantIDs, id)
		}
	}
	sub.Accounts = splitList(q.Get("account"))
	return sub
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readPump applies filter updates sent by the client and keeps the
// connection alive.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

var _ events.Sink = (*Hub)(nil)
