// Package realtime streams alert messages over websockets. Clients connect
// to a subscriber's stream and receive every alert sent to that subscriber
// while they are connected. The Hub is a notify sink.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prateushsharma/amlbot/internal/notify"
	"github.com/prateushsharma/amlbot/internal/validation"
)

// ErrStopped is returned by Notify once Run has exited.
var ErrStopped = errors.New("alert stream stopped")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// DefaultMaxClients caps concurrent stream connections.
	DefaultMaxClients = 10000

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadSize  = 4096
)

var (
	streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "amlbot",
		Subsystem: "stream",
		Name:      "clients",
		Help:      "Connected alert stream clients.",
	})
	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "stream",
		Name:      "slow_clients_dropped_total",
		Help:      "Stream clients disconnected because their send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(streamClients, streamDropped)
}

// Alert is the JSON frame written to stream clients.
type Alert struct {
	Type         string    `json:"type"`
	SubscriberID string    `json:"subscriberId"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Client is one websocket connection bound to a subscriber.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	subscriber string
	send       chan []byte
}

// Hub fans alerts out to stream clients by subscriber external ID.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	count      int
	broadcast  chan *Alert
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	now        func() time.Time

	totalAlerts  atomic.Int64
	totalClients atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// NewHub creates a hub. Call Run before serving streams.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		broadcast:  make(chan *Alert, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: DefaultMaxClients,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns client registration and delivery until ctx ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("alert stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub, set := range h.clients {
				for c := range set {
					close(c.send) // writePump sends a close frame
				}
				delete(h.clients, sub)
			}
			h.count = 0
			h.mu.Unlock()
			streamClients.Set(0)
			h.logger.Info("alert stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.subscriber]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.subscriber] = set
			}
			set[c] = struct{}{}
			h.count++
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			streamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "subscriber", c.subscriber, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			n := h.count
			h.mu.Unlock()
			streamClients.Set(float64(n))

		case a := <-h.broadcast:
			h.totalAlerts.Add(1)
			frame, err := json.Marshal(a)
			if err != nil {
				h.logger.Error("encode stream alert", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for c := range h.clients[a.SubscriberID] {
				select {
				case c.send <- frame:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					h.remove(c)
				}
				n := h.count
				h.mu.Unlock()
				streamDropped.Add(float64(len(slow)))
				streamClients.Set(float64(n))
			}
		}
	}
}

// remove drops c and closes its send channel. Callers hold h.mu.
func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.subscriber]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.subscriber)
	}
	h.count--
	close(c.send)
}

// Listeners returns the number of clients streaming for a subscriber.
func (h *Hub) Listeners(subscriberExternalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subscriberExternalID])
}

// Notify queues message for the subscriber's connected clients. With nobody
// connected it returns an error wrapping notify.ErrNoRecipient, so the alert
// stays pending unless another sink delivers it.
func (h *Hub) Notify(ctx context.Context, subscriberExternalID, message string) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	if h.Listeners(subscriberExternalID) == 0 {
		return fmt.Errorf("%w: no stream listeners", notify.ErrNoRecipient)
	}

	a := &Alert{
		Type:         "alert",
		SubscriberID: subscriberExternalID,
		Message:      message,
		Timestamp:    h.now().UTC(),
	}
	select {
	case h.broadcast <- a:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": h.count,
		"subscribers":      len(h.clients),
		"totalAlerts":      h.totalAlerts.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// RegisterRoutes mounts the stream endpoint.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscribers/:externalId/stream", h.Stream)
}

// Stream handles GET /v1/subscribers/:externalId/stream
func (h *Hub) Stream(c *gin.Context) {
	subscriber := c.Param("externalId")
	if errs := validation.Validate(
		validation.Required("externalId", subscriber),
		validation.MaxLength("externalId", subscriber, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	h.serve(c.Writer, c.Request, subscriber)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, subscriber string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		subscriber: subscriber,
		send:       make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only watches for pongs and close frames; clients send nothing.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "subscriber", c.subscriber, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Warn("websocket write error", "subscriber", c.subscriber, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
