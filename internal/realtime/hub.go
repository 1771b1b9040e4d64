// Package realtime streams fraud alerts and processed transfers to analyst
// dashboards over WebSocket.
//
// Clients connect to /ws and receive every event by default. Sending a
// Subscription JSON message narrows the stream to chosen event types,
// accounts, or a minimum risk score.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/transfers"
)

var (
	ErrHubStopped   = errors.New("realtime hub stopped")
	ErrBackpressure = errors.New("realtime broadcast buffer full")
	errHubFull      = errors.New("realtime hub at connection limit")
)

type EventType string

const (
	EventFraudAlert EventType = "fraud_alert"
	EventTransfer   EventType = "transfer"
)

// Event is the JSON frame sent to clients. The unexported fields are the
// keys subscriptions filter on.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	accounts  []int64
	riskScore float64
}

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 10000

const eventBuffer = 256

// Hub fans events out to connected clients. Connections are tracked under
// mu; Run owns the event channel and performs the fan-out.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  []string
	limit    int

	mu      sync.RWMutex
	clients map[*Client]struct{}
	stopped bool

	events chan *Event
	done   chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
	accepted  atomic.Int64
	peak      atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		limit:   MaxClients,
		clients: make(map[*Client]struct{}),
		events:  make(chan *Event, eventBuffer),
		done:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins permits browser connections from the given origins in
// addition to the serving host. "*" allows any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch origin {
	case "":
		return true
	case "http://" + r.Host, "https://" + r.Host:
		return true
	}
	return slices.Contains(h.origins, origin) || slices.Contains(h.origins, "*")
}

// Run fans out queued events until ctx is cancelled, then disconnects every
// client. A stopped hub rejects new connections and events.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.events:
			h.fanout(e)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	for c := range h.clients {
		close(c.send)
	}
	clear(h.clients)
	h.mu.Unlock()
	close(h.done)
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) fanout(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", string(e.Type), "error", err)
		return
	}
	h.delivered.Add(1)

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.logger.Debug("dropping lagging websocket client")
		h.remove(c)
	}
}

func (h *Hub) add(c *Client) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	if len(h.clients) >= h.limit {
		h.mu.Unlock()
		return errHubFull
	}
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.accepted.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return nil
}

// remove unregisters c and closes its send buffer. It is safe to call more
// than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event for fan-out. It reports false when the hub is
// stopped or its buffer is full.
func (h *Hub) Broadcast(e *Event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- e:
		return true
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime buffer full, dropping event", "type", string(e.Type))
		return false
	}
}

// Publish implements alerts.Sink. Unlike transfer events, a dropped alert is
// an error so the alert queue retries it.
func (h *Hub) Publish(_ context.Context, a *alerts.Alert) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	if !h.Broadcast(&Event{
		Type:      EventFraudAlert,
		Timestamp: a.Timestamp,
		Data:      a,
		accounts:  []int64{a.SourceAccount, a.TargetAccount},
		riskScore: a.RiskScore,
	}) {
		return ErrBackpressure
	}
	return nil
}

// PublishTransfer streams a processed transfer, best effort.
func (h *Hub) PublishTransfer(o *transfers.Outcome) {
	h.Broadcast(&Event{
		Type:      EventTransfer,
		Timestamp: o.CreatedAt,
		Data:      o,
		accounts:  []int64{o.SourceAccount, o.TargetAccount},
		riskScore: o.RiskScore,
	})
}

func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]interface{}{
		"clients":         n,
		"peakClients":     h.peak.Load(),
		"connections":     h.accepted.Load(),
		"eventsDelivered": h.delivered.Load(),
		"eventsDropped":   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and starts the client's read and
// write loops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped, n := h.stopped, len(h.clients)
	h.mu.RUnlock()
	switch {
	case stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	case n >= h.limit:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if err := h.add(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
