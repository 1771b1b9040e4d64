package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/scorer"
	"github.com/mulehunter/mulehunter/internal/transfers"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// fakeClient registers a connectionless client so tests can read its
// send buffer directly.
func fakeClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	c.sub.Store(&sub)
	if err := h.add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	return c
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func statInt64(t *testing.T, h *Hub, key string) int64 {
	t.Helper()
	v, ok := h.Stats()[key].(int64)
	if !ok {
		t.Fatalf("stat %q missing or not int64: %v", key, h.Stats()[key])
	}
	return v
}

func TestHub_AddRemove(t *testing.T) {
	h := NewHub(slog.Default())

	a := fakeClient(t, h, Subscription{})
	fakeClient(t, h, Subscription{})
	if got := h.Stats()["clients"].(int); got != 2 {
		t.Fatalf("clients = %d, want 2", got)
	}

	h.remove(a)
	h.remove(a)
	if got := h.Stats()["clients"].(int); got != 1 {
		t.Errorf("clients = %d, want 1", got)
	}
	if _, open := <-a.send; open {
		t.Error("send buffer should be closed after remove")
	}
	if got := statInt64(t, h, "peakClients"); got != 2 {
		t.Errorf("peakClients = %d, want 2", got)
	}
	if got := statInt64(t, h, "connections"); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestHub_ConnectionLimit(t *testing.T) {
	h := NewHub(slog.Default())
	h.limit = 1
	fakeClient(t, h, Subscription{})

	if err := h.add(&Client{hub: h, send: make(chan []byte, 1)}); !errors.Is(err, errHubFull) {
		t.Fatalf("expected errHubFull, got %v", err)
	}

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503 at limit, got %d", rec.Code)
	}
}

func TestHub_PublishAlert(t *testing.T) {
	h := startHub(t)
	watcher := fakeClient(t, h, Subscription{Accounts: []int64{11}})

	err := h.Publish(context.Background(), &alerts.Alert{
		ID:            "alert_1",
		TransferID:    "tx_1",
		SourceAccount: 10,
		TargetAccount: 11,
		Amount:        "250",
		RiskScore:     0.93,
		Verdict:       scorer.Block,
		Timestamp:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var ev struct {
		Type EventType    `json:"type"`
		Data alerts.Alert `json:"data"`
	}
	if err := json.Unmarshal(recv(t, watcher), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventFraudAlert || ev.Data.TransferID != "tx_1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_PublishTransferFiltersByRisk(t *testing.T) {
	h := startHub(t)
	c := fakeClient(t, h, Subscription{EventTypes: []EventType{EventTransfer}, MinRiskScore: 0.5})

	outcome := func(id string, score float64) *transfers.Outcome {
		return &transfers.Outcome{ID: id, SourceAccount: 1, TargetAccount: 2,
			Amount: decimal.NewFromInt(5), RiskScore: score, CreatedAt: time.Now()}
	}
	h.PublishTransfer(outcome("tx_low", 0.1))
	h.PublishTransfer(outcome("tx_high", 0.8))

	// Events are fanned out in order, so the first frame seen must be the
	// high-risk one.
	msg := recv(t, c)
	if !strings.Contains(string(msg), "tx_high") {
		t.Errorf("expected tx_high, got %s", msg)
	}
	if got := statInt64(t, h, "eventsDelivered"); got < 1 {
		t.Errorf("eventsDelivered = %d", got)
	}
}

func TestHub_LaggingClientDropped(t *testing.T) {
	h := NewHub(slog.Default())
	slow := &Client{hub: h, send: make(chan []byte)}
	slow.sub.Store(&Subscription{})
	if err := h.add(slow); err != nil {
		t.Fatal(err)
	}

	h.fanout(&Event{Type: EventTransfer})

	if got := h.Stats()["clients"].(int); got != 0 {
		t.Errorf("lagging client should be removed, clients = %d", got)
	}
}

func TestHub_Backpressure(t *testing.T) {
	h := NewHub(slog.Default())
	for i := 0; i < cap(h.events); i++ {
		h.events <- &Event{Type: EventTransfer}
	}

	err := h.Publish(context.Background(), &alerts.Alert{ID: "alert_full"})
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure, got %v", err)
	}
	if got := statInt64(t, h, "eventsDropped"); got != 1 {
		t.Errorf("eventsDropped = %d, want 1", got)
	}
}

func TestHub_Stopped(t *testing.T) {
	h := NewHub(slog.Default())
	c := fakeClient(t, h, Subscription{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	if _, open := <-c.send; open {
		t.Error("client should be disconnected on shutdown")
	}
	if err := h.Publish(context.Background(), &alerts.Alert{ID: "late"}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected ErrHubStopped, got %v", err)
	}
	if h.Broadcast(&Event{Type: EventTransfer}) {
		t.Error("Broadcast should fail after stop")
	}
	if err := h.add(&Client{hub: h, send: make(chan []byte)}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("add after stop: %v", err)
	}

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Subscription{EventTypes: []EventType{EventFraudAlert}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscription is applied asynchronously, so keep publishing until
	// a frame arrives or the deadline passes.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			got <- msg
		}
		close(got)
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-got:
			if !ok {
				t.Fatal("no frame received")
			}
			if !strings.Contains(string(msg), "alert_ws") {
				t.Errorf("unexpected frame %s", msg)
			}
			return
		case <-ticker.C:
			_ = h.Publish(context.Background(), &alerts.Alert{ID: "alert_ws", Timestamp: time.Now()})
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default()).WithAllowedOrigins([]string{"https://console.example.com"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.com", true},
		{"https://console.example.com", true},
		{"https://evil.example.net", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "http://example.com/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := h.checkOrigin(r); got != tc.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}
