package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ppewatch/internal/pipeline"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/incidents" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *IncidentHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubPushesIncidentEvents(t *testing.T) {
	hub := NewIncidentHub(zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	bus := pipeline.NewEventBus()
	events, unsubscribe := bus.SubscribeChannel(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, events)

	all := dial(t, srv, "")
	gateOnly := dial(t, srv, "?camera_id=gate")
	waitForClients(t, hub, 2)

	bus.Publish(&pipeline.IncidentEvent{ReportID: "r1", Status: "completed", Previous: "generating", CameraID: "yard", Severity: "HIGH", Time: time.Now()})
	bus.Publish(&pipeline.IncidentEvent{ReportID: "r2", Status: "failed", CameraID: "gate", Error: "disk full", Time: time.Now()})

	read := func(conn *websocket.Conn) IncidentMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg IncidentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	first := read(all)
	if first.ReportID != "r1" || !first.Terminal || first.Type != "incident" || first.Previous != "generating" {
		t.Fatalf("unexpected message %+v", first)
	}
	if second := read(all); second.ReportID != "r2" || second.Error != "disk full" {
		t.Fatalf("unexpected message %+v", second)
	}
	if got := read(gateOnly); got.ReportID != "r2" {
		t.Fatalf("camera filter leaked %s", got.ReportID)
	}
}

func TestIncidentMessageOmitsErrorUnlessFailed(t *testing.T) {
	msg := NewIncidentMessage(&pipeline.IncidentEvent{ReportID: "r", Status: "partial", Error: "stale"})
	if msg.Error != "" || msg.Missing == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
}
