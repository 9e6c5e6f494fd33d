package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rowsync/rowsync/internal/orchestrator"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client, consumes the welcome message and waits until the
// server counts the client.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	welcome := read(t, ctx, conn)

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, welcome
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Addr() = %q, want the bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStats {
		t.Errorf("Expected welcome type %s, got %s", MessageTypeStats, welcome.Type)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestProgressBroadcast(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	handler.OnProgress(orchestrator.ProgressEvent{
		SessionID: "s1",
		ScopeName: "default",
		Step:      orchestrator.StepGetChangeBatch,
		Message:   "downloaded part",
		PartIndex: 1,
		PartCount: 3,
		Rows:      42,
		Time:      time.Now(),
	})

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeProgress {
		t.Fatalf("Expected type %s, got %s", MessageTypeProgress, msg.Type)
	}
	var ev struct {
		Step      string `json:"step"`
		PartCount int    `json:"part_count"`
		Rows      int    `json:"rows"`
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal progress: %v", err)
	}
	if ev.Step != "get_change_batch" || ev.PartCount != 3 || ev.Rows != 42 {
		t.Errorf("progress = %+v", ev)
	}
}

func TestResultBroadcast(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	start := time.Now()
	handler.OnResult(&orchestrator.SyncResult{
		SessionID:    "s1",
		ScopeName:    "default",
		StartTime:    start,
		CompleteTime: start.Add(250 * time.Millisecond),
		Uploaded:     2,
		Downloaded:   5,
		Conflicts:    1,
	}, nil)

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected type %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var data ResultData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Uploaded != 2 || data.Downloaded != 5 || data.Conflicts != 1 || data.DurationMS != 250 {
		t.Errorf("result = %+v", data)
	}

	msg = read(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected type %s, got %s", MessageTypeStats, msg.Type)
	}

	handler.OnResult(nil, errors.New("server unreachable"))
	msg = read(t, ctx, conn)
	if msg.Type != MessageTypeSyncFailed {
		t.Fatalf("Expected type %s, got %s", MessageTypeSyncFailed, msg.Type)
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Error != "server unreachable" {
		t.Errorf("error = %q", data.Error)
	}

	stats := handler.Stats()
	if stats.Syncs != 2 || stats.Failures != 1 || stats.Downloaded != 5 || stats.LastError != "server unreachable" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWelcomeCarriesStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server)
	handler.OnResult(&orchestrator.SyncResult{Uploaded: 7}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, welcome := dial(t, ctx, server)

	var stats Stats
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Syncs != 1 || stats.Uploaded != 7 {
		t.Errorf("welcome stats = %+v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}
}
