package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/state"
)

type staticConn string

func (s staticConn) State() string { return string(s) }

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection and the client side.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		t.Cleanup(func() {
			clientConn.Close()
			srv.Close()
		})
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

func readState(t *testing.T, conn *websocket.Conn) StatePayload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type    MessageType  `json:"type"`
		Payload StatePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if msg.Type != MsgState {
		t.Fatalf("type = %q, want %q", msg.Type, MsgState)
	}
	return msg.Payload
}

func TestAddClientSendsCurrentState(t *testing.T) {
	store := state.NewStore()
	snap, _ := aggregate.FromCounts(map[string]int{"coffee": 5, "tea": 2})
	store.Replace(snap)

	b := NewBroadcaster(store, staticConn("connected"), time.Hour, 0, zap.NewNop().Sugar())
	defer b.Stop()

	_, serverConn, clientConn := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	got := readState(t, clientConn)
	if got.TotalCount != 7 || got.Products["coffee"] != 5 {
		t.Fatalf("unexpected state %+v", got)
	}
	if got.Connection != "connected" {
		t.Fatalf("connection = %q", got.Connection)
	}
	if got.Loading {
		t.Fatal("loading should be false after a snapshot")
	}
}

func TestRunCoalescesUpdates(t *testing.T) {
	store := state.NewStore()
	b := NewBroadcaster(store, nil, 30*time.Millisecond, 0, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	_, serverConn, clientConn := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	readState(t, clientConn) // join snapshot

	// Give Run time to subscribe before mutating.
	deadline := time.Now().Add(2 * time.Second)
	for store.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		store.Apply(aggregate.Event{ProductCode: "pizza"})
	}

	got := readState(t, clientConn)
	for got.TotalCount != 5 {
		got = readState(t, clientConn)
	}
	if got.Products["pizza"] != 5 {
		t.Fatalf("products = %v", got.Products)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(state.NewStore(), nil, time.Hour, maxConns, zap.NewNop().Sugar())
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		_, conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	_, conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}

	b.RemoveClient(clients[0])
	b.RemoveClient(clients[0])

	_, conn2, _ := dialTestWS(t)
	if _, err := b.AddClient(conn2); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a failed write drops
// the client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	_, serverConn, _ := dialTestWS(t)

	b := NewBroadcaster(state.NewStore(), nil, time.Hour, 0, zap.NewNop().Sugar())
	defer b.Stop()

	c := &client{
		id:   "test",
		conn: serverConn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestStopDropsClientsAndPendingFlush(t *testing.T) {
	b := NewBroadcaster(state.NewStore(), nil, time.Hour, 0, zap.NewNop().Sugar())
	_, conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	b.QueueState(state.State{TotalCount: 1})
	b.Stop()
	b.QueueState(state.State{TotalCount: 2})

	if got := b.ClientCount(); got != 0 {
		t.Fatalf("ClientCount after Stop = %d", got)
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.flushTimer != nil || b.pending != nil {
		t.Fatal("flush still pending after Stop")
	}
}
