package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/state"
)

// ErrTooManyConnections is returned by AddClient once maxConns is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Drain until RemoveClient closes send.
			for range c.send {
			}
			return
		}
	}
}

// ConnectionReporter reports the current stream connection state.
type ConnectionReporter interface {
	State() string
}

// Broadcaster fans store updates out to websocket clients. Updates are
// coalesced: at most one state message per throttle window, carrying the
// latest state.
type Broadcaster struct {
	store    *state.Store
	conn     ConnectionReporter
	throttle time.Duration
	maxConns int
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]bool

	flushMu    sync.Mutex
	pending    *state.State
	flushTimer *time.Timer
	stopped    bool
}

// NewBroadcaster creates a broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(store *state.Store, conn ConnectionReporter, throttle time.Duration, maxConns int, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		store:    store,
		conn:     conn,
		throttle: throttle,
		maxConns: maxConns,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// Run forwards store updates until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	updates, unsubscribe := b.store.Subscribe()
	defer unsubscribe()
	defer b.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			b.QueueState(st)
		}
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.clients[c] = true
	b.mu.Unlock()
	go c.writePump()

	data, err := b.encode(b.store.Snapshot())
	if err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// QueueState schedules st for the next flush, replacing any pending state.
func (b *Broadcaster) QueueState(st state.State) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pending = &st
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	st := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if st == nil {
		return
	}
	data, err := b.encode(*st)
	if err != nil {
		b.logger.Errorw("Broadcast marshal error", "error", err)
		return
	}
	b.broadcast(data)
}

func (b *Broadcaster) encode(st state.State) ([]byte, error) {
	payload := StatePayload{State: st}
	if b.conn != nil {
		payload.Connection = b.conn.State()
	}
	return json.Marshal(WSMessage{Type: MsgState, Payload: payload})
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		slow := false
		b.mu.RLock()
		if b.clients[c] {
			select {
			case c.send <- data:
			default:
				slow = true
			}
		}
		b.mu.RUnlock()
		if slow {
			b.logger.Warnw("Websocket client too slow, disconnecting", "client", c.id)
			b.RemoveClient(c)
		}
	}
}

// Stop cancels any pending flush and disconnects every client.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.pending = nil
	b.flushMu.Unlock()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}
