// Package connection owns the stream connection lifecycle: snapshot, stream
// open, event merging and lifecycle driven teardown.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/lifecycle"
	"github.com/storeyes/livecount/internal/metrics"
	"github.com/storeyes/livecount/internal/state"
	"github.com/storeyes/livecount/internal/stream"
)

const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateErrored    = "errored"
)

const (
	eventConnect    = "connect"
	eventOpen       = "open"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
)

// Loader fetches the authoritative aggregate.
type Loader interface {
	LoadSnapshot(ctx context.Context, clientID string) (aggregate.Aggregate, error)
}

// Notifier is told about every merged event together with the fresh flag of
// the connection it arrived on.
type Notifier interface {
	MaybeNotify(e aggregate.Event, fresh bool)
}

// connRecord is one connect-to-disconnect span.
type connRecord struct {
	id     uint64
	fresh  bool
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	conn   stream.Conn
	timer  *time.Timer
}

// Manager is the single owner of the connection state. The state machine,
// the current connection and every merge into the store sit behind mu.
type Manager struct {
	clientID       string
	loader         Loader
	opener         stream.Opener
	store          *state.Store
	notifier       Notifier
	logger         *zap.SugaredLogger
	connectTimeout time.Duration
	newBackOff     func() backoff.BackOff

	mu         sync.Mutex
	fsm        *fsm.FSM
	cur        *connRecord
	seq        uint64
	phase      lifecycle.Phase
	retry      backoff.BackOff
	retryTimer *time.Timer

	wg sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithConnectTimeout fails a stream whose handshake is not acknowledged
// within d. Zero disables the timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithReconnect schedules a fresh reconnect after a stream failure while in
// the foreground, pacing attempts with the policy from newBackOff.
func WithReconnect(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = newBackOff }
}

// WithNotifier sets who is told about merged events.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func NewManager(clientID string, loader Loader, opener stream.Opener, store *state.Store, opts ...Option) *Manager {
	m := &Manager{
		clientID: clientID,
		loader:   loader,
		opener:   opener,
		store:    store,
		logger:   zap.NewNop().Sugar(),
		phase:    lifecycle.Foreground,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateIdle, StateErrored}, Dst: StateConnecting},
			{Name: eventOpen, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFail, Src: []string{StateConnecting, StateConnected}, Dst: StateErrored},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected, StateErrored}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debugw("Connection state changed", "from", e.Src, "to", e.Dst)
				metrics.SetConnectionState(e.Dst)
			},
		},
	)
	metrics.SetConnectionState(StateIdle)
	return m
}

// State returns the current connection state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// ActiveStreams is the number of live stream handles, zero or one.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.conn != nil {
		return 1
	}
	return 0
}

// Connect starts a connection cycle and returns once the stream has been
// requested. It is a no-op while connecting or connected. A fresh cycle loads
// the snapshot first and replaces the aggregate with it. ctx bounds the whole
// connection, not only this call.
func (m *Manager) Connect(ctx context.Context, fresh bool) {
	rec := m.begin(ctx, fresh)
	if rec == nil {
		return
	}
	m.wg.Add(1)
	m.establish(rec)
}

// start is Connect without waiting for the snapshot.
func (m *Manager) start(ctx context.Context, fresh bool) {
	rec := m.begin(ctx, fresh)
	if rec == nil {
		return
	}
	m.wg.Add(1)
	go m.establish(rec)
}

func (m *Manager) begin(ctx context.Context, fresh bool) *connRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(eventConnect) {
		m.logger.Infow("Stream already connected", "state", m.fsm.Current())
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	m.stopRetryLocked()

	m.seq++
	cctx, cancel := context.WithCancel(ctx)
	rec := &connRecord{id: m.seq, fresh: fresh, parent: ctx, ctx: cctx, cancel: cancel}
	m.cur = rec
	m.fire(eventConnect)
	if fresh {
		m.store.SetLoading(true)
	}
	m.logger.Infow("Connecting to stream", "connection", rec.id, "fresh", fresh)
	return rec
}

func (m *Manager) establish(rec *connRecord) {
	defer m.wg.Done()

	if rec.fresh {
		a, err := m.loader.LoadSnapshot(rec.ctx, m.clientID)

		m.mu.Lock()
		if m.cur != rec {
			m.mu.Unlock()
			return
		}
		if err != nil {
			metrics.IncSnapshotLoads(metrics.ResultFailure)
			m.logger.Errorw("Error loading initial data", "error", err)
			m.store.SetLoading(false)
		} else {
			metrics.IncSnapshotLoads(metrics.ResultSuccess)
			m.logger.Infow("Initial data loaded", "products", len(a.Products), "totalCount", a.TotalCount)
			m.store.Replace(a)
		}
		m.mu.Unlock()
	}

	conn := m.opener.Open(rec.ctx, m.clientID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec {
		conn.Close()
		return
	}
	rec.conn = conn
	if m.connectTimeout > 0 {
		rec.timer = time.AfterFunc(m.connectTimeout, func() { m.handshakeTimedOut(rec) })
	}
	m.wg.Add(1)
	go m.readLoop(rec)
}

// readLoop is the single reader of one connection. The open acknowledgement
// is always handled before any message.
func (m *Manager) readLoop(rec *connRecord) {
	defer m.wg.Done()

	opened := rec.conn.Opened()
	msgs := rec.conn.Messages()
	for {
		select {
		case <-opened:
			opened = nil
			m.onOpen(rec)
			continue
		default:
		}

		select {
		case <-rec.ctx.Done():
			m.release(rec)
			return
		case <-opened:
			opened = nil
			m.onOpen(rec)
		case msg, ok := <-msgs:
			if !ok {
				m.onEnd(rec, rec.conn.Err())
				return
			}
			m.onMessage(rec, msg)
		}
	}
}

func (m *Manager) onOpen(rec *connRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec || !m.fsm.Can(eventOpen) {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	m.fire(eventOpen)
	m.retry = nil
	m.logger.Infow("Connected to stream", "connection", rec.id)
}

func (m *Manager) onMessage(rec *connRecord, msg stream.Message) {
	m.mu.Lock()
	if m.cur != rec {
		m.mu.Unlock()
		return
	}
	if msg.Err != nil {
		m.mu.Unlock()
		metrics.IncProtocolErrors()
		m.logger.Warnw("Dropping malformed stream message", "error", msg.Err)
		return
	}
	if err := m.store.Apply(msg.Event); err != nil {
		m.mu.Unlock()
		metrics.IncProtocolErrors()
		m.logger.Warnw("Dropping stream message the aggregate refused", "error", err)
		return
	}
	metrics.IncEventsMerged()
	fresh := rec.fresh
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.MaybeNotify(msg.Event, fresh)
	}
}

func (m *Manager) onEnd(rec *connRecord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec {
		return
	}
	metrics.IncStreamErrors()
	m.logger.Errorw("Stream connection error", "connection", rec.id, "error", err)
	m.fire(eventFail)
	m.disconnectLocked()
	m.scheduleReconnectLocked(rec.parent)
}

func (m *Manager) handshakeTimedOut(rec *connRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec || m.fsm.Current() != StateConnecting {
		return
	}
	metrics.IncStreamErrors()
	m.logger.Errorw("Stream handshake timed out", "connection", rec.id, "timeout", m.connectTimeout)
	m.fire(eventFail)
	m.disconnectLocked()
	m.scheduleReconnectLocked(rec.parent)
}

// release drops a connection whose context ended without a Disconnect.
func (m *Manager) release(rec *connRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != rec {
		return
	}
	m.logger.Infow("Connection context ended", "connection", rec.id)
	m.disconnectLocked()
}

// Disconnect closes the current stream handle, cancelling a snapshot in
// flight, and returns to idle. Safe in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRetryLocked()
	if m.cur == nil && m.fsm.Current() == StateIdle {
		return
	}
	m.logger.Info("Disconnecting from stream")
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	if rec := m.cur; rec != nil {
		m.cur = nil
		if rec.timer != nil {
			rec.timer.Stop()
		}
		rec.cancel()
		if rec.conn != nil {
			rec.conn.Close()
		}
	}
	if m.fsm.Can(eventDisconnect) {
		m.fire(eventDisconnect)
	}
}

// HandleTransition applies a lifecycle edge. Background clears the aggregate
// and drops the stream; foreground begins a fresh cycle without waiting for
// the snapshot.
func (m *Manager) HandleTransition(ctx context.Context, t lifecycle.Transition) {
	switch t.To {
	case lifecycle.Background:
		m.mu.Lock()
		m.phase = lifecycle.Background
		m.stopRetryLocked()
		m.retry = nil
		m.logger.Info("App has gone to the background, disconnecting stream")
		m.store.Clear()
		m.disconnectLocked()
		m.mu.Unlock()
	case lifecycle.Foreground:
		m.mu.Lock()
		m.phase = lifecycle.Foreground
		m.mu.Unlock()
		m.logger.Info("App has come to the foreground, reconnecting and reloading data")
		m.start(ctx, true)
	}
}

// Run performs the start-up fresh connect, then follows the observer until
// ctx is done. It subscribes exactly once and disconnects on return.
func (m *Manager) Run(ctx context.Context, observer *lifecycle.Observer) error {
	edges, unsubscribe := observer.Subscribe()
	defer unsubscribe()
	defer m.wg.Wait()
	defer m.Disconnect()

	m.mu.Lock()
	m.phase = observer.Phase()
	m.mu.Unlock()

	m.start(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-edges:
			if !ok {
				return nil
			}
			m.HandleTransition(ctx, t)
		}
	}
}

func (m *Manager) scheduleReconnectLocked(parent context.Context) {
	if m.newBackOff == nil || m.phase != lifecycle.Foreground || parent.Err() != nil {
		return
	}
	if m.retry == nil {
		m.retry = m.newBackOff()
	}
	wait := m.retry.NextBackOff()
	if wait == backoff.Stop {
		m.logger.Warn("Giving up reconnecting to stream")
		m.retry = nil
		return
	}
	m.logger.Infow("Scheduling stream reconnect", "wait", wait)
	m.retryTimer = time.AfterFunc(wait, func() { m.start(parent, true) })
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) fire(event string) {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Warnw("Connection state transition rejected", "event", event, "error", err)
	}
}
