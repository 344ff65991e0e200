// Package stream opens the upstream server-push feed of count events.
//
// Each Open starts a new logical sequence: there is no resume and no
// internal reconnect. Callers decide whether to open again.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
)

// ErrStream wraps transport level failures: a refused handshake, a dropped
// connection or the server ending the stream.
var ErrStream = errors.New("stream error")

const messageBuffer = 64

// DefaultMaxEventSize bounds one SSE event, fields and framing included. A
// larger event cannot be framed and ends the stream with ErrStream.
const DefaultMaxEventSize = 1 << 20

// Message is one decoded stream payload. Err is set (wrapping
// aggregate.ErrProtocol) when the payload could not be decoded; the stream
// itself is still healthy.
type Message struct {
	Event aggregate.Event
	Err   error
}

// Conn is a single live stream handle.
type Conn interface {
	// Opened is closed once the server acknowledges the stream.
	Opened() <-chan struct{}
	// Messages delivers payloads in arrival order and is closed when the
	// sequence ends.
	Messages() <-chan Message
	// Err reports why Messages was closed. It is nil after Close.
	Err() error
	Close()
}

// Opener starts stream connections.
type Opener interface {
	Open(ctx context.Context, clientID string) Conn
}

// Client opens SSE connections to GET <url>?clientId=<id>&send=true.
type Client struct {
	url          string
	http         *http.Client
	maxEventSize int
	logger       *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithMaxEventSize sets the largest event, in bytes, the client will frame.
func WithMaxEventSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxEventSize = n
		}
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		url:          endpoint,
		http:         &http.Client{},
		maxEventSize: DefaultMaxEventSize,
		logger:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts connecting in the background and returns immediately. The
// connection lives until ctx is cancelled, Close is called or the
// transport fails.
func (c *Client) Open(ctx context.Context, clientID string) Conn {
	ctx, cancel := context.WithCancel(ctx)
	cn := &conn{
		opened: make(chan struct{}),
		msgs:   make(chan Message, messageBuffer),
		cancel: cancel,
	}

	endpoint, err := c.endpoint(clientID)
	if err != nil {
		cn.finish(fmt.Errorf("%w: %v", ErrStream, err))
		return cn
	}

	sc := sse.NewClient(endpoint, sse.ClientMaxBufferSize(c.maxEventSize))
	sc.Connection = c.http
	// Reconnection belongs to the connection manager.
	sc.ReconnectStrategy = &backoff.StopBackOff{}
	sc.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("%w: handshake returned %s", ErrStream, resp.Status)
		}
		cn.openOnce.Do(func() { close(cn.opened) })
		return nil
	}

	go cn.run(ctx, sc, c.maxEventSize, c.logger)
	return cn
}

func (c *Client) endpoint(clientID string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("clientId", clientID)
	q.Set("send", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type conn struct {
	opened   chan struct{}
	openOnce sync.Once
	msgs     chan Message
	cancel   context.CancelFunc
	closed   atomic.Bool

	mu  sync.Mutex
	err error
}

func (cn *conn) run(ctx context.Context, sc *sse.Client, maxEventSize int, logger *zap.SugaredLogger) {
	err := sc.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
		// Named events other than the default "message" are not count updates.
		if len(ev.Event) > 0 && string(ev.Event) != "message" {
			logger.Debugw("Skipping stream event", "event", string(ev.Event))
			return
		}
		if len(ev.Data) == 0 {
			return
		}
		e, err := aggregate.DecodeEvent(ev.Data)
		select {
		case cn.msgs <- Message{Event: e, Err: err}:
		case <-ctx.Done():
		}
	})

	switch {
	case cn.closed.Load():
		err = nil
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", ErrStream, ctx.Err())
	case err == nil:
		err = fmt.Errorf("%w: server ended the stream", ErrStream)
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%w: event larger than %d bytes", ErrStream, maxEventSize)
	case !errors.Is(err, ErrStream):
		err = fmt.Errorf("%w: %v", ErrStream, err)
	}
	cn.finish(err)
}

func (cn *conn) finish(err error) {
	cn.mu.Lock()
	cn.err = err
	cn.mu.Unlock()
	close(cn.msgs)
}

func (cn *conn) Opened() <-chan struct{}  { return cn.opened }
func (cn *conn) Messages() <-chan Message { return cn.msgs }

func (cn *conn) Err() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.err
}

func (cn *conn) Close() {
	cn.closed.Store(true)
	cn.cancel()
}
