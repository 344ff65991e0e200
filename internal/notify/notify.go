// Package notify turns incoming events into local alerts delivered through an
// external notification service.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/metrics"
)

// ErrNotification wraps permission, token and scheduling failures. These
// never affect the aggregate or the stream connection.
var ErrNotification = errors.New("notification error")

// Service is the platform notification plumbing.
type Service interface {
	RequestPermission(ctx context.Context) (bool, error)
	// PushToken returns the device push token, or "" when there is none.
	PushToken(ctx context.Context) (string, error)
	ScheduleImmediate(ctx context.Context, a Alert) error
}

// Alert is an immediate local notification.
type Alert struct {
	ID    string
	Title string
	Body  string
	Data  AlertData
	Sound string
	Badge int
}

type AlertData struct {
	ProductCode string `json:"productCode"`
	Timestamp   string `json:"timestamp"`
}

// Context is what Init learned from the service.
type Context struct {
	Granted bool
	Token   string
}

type centerState int

const (
	centerNew centerState = iota
	centerInitializing
	centerReady
	centerShutdown
)

// Center is the process-wide notification service object. It is created once,
// initialised with Init and stopped with Shutdown.
type Center struct {
	svc    Service
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    centerState
	nctx     Context
	initDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCenter(svc Service, logger *zap.SugaredLogger) *Center {
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		svc:      svc,
		logger:   logger,
		initDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Init asks for permission and fetches the push token. The center is usable
// afterwards even when Init returns an error; alerts then fail with
// ErrNotification. Calling Init again returns the context learned by the
// first call, waiting for it if it is still running.
//
// The service is called without holding the center's lock, so alerts
// dispatched while Init runs are dropped instead of waiting for it.
func (c *Center) Init(ctx context.Context) (Context, error) {
	c.mu.Lock()
	switch c.state {
	case centerInitializing:
		c.mu.Unlock()
		select {
		case <-c.initDone:
			return c.Context(), nil
		case <-ctx.Done():
			return Context{}, fmt.Errorf("%w: %v", ErrNotification, ctx.Err())
		}
	case centerReady:
		defer c.mu.Unlock()
		return c.nctx, nil
	case centerShutdown:
		c.mu.Unlock()
		return Context{}, fmt.Errorf("%w: center is shut down", ErrNotification)
	}
	c.state = centerInitializing
	c.mu.Unlock()

	nctx, err := c.discover(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(c.initDone)
	if c.state == centerShutdown {
		return nctx, fmt.Errorf("%w: center shut down during init", ErrNotification)
	}
	c.state = centerReady
	c.nctx = nctx
	return nctx, err
}

func (c *Center) discover(ctx context.Context) (Context, error) {
	var nctx Context

	granted, err := c.svc.RequestPermission(ctx)
	if err != nil {
		c.logger.Errorw("Error setting up notifications", "error", err)
		return nctx, fmt.Errorf("%w: request permission: %v", ErrNotification, err)
	}
	if !granted {
		c.logger.Warn("Notification permissions not granted")
		return nctx, fmt.Errorf("%w: permission denied", ErrNotification)
	}
	nctx.Granted = true

	token, err := c.svc.PushToken(ctx)
	if err != nil {
		c.logger.Errorw("Error getting push token", "error", err)
		return nctx, fmt.Errorf("%w: push token: %v", ErrNotification, err)
	}
	nctx.Token = token
	if token != "" {
		c.logger.Infow("Notification token", "token", token)
	}
	return nctx, nil
}

func (c *Center) Context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nctx
}

// Schedule shows a immediately and waits for the service to accept it.
func (c *Center) Schedule(ctx context.Context, a Alert) error {
	c.mu.Lock()
	state, granted := c.state, c.nctx.Granted
	c.mu.Unlock()

	switch {
	case state != centerReady:
		return fmt.Errorf("%w: center is not running", ErrNotification)
	case !granted:
		return fmt.Errorf("%w: permission not granted", ErrNotification)
	}
	if err := c.svc.ScheduleImmediate(ctx, a); err != nil {
		if errors.Is(err, ErrNotification) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	return nil
}

// Dispatch schedules a in the background. Failures are logged and counted.
func (c *Center) Dispatch(a Alert) {
	c.mu.Lock()
	if c.state != centerReady {
		c.mu.Unlock()
		metrics.IncNotifications(metrics.ResultFailure)
		c.logger.Debugw("Dropping alert, notification center not running", "productCode", a.Data.ProductCode)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.Schedule(c.ctx, a); err != nil {
			metrics.IncNotifications(metrics.ResultFailure)
			c.logger.Errorw("Error sending notification", "productCode", a.Data.ProductCode, "error", err)
			return
		}
		metrics.IncNotifications(metrics.ResultSuccess)
		c.logger.Infow("Notification sent", "body", a.Body, "id", a.ID)
	}()
}

// Shutdown stops accepting alerts and waits for in-flight ones. When ctx
// expires first the remaining deliveries are cancelled.
func (c *Center) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.state = centerShutdown
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
