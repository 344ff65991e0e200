// Package agent wires the livecount core together: store, catalog,
// notification center, connection manager, lifecycle sources and the
// optional state server.
package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storeyes/livecount/internal/catalog"
	"github.com/storeyes/livecount/internal/config"
	"github.com/storeyes/livecount/internal/connection"
	"github.com/storeyes/livecount/internal/lifecycle"
	"github.com/storeyes/livecount/internal/notify"
	"github.com/storeyes/livecount/internal/snapshot"
	"github.com/storeyes/livecount/internal/state"
	"github.com/storeyes/livecount/internal/stream"
	"github.com/storeyes/livecount/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// Agent owns one instance of every core component.
type Agent struct {
	Store    *state.Store
	Catalog  *catalog.Catalog
	Observer *lifecycle.Observer
	Center   *notify.Center
	Manager  *connection.Manager

	cfg        *config.Config
	configPath string
	svc        notify.Service
	logger     *zap.SugaredLogger
}

type Option func(*Agent)

// WithConfigPath reloads product names whenever the file at path changes.
func WithConfigPath(path string) Option {
	return func(a *Agent) { a.configPath = path }
}

// WithNotificationService replaces the service chosen by
// notifications.driver.
func WithNotificationService(svc notify.Service) Option {
	return func(a *Agent) { a.svc = svc }
}

func New(cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) *Agent {
	a := &Agent{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.svc == nil {
		a.svc = NotificationService(cfg, logger)
	}

	a.Store = state.NewStore()
	a.Catalog = catalog.New(cfg.Products)
	a.Observer = lifecycle.NewObserver(lifecycle.Foreground, logger.Named("lifecycle"))
	a.Center = notify.NewCenter(a.svc, logger.Named("notify"))

	loaderOpts := []snapshot.Option{
		snapshot.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.RequestTimeout}),
		snapshot.WithLogger(logger.Named("snapshot")),
	}
	managerOpts := []connection.Option{
		connection.WithLogger(logger.Named("connection")),
		connection.WithConnectTimeout(cfg.Upstream.ConnectTimeout),
		connection.WithNotifier(notify.NewDispatcher(a.Center, a.Catalog, cfg.Notifications.Title)),
	}
	if cfg.Retry.Enabled {
		loaderOpts = append(loaderOpts, snapshot.WithRetry(cfg.Retry.NewBackOff))
		managerOpts = append(managerOpts, connection.WithReconnect(cfg.Retry.NewBackOff))
	}

	a.Manager = connection.NewManager(
		cfg.Upstream.ClientID,
		snapshot.NewLoader(cfg.SnapshotURL(), loaderOpts...),
		stream.NewClient(cfg.StreamURL(),
			stream.WithMaxEventSize(cfg.Upstream.MaxEventSize),
			stream.WithLogger(logger.Named("stream")),
		),
		a.Store,
		managerOpts...,
	)
	return a
}

// NotificationService builds the service named by notifications.driver.
func NotificationService(cfg *config.Config, logger *zap.SugaredLogger) notify.Service {
	switch cfg.Notifications.Driver {
	case config.DriverExpo:
		return notify.NewExpoService(cfg.Notifications.ExpoURL, cfg.Notifications.ExpoToken,
			&http.Client{Timeout: 10 * time.Second})
	case config.DriverNone:
		return notify.NopService{}
	default:
		return notify.NewLogService(cfg.Notifications.ExpoToken, logger.Named("alerts"))
	}
}

// Run starts every component and blocks until ctx is done or one of them
// fails. In-flight alerts get a short grace period on the way out.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.initNotifications(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Manager.Run(ctx, a.Observer)
	})
	g.Go(func() error {
		lifecycle.WatchSignals(ctx, a.Observer)
		return nil
	})

	if a.configPath != "" {
		w := config.NewWatcher(a.configPath, a.reload, a.logger.Named("config"))
		if err := w.Start(); err != nil {
			a.logger.Warnw("Config hot reload disabled", "error", err)
		} else {
			g.Go(func() error {
				<-ctx.Done()
				return w.Stop()
			})
		}
	}

	if a.cfg.Server.Enabled {
		logger := a.logger.Named("server")
		b := ws.NewBroadcaster(a.Store, a.Manager, a.cfg.Server.BroadcastThrottle, 0, logger)
		srv := ws.NewServer(a.Store, b, a.Manager, a.Observer,
			a.cfg.Server.AllowedOrigins, a.cfg.Server.AuthToken, logger)
		g.Go(func() error { return b.Run(ctx) })
		g.Go(func() error { return srv.Serve(ctx, a.cfg.ServerAddr()) })
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.Center.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warnw("Notification center did not drain", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) initNotifications(ctx context.Context) {
	nctx, err := a.Center.Init(ctx)
	if err != nil {
		// Already logged by the center; counting continues without alerts.
		return
	}
	if nctx.Token != "" {
		a.Store.SetNotificationToken(nctx.Token)
	}
}

func (a *Agent) reload(cfg *config.Config) {
	a.Catalog.Replace(cfg.Products)
	a.logger.Infow("Product names reloaded", "products", a.Catalog.Len())
}
