package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storeyes/livecount/internal/agent"
	"github.com/storeyes/livecount/internal/config"
	"github.com/storeyes/livecount/internal/logger"
	"github.com/storeyes/livecount/internal/mock"
)

func main() {
	configPath := flag.String("config", "livecount.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override state server port")
	clientID := flag.String("client", "", "Override upstream client id")
	mockMode := flag.Bool("mock", false, "Run against an in-process mock upstream")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *clientID != "" {
		cfg.Upstream.ClientID = *clientID
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	sugar := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if *mockMode {
		addr := fmt.Sprintf("%s:%d", cfg.Mock.Host, cfg.Mock.Port)
		cfg.Upstream.BaseURL = "http://" + addr
		// The upstream may not be listening yet when the first connect runs.
		cfg.Retry.Enabled = true
		sugar.Infow("Starting in mock mode", "upstream", cfg.Upstream.BaseURL)

		gen := mock.NewGenerator(cfg.Mock.Products, cfg.Mock.Burst, time.Now().UnixNano())
		srv := mock.NewServer(gen, sugar.Named("mock"))
		g.Go(func() error { return srv.Serve(ctx, addr, cfg.Mock.Interval) })
	}

	a := agent.New(cfg, sugar, agent.WithConfigPath(*configPath))
	g.Go(func() error { return a.Run(ctx) })

	sugar.Infow("livecount started",
		"clientId", cfg.Upstream.ClientID,
		"upstream", cfg.Upstream.BaseURL,
		"server", cfg.Server.Enabled,
	)
	if err := g.Wait(); err != nil {
		sugar.Fatalw("livecount stopped", "error", err)
	}
	sugar.Info("Shut down cleanly")
}
