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

	"github.com/storeyes/livecount/internal/config"
	"github.com/storeyes/livecount/internal/logger"
	"github.com/storeyes/livecount/internal/mock"
)

func main() {
	configPath := flag.String("config", "livecount.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override mock upstream port")
	interval := flag.Duration("interval", 0, "Override detection interval")
	seed := flag.Int64("seed", 0, "Generator seed (0 picks one from the clock)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Mock.Port = *port
	}
	if *interval > 0 {
		cfg.Mock.Interval = *interval
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	sugar := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := mock.NewGenerator(cfg.Mock.Products, cfg.Mock.Burst, *seed)
	srv := mock.NewServer(gen, sugar)
	addr := fmt.Sprintf("%s:%d", cfg.Mock.Host, cfg.Mock.Port)
	sugar.Infow("Mock upstream starting", "addr", addr, "interval", cfg.Mock.Interval, "seed", *seed)
	if err := srv.Serve(ctx, addr, cfg.Mock.Interval); err != nil {
		sugar.Fatalw("Mock upstream stopped", "error", err)
	}
}
