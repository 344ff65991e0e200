package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap/zapcore"

	"github.com/storeyes/livecount/internal/agent"
	"github.com/storeyes/livecount/internal/config"
	"github.com/storeyes/livecount/internal/logger"
	"github.com/storeyes/livecount/internal/tui/app"
)

func main() {
	configPath := flag.String("config", "livecount.yaml", "Path to config file")
	logPath := flag.String("log", "livecount-tui.log", "Log file (the terminal belongs to the UI)")
	clientID := flag.String("client", "", "Override upstream client id")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *clientID != "" {
		cfg.Upstream.ClientID = *clientID
	}

	f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()
	zl := logger.NewWithSink(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatJSON), zapcore.AddSync(f))
	defer zl.Sync()
	sugar := zl.Sugar()

	toasts := app.NewToastService(agent.NotificationService(cfg, sugar))
	a := agent.New(cfg, sugar, agent.WithConfigPath(*configPath), agent.WithNotificationService(toasts))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	m := app.New(app.Deps{
		Store:    a.Store,
		Conn:     a.Manager,
		Observer: a.Observer,
		Names:    a.Catalog,
		Toasts:   toasts.Alerts(),
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, uiErr := p.Run()

	cancel()
	if err := <-runErr; err != nil {
		sugar.Errorw("livecount stopped", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if uiErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", uiErr)
		os.Exit(1)
	}
}
