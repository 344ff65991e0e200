package mock

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
)

const streamID = "products"

// Server serves GET /api/sse/load and GET /api/sse.
type Server struct {
	gen    *Generator
	sse    *sse.Server
	logger *zap.SugaredLogger
}

func NewServer(gen *Generator, logger *zap.SugaredLogger) *Server {
	s := sse.New()
	// A fresh cycle always starts from the snapshot, never from history.
	s.AutoReplay = false
	s.CreateStream(streamID)
	return &Server{gen: gen, sse: s, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requireClientID)

	r.Get("/api/sse/load", s.handleLoad)
	r.Get("/api/sse", s.handleStream)
	return r
}

func requireClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") == "" {
			http.Error(w, "clientId is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gen.Totals())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", streamID)
	r2 := r.Clone(r.Context())
	r2.URL.RawQuery = q.Encode()
	s.logger.Infow("Stream client connected", "clientId", q.Get("clientId"), "remote", r.RemoteAddr)
	s.sse.ServeHTTP(w, r2)
	s.logger.Infow("Stream client disconnected", "clientId", q.Get("clientId"))
}

// Publish sends e to every connected stream client.
func (s *Server) Publish(e aggregate.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Errorw("Failed to encode mock event", "error", err)
		return
	}
	s.sse.Publish(streamID, &sse.Event{Data: data})
}

// Serve runs the generator and the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, interval time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	genCtx, stopGen := context.WithCancel(ctx)
	defer stopGen()
	go s.gen.Run(genCtx, interval, func(e aggregate.Event) {
		s.logger.Debugw("Mock detection", "productCode", e.ProductCode, "increment", e.Increment())
		s.Publish(e)
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Mock upstream listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopGen()
	// Ends the open streams so Shutdown does not wait on them.
	s.sse.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
