// Package ws serves the published state to local UI collaborators over a
// websocket and a small JSON API.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/lifecycle"
	"github.com/storeyes/livecount/internal/metrics"
	"github.com/storeyes/livecount/internal/state"
)

const tokenHeader = "X-Livecount-Token"

// Controller is the slice of the connection manager the API drives.
type Controller interface {
	Connect(ctx context.Context, fresh bool)
	Disconnect()
	State() string
	ActiveStreams() int
}

type Server struct {
	store          *state.Store
	broadcaster    *Broadcaster
	manager        Controller
	observer       *lifecycle.Observer
	logger         *zap.SugaredLogger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	started        time.Time

	// ctx scopes connections started through the API.
	ctx context.Context
}

func NewServer(store *state.Store, broadcaster *Broadcaster, manager Controller, observer *lifecycle.Observer, allowedOrigins []string, authToken string, logger *zap.SugaredLogger) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		manager:        manager,
		observer:       observer,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		started:        time.Now(),
		ctx:            context.Background(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/ws", s.handleWS)
		r.Route("/api", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Get("/health", s.handleHealth)
			r.Post("/lifecycle", s.handleLifecycle)
			r.Post("/connection/connect", s.handleConnect)
			r.Post("/connection/disconnect", s.handleDisconnect)
		})
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("State server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	s.broadcaster.Stop()
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

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	s.logger.Infow("Websocket client connected", "client", c.id, "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Infow("Websocket client disconnected", "client", c.id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatePayload{State: s.store.Snapshot(), Connection: s.manager.State()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := HealthPayload{
		Connection:    s.manager.State(),
		ActiveStreams: s.manager.ActiveStreams(),
		Subscribers:   s.store.SubscriberCount(),
		Clients:       s.broadcaster.ClientCount(),
		PID:           int32(os.Getpid()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if p, err := process.NewProcessWithContext(r.Context(), h.PID); err == nil {
		if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			h.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(r.Context()); err == nil {
			h.CPUPercent = cpu
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	phase, err := lifecycle.ParseAppState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	changed := s.observer.Report(phase)
	writeJSON(w, http.StatusOK, LifecycleResponse{Phase: phase.String(), Changed: changed})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	fresh := true
	if v := r.URL.Query().Get("fresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "fresh must be a boolean")
			return
		}
		fresh = b
	}
	go s.manager.Connect(s.ctx, fresh)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.manager.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, WSMessage{Type: MsgError, Payload: msg})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(tokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
