// Package httpapi is the host API: raw event ingest, the visible list,
// user actions, status and the websocket relay endpoint.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"opsnotify/internal/config"
	"opsnotify/internal/leader"
	"opsnotify/internal/notification"
	"opsnotify/internal/pipeline"
	logx "opsnotify/pkg/logx"
)

// Pipeline is what the API drives. *pipeline.Service implements it.
type Pipeline interface {
	IngestSystem(ctx context.Context, raw notification.RawSystemNotice) (bool, error)
	IngestWhatsApp(ctx context.Context, raw notification.RawWhatsAppEvent) (leader.Decision, error)
	Flush()
	Visible() []notification.UnifiedNotification
	Pending() []notification.UnifiedNotification
	Get(id string) (notification.UnifiedNotification, bool)
	Dismiss(ctx context.Context, id string) error
	Mute(ctx context.Context, id string) error
	Unmute(ctx context.Context, id string) bool
	Revive(id string) error
	Clear()
	Stats() pipeline.Stats
	Presence() *pipeline.Presence
	Maintain(ctx context.Context) pipeline.MaintenanceReport
}

var _ Pipeline = (*pipeline.Service)(nil)

type Option func(*Server)

func WithLogger(l logx.Logger) Option    { return func(s *Server) { s.log = l } }
func WithClock(c clockwork.Clock) Option { return func(s *Server) { s.clock = c } }
func WithMetrics(h http.Handler) Option  { return func(s *Server) { s.metrics = h } }
func WithRelay(h http.Handler) Option    { return func(s *Server) { s.relay = h } }

type Server struct {
	cfg     config.HTTPSettings
	p       Pipeline
	log     logx.Logger
	clock   clockwork.Clock
	metrics http.Handler
	relay   http.Handler

	router chi.Router

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg config.HTTPSettings, p Pipeline, opts ...Option) *Server {
	s := &Server{cfg: cfg, p: p}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	s.log = s.log.Component("httpapi")
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	// The relay holds connections open, so it sits outside the timeout group.
	if s.relay != nil {
		r.Handle("/bus", s.relay)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/api", func(r chi.Router) {
			r.Post("/system", s.ingestSystem)
			r.Post("/whatsapp", s.ingestWhatsApp)
			r.Post("/flush", s.flush)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listVisible)
				r.Delete("/", s.clear)
				r.Get("/pending", s.listPending)
				r.Get("/{id}", s.getNotification)
				r.Post("/{id}/dismiss", s.dismiss)
				r.Post("/{id}/mute", s.mute)
				r.Post("/{id}/unmute", s.unmute)
				r.Post("/{id}/revive", s.revive)
			})

			r.Get("/presence", s.getPresence)
			r.Put("/presence", s.putPresence)
			r.Post("/conversations/{id}/read", s.markRead)
			r.Post("/conversations/{id}/archive", s.archive)

			r.Get("/stats", s.stats)
			r.Get("/leader", s.leaderStatus)
			r.Post("/maintenance", s.maintain)
		})
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", s.clock.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
