package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opsnotify/internal/transport/wsbus"
	logx "opsnotify/pkg/logx"
)

// Relay is the standalone election relay: a websocket hub at /bus plus a
// health endpoint, for hosts that run no pipeline of their own.
type Relay struct {
	addr string
	log  logx.Logger
	hub  *wsbus.Hub
	r    chi.Router
}

func NewRelay(addr string, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("relay")
	hub := wsbus.NewHub(log, nil)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/bus", hub)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "relay": hub.Stats()})
	})
	return &Relay{addr: addr, log: log, hub: hub, r: r}
}

func (rl *Relay) Handler() http.Handler { return rl.r }

func (rl *Relay) Stats() wsbus.HubStats { return rl.hub.Stats() }

// Run serves until ctx ends, then disconnects every client.
func (rl *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", rl.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: rl.r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	rl.log.Info("relay listening", logx.String("addr", ln.Addr().String()))
	sdNotify(rl.log, sdReady)

	select {
	case err := <-errCh:
		rl.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sdNotify(rl.log, sdStopping)
	rl.hub.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	rl.log.Info("relay stopped")
	return nil
}
