// Package server implements the signaling and rendezvous broker: it
// accepts WebSocket clients, hands out overlay addresses, relays
// session descriptions and candidates, and mediates the bind/connect
// alias handshakes by which peers establish dedicated sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/overmesh/signald/internal/addr"
	"github.com/overmesh/signald/internal/metrics"
	"github.com/overmesh/signald/internal/protocol"
	"github.com/overmesh/signald/internal/registry"
)

// Config holds server configuration.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string

	// PingInterval is the liveness tick. A client whose pong has not
	// arrived by the tick after its ping is terminated. Defaults to 30s.
	PingInterval time.Duration

	// SendTimeout is the per-frame write budget. Defaults to 10s.
	SendTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// client is one registered overlay member: its id, its transport, and
// the liveness flag the keeper and the pong path share.
type client struct {
	id    string
	tr    Transport
	alive atomic.Bool
}

// Server owns the address allocator and the session registry and runs
// the operation dispatcher over them. Registry mutations and fan-out
// snapshots are serialised through a single mutex; the allocator
// carries its own.
type Server struct {
	cfg   Config
	log   *slog.Logger
	met   *metrics.Metrics
	alloc *addr.Allocator

	mu  sync.Mutex
	reg *registry.Registry[*client]
}

// New creates a Server, filling in Config defaults.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		met:   cfg.Metrics,
		alloc: addr.NewAllocator(),
		reg:   registry.New[*client](),
	}
}

// ListenAndServe runs a server on cfg.Addr. It blocks until ctx is
// cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return New(cfg).Serve(ctx, ln)
}

// Serve accepts WebSocket upgrades on ln until ctx is cancelled, then
// shuts down gracefully. Open connections observe the cancellation
// through their read loops, which runs their goodbye procedures.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.runKeeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	s.log.Info("signaling server listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}

// handleUpgrade runs one client connection to completion: upgrade,
// dispatch loop, goodbye.
func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.CloseNow()

	sess := s.newSession(newWSTransport(ws, s.cfg.SendTimeout))
	defer sess.goodbye(ctx)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.log.Debug("connection closed", "client", sess.id, "error", err)
			return
		}
		if err := sess.handle(ctx, data); err != nil {
			if errors.Is(err, protocol.ErrUnimplementedOperation) {
				_ = ws.Close(websocket.StatusPolicyViolation, "unimplemented operation")
			}
			s.log.Warn("closing connection", "client", sess.id, "error", err)
			return
		}
	}
}
