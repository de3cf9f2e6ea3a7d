package server

import (
	"context"
	"time"
)

// runKeeper drives the liveness check. Each tick, clients whose pong
// from the previous tick never arrived are terminated; everyone else
// has its flag cleared and a fresh ping issued. Termination closes the
// transport, which the connection's read loop turns into a goodbye.
func (s *Server) runKeeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	s.mu.Lock()
	clients := make([]*client, 0, s.reg.ClientCount())
	for _, id := range s.reg.ClientIDs() {
		if cl, ok := s.reg.Client(id); ok {
			clients = append(clients, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range clients {
		if !cl.alive.Load() {
			s.log.Warn("terminating unresponsive client", "id", cl.id)
			s.met.LivenessTermination()
			_ = cl.tr.Terminate()
			continue
		}
		cl.alive.Store(false)
		go func(cl *client) {
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			defer cancel()
			if err := cl.tr.Ping(pingCtx); err == nil {
				cl.alive.Store(true)
			}
		}(cl)
	}
}
