package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport is one client's half of the signaling channel. Send and
// Ping may be called from any goroutine.
type Transport interface {
	// Send writes one frame. Sends are best-effort: the dispatcher
	// counts and logs failures but never rolls back protocol state.
	Send(ctx context.Context, data []byte) error

	// Ping round-trips a transport-level ping, blocking until the pong
	// arrives or ctx expires.
	Ping(ctx context.Context) error

	// Close closes the channel gracefully with a reason.
	Close(reason string) error

	// Terminate tears the channel down immediately. Used by the
	// liveness keeper on unresponsive clients.
	Terminate() error
}

// wsTransport adapts a WebSocket connection to Transport. Writers are
// serialised through a mutex and each write gets its own deadline so a
// stalled peer cannot wedge a broadcast for longer than the budget.
type wsTransport struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func newWSTransport(ws *websocket.Conn, timeout time.Duration) *wsTransport {
	return &wsTransport{ws: ws, timeout: timeout}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.ws.Write(writeCtx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.ws.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}

func (t *wsTransport) Terminate() error {
	return t.ws.CloseNow()
}
