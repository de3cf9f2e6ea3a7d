package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/overmesh/signald/internal/protocol"
)

// memTransport is an in-process Transport for dispatcher tests. It
// records every frame sent to it, decoded back into envelopes.
type memTransport struct {
	mu         sync.Mutex
	frames     []protocol.Envelope
	sendErr    error
	pingErr    error
	terminated bool
}

func newMemTransport() *memTransport {
	return &memTransport{}
}

func (t *memTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	t.frames = append(t.frames, env)
	return nil
}

func (t *memTransport) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingErr
}

func (t *memTransport) Close(string) error {
	return nil
}

func (t *memTransport) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = true
	return nil
}

func (t *memTransport) wasTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// take drains and returns the recorded frames.
func (t *memTransport) take() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := t.frames
	t.frames = nil
	return frames
}

func (t *memTransport) setPingErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

// frame encodes one inbound message for session.handle.
func frame(t *testing.T, op protocol.Opcode, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(op, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", op, err)
	}
	return data
}

// payload decodes an envelope's data into T.
func payload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Opcode, err)
	}
	return v
}
