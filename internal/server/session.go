package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/overmesh/signald/internal/addr"
	"github.com/overmesh/signald/internal/metrics"
	"github.com/overmesh/signald/internal/protocol"
)

// session is the per-connection dispatch context. id stays empty until
// a knock registers the client; a session that never knocks has no
// presence and its teardown emits nothing.
type session struct {
	s  *Server
	tr Transport
	id string
}

func (s *Server) newSession(tr Transport) *session {
	return &session{s: s, tr: tr}
}

// handle dispatches one inbound frame. A non-nil error is fatal for the
// connection; the caller closes it, which triggers goodbye.
func (c *session) handle(ctx context.Context, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.s.met.MessageReceived(env.Opcode.String())

	switch env.Opcode {
	case protocol.OpKnock:
		var p protocol.Knock
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("knock payload: %w", err)
		}
		return c.handleKnock(ctx, p)
	case protocol.OpOffer, protocol.OpAnswer, protocol.OpCandidate:
		return c.relay(ctx, env, data)
	case protocol.OpBind:
		var p protocol.Bind
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("bind payload: %w", err)
		}
		return c.handleBind(ctx, p)
	case protocol.OpAccepting:
		var p protocol.Accepting
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("accepting payload: %w", err)
		}
		return c.handleAccepting(ctx, p)
	case protocol.OpShutdown:
		var p protocol.Shutdown
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("shutdown payload: %w", err)
		}
		return c.handleShutdown(ctx, p)
	case protocol.OpConnect:
		var p protocol.Connect
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("connect payload: %w", err)
		}
		return c.handleConnect(ctx, p)
	default:
		return fmt.Errorf("%w: %s is not a client operation", protocol.ErrUnimplementedOperation, env.Opcode)
	}
}

// handleKnock admits a client into the overlay. The acknowledgement
// goes out before any greeting, and the newcomer is registered only
// after the greetings fan out, so it receives none of them.
func (c *session) handleKnock(ctx context.Context, p protocol.Knock) error {
	if c.id != "" {
		return fmt.Errorf("knock from already-registered client %s", c.id)
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	subnet, err := addr.ParseSubnet(p.Subnet)
	var ip addr.IP
	if err == nil {
		ip, err = s.alloc.CreateIP(subnet)
	}
	if err != nil {
		status := metrics.StatusRejected
		if errors.Is(err, addr.ErrSubnetOverflow) {
			status = metrics.StatusOverflow
		}
		s.met.Knock(status)
		s.log.Warn("knock rejected", "subnet", p.Subnet, "error", err)
		s.send(ctx, c.tr, protocol.OpAcknowledgement, protocol.Acknowledgement{ID: "-1", Rejected: true})
		return nil
	}
	id := ip.String()

	s.send(ctx, c.tr, protocol.OpAcknowledgement, protocol.Acknowledgement{ID: id, Rejected: false})
	for _, existing := range s.reg.ClientIDs() {
		peer, ok := s.reg.Client(existing)
		if !ok {
			continue
		}
		// The established peer initiates the offer toward the joiner.
		s.send(ctx, peer.tr, protocol.OpGreeting, protocol.Greeting{OffererID: existing, AnswererID: id})
	}

	cl := &client{id: id, tr: c.tr}
	cl.alive.Store(true)
	s.reg.AddClient(id, cl)
	c.id = id
	s.met.ClientRegistered(1)
	s.met.Knock(metrics.StatusAccepted)
	s.log.Info("client registered", "id", id)
	return nil
}

// relay forwards an offer, answer or candidate frame unchanged. Answers
// travel back to the offerer; offers and candidates to the answerer. A
// missing target drops the frame silently; the sender learns about the
// departure via a goodbye.
func (c *session) relay(ctx context.Context, env protocol.Envelope, frame []byte) error {
	var ids struct {
		OffererID  string `json:"offererId"`
		AnswererID string `json:"answererId"`
	}
	if err := json.Unmarshal(env.Data, &ids); err != nil {
		return fmt.Errorf("%s payload: %w", env.Opcode, err)
	}
	target := ids.AnswererID
	if env.Opcode == protocol.OpAnswer {
		target = ids.OffererID
	}

	s := c.s
	s.mu.Lock()
	peer, ok := s.reg.Client(target)
	s.mu.Unlock()
	if !ok {
		s.log.Debug("relay target gone", "opcode", env.Opcode, "target", target)
		return nil
	}
	s.sendRaw(ctx, peer.tr, env.Opcode, frame)
	return nil
}

// handleBind publishes a client-chosen alias. A taken port or an alias
// already in the table rejects toward the binder alone; success
// broadcasts to everyone, binder included.
func (c *session) handleBind(ctx context.Context, p protocol.Bind) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	reject := func(reason error) {
		s.met.Bind(metrics.StatusRejected)
		s.log.Warn("bind rejected", "id", p.ID, "alias", p.Alias, "error", reason)
		s.send(ctx, c.tr, protocol.OpAlias, protocol.Alias{ID: p.ID, Alias: p.Alias, Set: false})
	}

	alias, err := addr.ParseAlias(p.Alias)
	if err != nil {
		reject(err)
		return nil
	}
	if _, exists := s.reg.LookupAlias(p.Alias); exists {
		reject(fmt.Errorf("alias already bound"))
		return nil
	}
	if err := s.alloc.ClaimPort(alias); err != nil {
		reject(err)
		return nil
	}
	s.reg.BindAlias(p.Alias, p.ID)
	s.met.Bind(metrics.StatusSet)
	s.met.AliasPublished(metrics.KindBound, 1)
	s.broadcast(ctx, protocol.OpAlias, protocol.Alias{ID: p.ID, Alias: p.Alias, Set: true})
	return nil
}

// handleAccepting flips a bound alias to accepting. Silent either way:
// the bind already declared the alias set, so a mismatch is only logged.
func (c *session) handleAccepting(_ context.Context, p protocol.Accepting) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.SetAccepting(p.Alias, p.ID) {
		s.log.Debug("accepting ignored", "id", p.ID, "alias", p.Alias)
	}
	return nil
}

// handleShutdown withdraws an alias. When the alias is absent or owned
// by someone else, the requester alone gets a set:true restoration so
// its view converges back to the table's.
func (c *session) handleShutdown(ctx context.Context, p protocol.Shutdown) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.reg.LookupAlias(p.Alias)
	if !ok || entry.Owner != p.ID {
		s.send(ctx, c.tr, protocol.OpAlias, protocol.Alias{ID: p.ID, Alias: p.Alias, Set: true})
		return nil
	}
	s.reg.UnbindAlias(p.Alias, p.ID)
	if alias, err := addr.ParseAlias(p.Alias); err == nil {
		s.alloc.ReleasePort(alias)
	}
	s.met.AliasPublished(aliasKind(entry.Connection), -1)
	s.broadcast(ctx, protocol.OpAlias, protocol.Alias{ID: p.ID, Alias: p.Alias, Set: false})
	return nil
}

// handleConnect brokers a dedicated session against a bound alias. The
// initiator gets a fresh connection alias either way; if the remote
// alias is missing or not yet accepting, the allocation is rolled back
// and only the initiator hears about it.
func (c *session) handleConnect(ctx context.Context, p protocol.Connect) error {
	s := c.s

	ip, err := addr.ParseIP(p.ID)
	if err != nil {
		s.log.Warn("connect with malformed id", "id", p.ID, "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clientAlias, err := s.alloc.CreatePort(ip)
	if err != nil {
		// Lost race with a concurrent release of the initiator's
		// address. Nothing to message; the disconnect path wins.
		s.log.Warn("connect aborted", "id", p.ID, "error", err)
		return nil
	}

	entry, ok := s.reg.LookupAlias(p.RemoteAlias)
	if !ok || !entry.Accepting {
		s.alloc.ReleasePort(clientAlias)
		s.met.Connect(metrics.StatusRejected)
		s.send(ctx, c.tr, protocol.OpAlias, protocol.Alias{
			ID:                 p.ID,
			Alias:              clientAlias.String(),
			Set:                false,
			ClientConnectionID: p.ClientConnectionID,
		})
		return nil
	}

	s.reg.ConnectionAlias(clientAlias.String(), p.ID)
	s.met.AliasPublished(metrics.KindConnection, 1)
	s.met.Connect(metrics.StatusAccepted)

	owner, ownerLive := s.reg.Client(entry.Owner)

	// The send order is load-bearing: the initiator learns its local
	// endpoint first and the remote endpoint last, with the owner's
	// notifications in between.
	s.send(ctx, c.tr, protocol.OpAlias, protocol.Alias{
		ID:                 p.ID,
		Alias:              clientAlias.String(),
		Set:                true,
		ClientConnectionID: p.ClientConnectionID,
		IsConnectionAlias:  true,
	})
	if ownerLive {
		s.send(ctx, owner.tr, protocol.OpAlias, protocol.Alias{
			ID:    p.ID,
			Alias: clientAlias.String(),
			Set:   true,
		})
		s.send(ctx, owner.tr, protocol.OpAccept, protocol.Accept{
			BoundAlias:  p.RemoteAlias,
			ClientAlias: clientAlias.String(),
		})
	}
	s.send(ctx, c.tr, protocol.OpAlias, protocol.Alias{
		ID:                 entry.Owner,
		Alias:              p.RemoteAlias,
		Set:                true,
		ClientConnectionID: p.ClientConnectionID,
	})
	return nil
}

// goodbye tears down a registered client: address released, every owned
// alias withdrawn and announced, then the departure itself. Idempotent;
// a session that never knocked emits nothing.
func (c *session) goodbye(ctx context.Context) {
	if c.id == "" {
		return
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.id
	c.id = ""
	if _, ok := s.reg.Client(id); !ok {
		s.log.Error("goodbye for unknown client", "id", id)
		return
	}
	s.reg.RemoveClient(id)
	s.met.ClientRegistered(-1)

	if ip, err := addr.ParseIP(id); err == nil {
		s.alloc.ReleaseIP(ip)
	}

	for _, aliasStr := range s.reg.AliasesFor(id) {
		entry, _ := s.reg.LookupAlias(aliasStr)
		s.reg.UnbindAlias(aliasStr, id)
		if alias, err := addr.ParseAlias(aliasStr); err == nil {
			s.alloc.ReleasePort(alias)
		}
		s.met.AliasPublished(aliasKind(entry.Connection), -1)
		s.broadcast(ctx, protocol.OpAlias, protocol.Alias{ID: id, Alias: aliasStr, Set: false})
	}
	s.broadcast(ctx, protocol.OpGoodbye, protocol.Goodbye{ID: id})
	s.log.Info("client departed", "id", id)
}

// send encodes and writes one frame to a single transport. Failures are
// counted and logged; they never abort the operation that emitted them.
func (s *Server) send(ctx context.Context, tr Transport, op protocol.Opcode, payload any) {
	frame, err := protocol.Encode(op, payload)
	if err != nil {
		s.log.Error("encode failed", "opcode", op, "error", err)
		return
	}
	s.sendRaw(ctx, tr, op, frame)
}

func (s *Server) sendRaw(ctx context.Context, tr Transport, op protocol.Opcode, frame []byte) {
	if err := tr.Send(ctx, frame); err != nil {
		s.met.SendError()
		s.log.Debug("send failed", "opcode", op, "error", err)
		return
	}
	s.met.MessageSent(op.String())
}

// broadcast sends one message to every registered client except those
// in skip, in id order. Caller holds s.mu.
func (s *Server) broadcast(ctx context.Context, op protocol.Opcode, payload any, skip ...string) {
	frame, err := protocol.Encode(op, payload)
	if err != nil {
		s.log.Error("encode failed", "opcode", op, "error", err)
		return
	}
	for _, id := range s.reg.ClientIDs() {
		if slices.Contains(skip, id) {
			continue
		}
		if peer, ok := s.reg.Client(id); ok {
			s.sendRaw(ctx, peer.tr, op, frame)
		}
	}
}

func aliasKind(connection bool) string {
	if connection {
		return metrics.KindConnection
	}
	return metrics.KindBound
}
