// Package protocol defines the wire format for the signaling channel.
//
// Every message is a single text WebSocket frame carrying a JSON
// envelope: an integer opcode plus an opcode-specific payload object.
// The opcode values form a closed set and are stable across releases;
// anything outside the set is rejected at the connection level.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Opcode tags a signaling message.
type Opcode int

const (
	OpKnock           Opcode = 0  // in: join a subnet
	OpAcknowledgement Opcode = 1  // out: result of a knock
	OpGreeting        Opcode = 2  // out: tell an existing peer about a joiner
	OpOffer           Opcode = 3  // relay: session description offer
	OpAnswer          Opcode = 4  // relay: session description answer
	OpCandidate       Opcode = 5  // relay: ICE candidate
	OpBind            Opcode = 6  // in: publish a well-known alias
	OpAlias           Opcode = 7  // out: alias came up or went down
	OpAccepting       Opcode = 8  // in: alias owner is ready for connects
	OpShutdown        Opcode = 9  // in: withdraw a bound alias
	OpConnect         Opcode = 10 // in: establish a session against a bound alias
	OpAccept          Opcode = 11 // out: tell an alias owner about a new session
	OpGoodbye         Opcode = 12 // out: a peer has left
)

func (op Opcode) String() string {
	switch op {
	case OpKnock:
		return "knock"
	case OpAcknowledgement:
		return "acknowledgement"
	case OpGreeting:
		return "greeting"
	case OpOffer:
		return "offer"
	case OpAnswer:
		return "answer"
	case OpCandidate:
		return "candidate"
	case OpBind:
		return "bind"
	case OpAlias:
		return "alias"
	case OpAccepting:
		return "accepting"
	case OpShutdown:
		return "shutdown"
	case OpConnect:
		return "connect"
	case OpAccept:
		return "accept"
	case OpGoodbye:
		return "goodbye"
	}
	return "opcode(" + strconv.Itoa(int(op)) + ")"
}

// ErrUnimplementedOperation marks an opcode outside the closed set, or
// an outbound-only opcode arriving from a client. Fatal for the
// offending connection.
var ErrUnimplementedOperation = errors.New("unimplemented operation")

// Envelope is the outer frame: {"opcode": <int>, "data": {...}}.
type Envelope struct {
	Opcode Opcode          `json:"opcode"`
	Data   json.RawMessage `json:"data"`
}

// Knock asks for an address in a subnet.
type Knock struct {
	Subnet string `json:"subnet"`
}

// Acknowledgement answers a Knock. On rejection ID is "-1".
type Acknowledgement struct {
	ID       string `json:"id"`
	Rejected bool   `json:"rejected"`
}

// Greeting introduces a joiner to one existing peer. The existing peer
// is the offerer: it is expected to initiate an Offer to the answerer.
type Greeting struct {
	OffererID  string `json:"offererId"`
	AnswererID string `json:"answererId"`
}

// Offer relays a session description offer between two peers.
type Offer struct {
	OffererID  string `json:"offererId"`
	AnswererID string `json:"answererId"`
	Offer      string `json:"offer"`
}

// Answer relays a session description answer back to the offerer.
type Answer struct {
	OffererID  string `json:"offererId"`
	AnswererID string `json:"answererId"`
	Answer     string `json:"answer"`
}

// Candidate relays an ICE candidate toward the answerer.
type Candidate struct {
	OffererID  string `json:"offererId"`
	AnswererID string `json:"answererId"`
	Candidate  string `json:"candidate"`
}

// Bind publishes a client-chosen alias.
type Bind struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

// Alias announces that an alias came up (set) or went down (unset).
// ClientConnectionID and IsConnectionAlias are present only on the
// copies sent to a Connect initiator.
type Alias struct {
	ID                 string `json:"id"`
	Alias              string `json:"alias"`
	Set                bool   `json:"set"`
	ClientConnectionID string `json:"clientConnectionId,omitempty"`
	IsConnectionAlias  bool   `json:"isConnectionAlias,omitempty"`
}

// Accepting flags a bound alias as ready to receive Connects.
type Accepting struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

// Shutdown withdraws a bound alias.
type Shutdown struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

// Connect asks for a dedicated session against a bound alias.
// ClientConnectionID is an opaque correlation token chosen by the
// initiator; the server echoes it, never interprets it.
type Connect struct {
	ID                 string `json:"id"`
	RemoteAlias        string `json:"remoteAlias"`
	ClientConnectionID string `json:"clientConnectionId"`
}

// Accept tells a bound-alias owner that a connection alias has been
// established against its alias.
type Accept struct {
	BoundAlias  string `json:"boundAlias"`
	ClientAlias string `json:"clientAlias"`
}

// Goodbye announces that a peer has left the overlay.
type Goodbye struct {
	ID string `json:"id"`
}

// Decode parses one inbound frame. The opcode is validated against the
// closed set; the payload stays raw until the dispatcher knows its type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Opcode < OpKnock || env.Opcode > OpGoodbye {
		return Envelope{}, fmt.Errorf("%w: opcode %d", ErrUnimplementedOperation, env.Opcode)
	}
	return env, nil
}

// Encode builds one outbound frame.
func Encode(op Opcode, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}
	frame, err := json.Marshal(Envelope{Opcode: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", op, err)
	}
	return frame, nil
}
