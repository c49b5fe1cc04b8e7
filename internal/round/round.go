// Package round generalizes the teacher's round-driven protocol pattern
// (pkg/protocol.MultiHandler + internal/round.Session driving an N-party
// MPC broadcast round by round) down to a strict two-party exchange: the
// handshake engine in spec.md §4.9 has exactly one peer and at most one
// message per leg, so there is no broadcast hash, no per-party message
// table, and no out-of-order queue to maintain. What survives is the
// shape that made the original useful: a named sequence of states, a
// table recording what has happened in each one, and a single place that
// rejects a message arriving in a state that does not expect it.
//
// The wire bytes that actually cross the TCP connection are produced by
// tlsrecord's RFC-exact encoders; the cbor envelope here only carries
// values between one state's implementation and the next inside a single
// process, the same internal use the teacher makes of cbor for its round
// content.
package round

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/embeddednet/tlsstack/stackerr"
)

// Message is one state's recorded content, keyed by state name and
// cbor-encoded so it can be stored in a Machine's history and decoded
// again by a later state without threading typed values through every
// function signature in between.
type Message struct {
	State string
	Data  []byte
}

// Encode cbor-marshals v into a Message tagged with state.
func Encode(state string, v any) (Message, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return Message{}, stackerr.New(stackerr.Failure, "round.Encode", err)
	}
	return Message{State: state, Data: data}, nil
}

// Decode cbor-unmarshals m's content into v.
func (m Message) Decode(v any) error {
	if err := cbor.Unmarshal(m.Data, v); err != nil {
		return stackerr.New(stackerr.Failure, "round.Message.Decode", err)
	}
	return nil
}

// Transition names one legal edge out of a state: the name of the state
// reached when msgType is seen while the machine is in from.
type Transition struct {
	From, To string
	MsgType  byte
}

// Machine tracks the handshake engine's current named state, validates
// that an inbound message type is legal for that state, and records each
// state's content for later states to decode, per spec.md §4.9's
// transition rules ("receiving a message out of its allowed state set is
// unexpected_message").
type Machine struct {
	current string
	allowed map[string]map[byte]string // current state -> msgType -> next state
	history map[string]Message
}

// NewMachine starts a Machine in start, with transitions describing every
// legal (state, msgType) -> next-state edge.
func NewMachine(start string, transitions []Transition) *Machine {
	allowed := make(map[string]map[byte]string)
	for _, t := range transitions {
		if allowed[t.From] == nil {
			allowed[t.From] = make(map[byte]string)
		}
		allowed[t.From][t.MsgType] = t.To
	}
	return &Machine{current: start, allowed: allowed, history: make(map[string]Message)}
}

// Current returns the machine's current state name.
func (m *Machine) Current() string { return m.current }

// Accept validates that msgType is legal in the current state, returning
// stackerr.UnexpectedMessage (fatal per spec.md §4.9) if not, and advances
// the machine to the corresponding next state on success.
func (m *Machine) Accept(msgType byte) error {
	next, ok := m.allowed[m.current][msgType]
	if !ok {
		return stackerr.New(stackerr.UnexpectedMessage, "round.Machine.Accept",
			fmt.Errorf("message type %d not expected in state %s", msgType, m.current))
	}
	m.current = next
	return nil
}

// Skip moves directly to state without consuming a message, for the
// optional-message skips spec.md §4.9 names explicitly (anonymous DH
// skipping Certificate, resumption skipping key exchange).
func (m *Machine) Skip(state string) { m.current = state }

// Store records msg under its own state name for later retrieval.
func (m *Machine) Store(msg Message) { m.history[msg.State] = msg }

// Load retrieves and decodes the content recorded for state into v,
// returning stackerr.UnexpectedState if nothing was ever stored there.
func (m *Machine) Load(state string, v any) error {
	msg, ok := m.history[state]
	if !ok {
		return stackerr.New(stackerr.UnexpectedState, "round.Machine.Load", fmt.Errorf("no message recorded for state %s", state))
	}
	return msg.Decode(v)
}
