package session

import "github.com/storebay/supportchat/internal/domain"

// Mode is the escalation mode of a chat session.
type Mode int

const (
	// ModeBot routes messages to the classification bot.
	ModeBot Mode = iota
	// ModeWaiting means an admin request exists but no admin accepted yet.
	ModeWaiting
	// ModeAdmin means a human agent is live on the broker.
	ModeAdmin
)

// String implements fmt.Stringer for logs and status lines.
func (m Mode) String() string {
	switch m {
	case ModeWaiting:
		return "waiting"
	case ModeAdmin:
		return "admin"
	default:
		return "bot"
	}
}

// State is the tagged session state. RequestID is non-empty exactly in the
// escalated modes.
type State struct {
	Mode      Mode
	RequestID string
}

// Event is something that can move the state machine.
type Event interface{ isEvent() }

// Escalated fires when the bot signals that a human is required and the
// admin request has been created.
type Escalated struct{ RequestID string }

// Accepted fires when the event topic announces an admin took the request.
type Accepted struct{}

// Closed fires on an explicit close event from the admin side.
type Closed struct{}

// Disconnected fires on a presence event naming the party that dropped.
type Disconnected struct{ Who string }

// MessageReceived fires for any inbound chat message. Delivery order between
// the event topic and the message queue is not guaranteed, so a message can
// be the first sign that an admin accepted.
type MessageReceived struct{}

// Cleared fires on the user-initiated clear-history escape hatch.
type Cleared struct{}

func (Escalated) isEvent()       {}
func (Accepted) isEvent()        {}
func (Closed) isEvent()          {}
func (Disconnected) isEvent()    {}
func (MessageReceived) isEvent() {}
func (Cleared) isEvent()         {}

// Effect is a side effect the interpreter must run after a transition.
type Effect int

const (
	// EffectSubscribe wires the event topic and private queue subscriptions
	// for the new RequestID.
	EffectSubscribe Effect = iota
	// EffectAnnounceJoined appends the "admin joined" system line.
	EffectAnnounceJoined
	// EffectAnnounceClosed appends the "closed by admin" system line.
	EffectAnnounceClosed
	// EffectAnnounceDisconnected appends the "admin disconnected" system line.
	EffectAnnounceDisconnected
	// EffectTeardown drops every broker subscription and the connection.
	EffectTeardown
)

// Transition is the pure state machine: no I/O, no appends, just
// (state, event) -> (state, effects). The controller interprets the effects.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case Escalated:
		if s.Mode == ModeBot && ev.RequestID != "" {
			return State{Mode: ModeWaiting, RequestID: ev.RequestID}, []Effect{EffectSubscribe}
		}
		return s, nil

	case Accepted:
		// Idempotent: a message may already have flipped the mode, the
		// late acceptance event still announces the join exactly once.
		if s.Mode == ModeWaiting || s.Mode == ModeAdmin {
			return State{Mode: ModeAdmin, RequestID: s.RequestID}, []Effect{EffectAnnounceJoined}
		}
		return s, nil

	case MessageReceived:
		if s.Mode == ModeWaiting {
			return State{Mode: ModeAdmin, RequestID: s.RequestID}, nil
		}
		return s, nil

	case Closed:
		if s.Mode == ModeWaiting || s.Mode == ModeAdmin {
			return State{Mode: ModeBot}, []Effect{EffectAnnounceClosed, EffectTeardown}
		}
		return s, nil

	case Disconnected:
		if s.Mode != ModeWaiting && s.Mode != ModeAdmin {
			return s, nil
		}
		// Only the counterparty dropping ends the session.
		if ev.Who == domain.PartyAdmin || ev.Who == "" {
			return State{Mode: ModeBot}, []Effect{EffectAnnounceDisconnected, EffectTeardown}
		}
		return s, nil

	case Cleared:
		return State{Mode: ModeBot}, []Effect{EffectTeardown}
	}
	return s, nil
}
