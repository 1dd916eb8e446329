package chat

import "time"

// State of the connection orchestrator. Signaling reconnects do not regress
// room states; only explicit leave or remote teardown does.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRoomPending
	StateRoomReady
	StateNegotiating
	StatePeerLinked
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRoomPending:
		return "waiting for peer"
	case StateRoomReady:
		return "room ready"
	case StateNegotiating:
		return "negotiating"
	case StatePeerLinked:
		return "linked"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Direction marks who authored a chat message.
type Direction int

const (
	DirectionSelf Direction = iota
	DirectionPeer
)

// Message is one chat message on the data channel. The core does not
// persist messages; storage is a consumer concern.
type Message struct {
	ID        string
	Text      string
	SentAt    time.Time
	Direction Direction
}

// EventKind discriminates orchestrator events.
type EventKind int

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventKind = iota

	// EventMessageSent confirms a locally sent chat message.
	EventMessageSent

	// EventMessageReceived carries an inbound chat message.
	EventMessageReceived

	// EventMessageRead reports the peer displayed one of our messages.
	EventMessageRead

	// EventPeerTyping reports the peer's composing indicator.
	EventPeerTyping

	// EventPeerLeft reports a remote teardown (peer left or disconnected).
	EventPeerLeft

	// EventError surfaces a non-fatal session error.
	EventError
)

// Event is delivered to the UI layer on the Events channel.
type Event struct {
	Kind      EventKind
	State     State
	Message   *Message
	MessageID string
	Typing    bool
	Err       error
}
