package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/internal/peer"
	"github.com/pairlink/pairlink/internal/signaling"
)

const (
	// leaveAckTimeout bounds the wait for the server's left_room ack.
	// Missing the ack forces a full signaling reconnect so server-side
	// room state clears even against servers without leave support.
	leaveAckTimeout = 1 * time.Second

	// offerSettleDelay lets a freshly created link settle before the
	// initiator produces its offer.
	offerSettleDelay = 200 * time.Millisecond

	// backgroundGrace keeps the signaling connection alive after the app
	// backgrounds while a room is still pending, to give an in-flight
	// handshake a chance to complete.
	backgroundGrace = 30 * time.Second
)

// SignalingClient is the control-channel dependency.
type SignalingClient interface {
	Connect()
	Disconnect()
	Send(msg *signaling.Message)
	Events() <-chan signaling.Event
	ClientID() string
}

// PeerManager is the peer-link dependency.
type PeerManager interface {
	CreateLink(isInitiator bool) error
	CreateOffer() (*webrtc.SessionDescription, error)
	ApplyRemoteOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	HasPendingLocalOffer() bool
	Send(msg peer.Message) bool
	Close()
	Events() <-chan peer.Event
}

// Compile-time interface checks.
var (
	_ SignalingClient = (*signaling.Client)(nil)
	_ PeerManager     = (*peer.Manager)(nil)
)

// Orchestrator composes the signaling client and the peer manager and owns
// the room lifecycle state machine. All state mutations are serialized
// through a single run-loop goroutine; public methods post closures onto
// the task channel and asynchronous completions are funneled the same way.
type Orchestrator struct {
	sig    SignalingClient
	peers  PeerManager
	logger *slog.Logger

	tasks     chan func()
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	// stateMirror lets callers read the state without entering the loop.
	stateMirror atomic.Int32

	// Fields below are owned by the run loop.
	state             State
	room              *Room
	pendingJoinRoomID string
	backgrounded      bool
	leaveTimer        *time.Timer
	offerTimer        *time.Timer
	graceTimer        *time.Timer

	// Overridable in tests.
	leaveAckTimeout  time.Duration
	offerSettleDelay time.Duration
	backgroundGrace  time.Duration
}

// NewOrchestrator wires the orchestrator to its collaborators. Call Start
// to begin processing.
func NewOrchestrator(sig SignalingClient, peers PeerManager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sig:              sig,
		peers:            peers,
		logger:           logger,
		tasks:            make(chan func(), 32),
		events:           make(chan Event, 64),
		done:             make(chan struct{}),
		state:            StateDisconnected,
		leaveAckTimeout:  leaveAckTimeout,
		offerSettleDelay: offerSettleDelay,
		backgroundGrace:  backgroundGrace,
	}
}

// Events returns the channel carrying UI-facing events.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// State returns the most recent state.
func (o *Orchestrator) State() State {
	return State(o.stateMirror.Load())
}

// Start launches the run loop.
func (o *Orchestrator) Start() {
	go o.run()
}

// Close stops the run loop, tears down the peer link, and disconnects
// signaling.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.peers.Close()
		o.sig.Disconnect()
	})
}

// JoinRoom begins pairing for the given room. If the signaling session is
// not yet connected the join is deferred until the connected event; at most
// one deferred join is outstanding.
func (o *Orchestrator) JoinRoom(room *Room) {
	o.post(func() {
		o.room = room
		o.setState(StateRoomPending)

		if o.sig.ClientID() != "" {
			o.sendJoin(room.ID)
			return
		}

		o.pendingJoinRoomID = room.ID
		o.sig.Connect()
	})
}

// Leave runs the leave protocol: the local link closes immediately, then
// leave_room is sent and a short ack timeout armed.
func (o *Orchestrator) Leave() {
	o.post(func() {
		if o.room == nil {
			o.emit(Event{Kind: EventError, Err: NewError("leave room", ErrNoRoom)})
			return
		}

		o.peers.Close()
		o.stopOfferTimer()
		o.room.Status = RoomStatusClosed
		o.setState(StateLeaving)

		o.sig.Send(&signaling.Message{Type: signaling.MessageTypeLeaveRoom})
		o.stopLeaveTimer()
		o.leaveTimer = time.AfterFunc(o.leaveAckTimeout, func() {
			o.post(o.leaveTimedOut)
		})
	})
}

// SendText sends a chat message over the data channel. The outcome is
// reported as EventMessageSent or EventError.
func (o *Orchestrator) SendText(text string) {
	o.post(func() {
		msg := &Message{
			ID:        uuid.NewString(),
			Text:      text,
			SentAt:    time.Now(),
			Direction: DirectionSelf,
		}

		payload, err := peer.NewMessage(peer.MessageTypeChat, peer.ChatPayload{
			ID:     msg.ID,
			Text:   msg.Text,
			SentAt: msg.SentAt.UnixMilli(),
		})
		if err != nil {
			o.emit(Event{Kind: EventError, Err: NewError("encode message", err)})
			return
		}

		if !o.peers.Send(payload) {
			o.emit(Event{Kind: EventError, Err: NewError("send message", ErrNotLinked)})
			return
		}

		o.emit(Event{Kind: EventMessageSent, Message: msg})
	})
}

// SetTyping reports the local composing indicator to the peer.
func (o *Orchestrator) SetTyping(active bool) {
	o.post(func() {
		payload, err := peer.NewMessage(peer.MessageTypeTyping, peer.TypingPayload{Active: active})
		if err != nil {
			return
		}
		o.peers.Send(payload)
	})
}

// MarkRead acknowledges a received message to the peer.
func (o *Orchestrator) MarkRead(messageID string) {
	o.post(func() {
		payload, err := peer.NewMessage(peer.MessageTypeReadReceipt, peer.ReadReceiptPayload{ID: messageID})
		if err != nil {
			return
		}
		o.peers.Send(payload)
	})
}

// SetBackgrounded adjusts connection keeping when the application moves to
// or from the background. A pending room holds the signaling connection for
// a bounded grace period.
func (o *Orchestrator) SetBackgrounded(active bool) {
	o.post(func() {
		o.backgrounded = active
		o.stopGraceTimer()

		if !active {
			if o.sig.ClientID() == "" && o.state != StateDisconnected {
				o.sig.Connect()
			}
			return
		}

		switch {
		case o.room != nil && o.room.Status == RoomStatusPending:
			o.graceTimer = time.AfterFunc(o.backgroundGrace, func() {
				o.post(o.suspend)
			})
		case o.state == StatePeerLinked:
			// Data flows peer to peer; signaling can idle.
		default:
			o.suspend()
		}
	})
}

func (o *Orchestrator) suspend() {
	if !o.backgrounded {
		return
	}
	o.sig.Disconnect()
}

// run is the single-owner loop serializing every state mutation.
func (o *Orchestrator) run() {
	sigEvents := o.sig.Events()
	peerEvents := o.peers.Events()

	for {
		select {
		case <-o.done:
			return
		case task := <-o.tasks:
			task()
		case event := <-sigEvents:
			o.handleSignalingEvent(event)
		case event := <-peerEvents:
			o.handlePeerEvent(event)
		}
	}
}

func (o *Orchestrator) post(task func()) {
	select {
	case o.tasks <- task:
	case <-o.done:
	}
}

func (o *Orchestrator) handleSignalingEvent(event signaling.Event) {
	switch event.Kind {
	case signaling.EventStatusChanged:
		o.handleSignalingStatus(event)
	case signaling.EventMessageReceived:
		o.handleControlMessage(event.Message)
	}
}

func (o *Orchestrator) handleSignalingStatus(event signaling.Event) {
	switch event.Status {
	case signaling.StatusConnected:
		if o.pendingJoinRoomID != "" {
			// Deferred join: issued exactly once, only now.
			o.sendJoin(o.pendingJoinRoomID)
			o.pendingJoinRoomID = ""
			return
		}
		if o.room != nil && !o.room.Terminal() {
			// The reconnected session has a fresh clientId and no
			// server-side room membership; rejoin so the preserved
			// room can still produce room_ready.
			o.sendJoin(o.room.ID)
			return
		}
		if o.room == nil {
			o.setState(StateConnected)
		}

	case signaling.StatusConnecting:
		if o.room == nil {
			o.setState(StateConnecting)
		}

	case signaling.StatusDisconnected:
		// Room state survives signaling loss; reconnect is automatic.
		if o.room == nil {
			o.setState(StateDisconnected)
		}
	}
}

func (o *Orchestrator) handleControlMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeRoomJoined:
		if o.room == nil {
			o.logger.Warn("room_joined without active room", "room", msg.RoomID)
			return
		}
		o.room.ID = msg.RoomID
		o.setState(StateRoomPending)

	case signaling.MessageTypeRoomReady:
		o.handleRoomReady(msg.IsInitiator)

	case signaling.MessageTypeOffer:
		o.handleRemoteOffer(msg)

	case signaling.MessageTypeAnswer:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
		if err := o.peers.ApplyRemoteAnswer(answer); err != nil {
			o.stallNegotiation("apply remote answer", err)
		}

	case signaling.MessageTypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
			o.logger.Warn("malformed ice candidate", "error", err)
			return
		}
		if err := o.peers.AddRemoteCandidate(candidate); err != nil {
			o.logger.Warn("adding remote candidate", "error", err)
		}

	case signaling.MessageTypePeerDisconnected:
		// Remote teardown always wins, including over a leave in
		// progress.
		o.teardownRoom()
		o.emit(Event{Kind: EventPeerLeft, Err: ErrPeerDisconnected})

	case signaling.MessageTypePeerLeft:
		o.teardownRoom()
		o.emit(Event{Kind: EventPeerLeft})

	case signaling.MessageTypeLeftRoom:
		o.handleLeftRoom()

	case signaling.MessageTypeError:
		o.logger.Warn("signaling server error", "error", msg.Error)
		o.emit(Event{Kind: EventError, Err: WrapError("signaling", ErrSignalingError, msg.Error)})
	}
}

// handleRoomReady starts negotiation with the server-assigned role. The
// server picks the initiator, so both peers never start in the same role.
func (o *Orchestrator) handleRoomReady(isInitiator bool) {
	if o.room == nil {
		o.logger.Warn("room_ready without active room")
		return
	}

	o.room.Accept()
	o.setState(StateRoomReady)

	if err := o.peers.CreateLink(isInitiator); err != nil {
		o.stallNegotiation("create link", err)
		return
	}
	o.setState(StateNegotiating)

	if !isInitiator {
		return
	}

	o.stopOfferTimer()
	o.offerTimer = time.AfterFunc(o.offerSettleDelay, func() {
		o.post(o.sendOffer)
	})
}

func (o *Orchestrator) sendOffer() {
	if o.room == nil {
		return
	}

	offer, err := o.peers.CreateOffer()
	if err != nil {
		o.stallNegotiation("create offer", err)
		return
	}

	o.sig.Send(&signaling.Message{
		Type: signaling.MessageTypeOffer,
		SDP:  offer.SDP,
	})
}

// handleRemoteOffer applies an inbound offer, resolving an offer collision
// first if one exists: the lexicographically larger client id wins and
// ignores the incoming offer, the loser discards its link and restarts as a
// pure responder.
func (o *Orchestrator) handleRemoteOffer(msg *signaling.Message) {
	if o.room == nil {
		return
	}

	if o.peers.HasPendingLocalOffer() {
		if o.sig.ClientID() > msg.From {
			o.logger.Debug("offer collision won, ignoring remote offer",
				"local", o.sig.ClientID(), "remote", msg.From)
			return
		}

		o.logger.Debug("offer collision lost, restarting as responder",
			"local", o.sig.ClientID(), "remote", msg.From)
		if err := o.peers.CreateLink(false); err != nil {
			o.stallNegotiation("restart as responder", err)
			return
		}
	}

	// Answering makes this side the responder; a settle timer still armed
	// from room_ready must not produce an offer afterwards.
	o.stopOfferTimer()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	answer, err := o.peers.ApplyRemoteOfferAndCreateAnswer(offer)
	if err != nil {
		o.stallNegotiation("apply remote offer", err)
		return
	}
	o.setState(StateNegotiating)

	o.sig.Send(&signaling.Message{
		Type: signaling.MessageTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (o *Orchestrator) handlePeerEvent(event peer.Event) {
	switch event.Kind {
	case peer.EventLinkUp:
		if o.room != nil && o.state != StateLeaving {
			o.setState(StatePeerLinked)
		}

	case peer.EventLinkDown:
		if o.room != nil && o.state == StatePeerLinked {
			// Stalled until a fresh room_ready or a user rejoin.
			o.setState(StateRoomReady)
		}

	case peer.EventLocalCandidate:
		o.sendLocalCandidate(event.Candidate)

	case peer.EventMessageReceived:
		o.handleDataMessage(event.Message)
	}
}

func (o *Orchestrator) sendLocalCandidate(candidate webrtc.ICECandidateInit) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		o.logger.Error("marshal local candidate", "error", err)
		return
	}

	o.sig.Send(&signaling.Message{
		Type:      signaling.MessageTypeICECandidate,
		Candidate: payload,
	})
}

func (o *Orchestrator) handleDataMessage(msg *peer.Message) {
	switch msg.Type {
	case peer.MessageTypeChat:
		var payload peer.ChatPayload
		if err := msg.DecodePayload(&payload); err != nil {
			o.logger.Warn("malformed chat payload", "error", err)
			return
		}
		o.emit(Event{Kind: EventMessageReceived, Message: &Message{
			ID:        payload.ID,
			Text:      payload.Text,
			SentAt:    time.UnixMilli(payload.SentAt),
			Direction: DirectionPeer,
		}})

	case peer.MessageTypeTyping:
		var payload peer.TypingPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return
		}
		o.emit(Event{Kind: EventPeerTyping, Typing: payload.Active})

	case peer.MessageTypeReadReceipt:
		var payload peer.ReadReceiptPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return
		}
		o.emit(Event{Kind: EventMessageRead, MessageID: payload.ID})

	default:
		o.logger.Debug("unknown data-channel message", "type", msg.Type)
	}
}

func (o *Orchestrator) handleLeftRoom() {
	o.stopLeaveTimer()
	o.room = nil
	o.pendingJoinRoomID = ""
	o.setState(StateConnected)
}

// leaveTimedOut is the fallback for servers that never ack leave_room:
// a full reconnect guarantees server-side state clears.
func (o *Orchestrator) leaveTimedOut() {
	if o.state != StateLeaving {
		return
	}

	o.leaveTimer = nil
	o.room = nil
	o.pendingJoinRoomID = ""

	o.logger.Warn("leave_room not acknowledged, forcing reconnect")
	o.sig.Disconnect()
	o.sig.Connect()
	o.setState(StateConnecting)
}

func (o *Orchestrator) teardownRoom() {
	o.peers.Close()
	o.stopLeaveTimer()
	o.stopOfferTimer()
	if o.room != nil {
		o.room.Status = RoomStatusClosed
	}
	o.room = nil
	o.pendingJoinRoomID = ""
	o.setState(StateConnected)
}

func (o *Orchestrator) stallNegotiation(op string, err error) {
	// Per-call negotiation errors are not retried here; recovery needs a
	// fresh room_ready or a user-driven rejoin.
	o.logger.Error("negotiation stalled", "op", op, "error", err)
	o.emit(Event{Kind: EventError, Err: WrapError(op, ErrNegotiationStalled, err.Error())})
}

func (o *Orchestrator) sendJoin(roomID string) {
	o.sig.Send(&signaling.Message{
		Type:   signaling.MessageTypeJoinRoom,
		RoomID: roomID,
	})
	o.setState(StateRoomPending)
}

func (o *Orchestrator) setState(state State) {
	if o.state == state {
		return
	}
	o.state = state
	o.stateMirror.Store(int32(state))
	o.emit(Event{Kind: EventStateChanged, State: state})
}

func (o *Orchestrator) stopLeaveTimer() {
	if o.leaveTimer != nil {
		o.leaveTimer.Stop()
		o.leaveTimer = nil
	}
}

func (o *Orchestrator) stopOfferTimer() {
	if o.offerTimer != nil {
		o.offerTimer.Stop()
		o.offerTimer = nil
	}
}

func (o *Orchestrator) stopGraceTimer() {
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
}

func (o *Orchestrator) emit(event Event) {
	select {
	case o.events <- event:
	default:
		o.logger.Warn("dropping orchestrator event, UI not consuming", "kind", event.Kind)
	}
}
