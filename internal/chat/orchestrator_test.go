package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/internal/peer"
	"github.com/pairlink/pairlink/internal/signaling"
)

type fakeSignaling struct {
	mu          sync.Mutex
	clientID    string
	sent        []*signaling.Message
	connects    int
	disconnects int
	events      chan signaling.Event
}

func newFakeSignaling(clientID string) *fakeSignaling {
	return &fakeSignaling{
		clientID: clientID,
		events:   make(chan signaling.Event, 16),
	}
}

func (f *fakeSignaling) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeSignaling) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSignaling) Send(msg *signaling.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeSignaling) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaling) ClientID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientID
}

func (f *fakeSignaling) setClientID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientID = id
}

func (f *fakeSignaling) sentOfType(msgType string) []*signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signaling.Message
	for _, msg := range f.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeSignaling) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeSignaling) pushConnected() {
	f.events <- signaling.Event{
		Kind:     signaling.EventStatusChanged,
		Status:   signaling.StatusConnected,
		ClientID: f.ClientID(),
	}
}

func (f *fakeSignaling) pushMessage(msg *signaling.Message) {
	f.events <- signaling.Event{Kind: signaling.EventMessageReceived, Message: msg}
}

type fakePeers struct {
	mu           sync.Mutex
	links        []bool
	pendingOffer bool
	candidates   []webrtc.ICECandidateInit
	sent         []peer.Message
	sendOK       bool
	closes       int
	events       chan peer.Event
}

func newFakePeers() *fakePeers {
	return &fakePeers{
		sendOK: true,
		events: make(chan peer.Event, 16),
	}
}

func (f *fakePeers) CreateLink(isInitiator bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, isInitiator)
	f.pendingOffer = false
	return nil
}

func (f *fakePeers) CreateOffer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingOffer = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakePeers) ApplyRemoteOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingOffer = false
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakePeers) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingOffer = false
	return nil
}

func (f *fakePeers) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeers) HasPendingLocalOffer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingOffer
}

func (f *fakePeers) Send(msg peer.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakePeers) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakePeers) Events() <-chan peer.Event { return f.events }

func (f *fakePeers) linkRoles() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.links...)
}

func (f *fakePeers) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newTestOrchestrator(t *testing.T, clientID string) (*Orchestrator, *fakeSignaling, *fakePeers) {
	t.Helper()

	sig := newFakeSignaling(clientID)
	peers := newFakePeers()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := NewOrchestrator(sig, peers, logger)
	o.leaveAckTimeout = 50 * time.Millisecond
	o.offerSettleDelay = 5 * time.Millisecond
	o.backgroundGrace = 50 * time.Millisecond
	o.Start()
	t.Cleanup(o.Close)

	return o, sig, peers
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, o *Orchestrator, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-o.Events():
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

// enterReadyRoom drives the orchestrator into a negotiable room as the
// given role.
func enterReadyRoom(t *testing.T, o *Orchestrator, sig *fakeSignaling, isInitiator bool) {
	t.Helper()

	o.JoinRoom(NewRoom("room-1", "fluffy-otter-47", true, time.Hour))
	waitFor(t, "join_room", func() bool { return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1 })

	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypeRoomReady, IsInitiator: isInitiator})
	waitFor(t, "room ready handled", func() bool { return o.State() >= StateRoomReady })
}

func TestJoinSentImmediatelyWhenConnected(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))

	waitFor(t, "join_room sent", func() bool {
		joins := sig.sentOfType(signaling.MessageTypeJoinRoom)
		return len(joins) == 1 && joins[0].RoomID == "room-1"
	})

	connects, _ := sig.counts()
	if connects != 0 {
		t.Fatalf("connects = %d, want 0 when already connected", connects)
	}
}

func TestDeferredJoinIssuedExactlyOnce(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "")

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))

	waitFor(t, "connect requested", func() bool {
		connects, _ := sig.counts()
		return connects == 1
	})
	if len(sig.sentOfType(signaling.MessageTypeJoinRoom)) != 0 {
		t.Fatal("join_room sent before the session connected")
	}

	sig.setClientID("client-a")
	sig.pushConnected()

	waitFor(t, "deferred join", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1
	})

	// Once the room is gone, a fresh connected event must not replay the
	// consumed deferred join.
	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypePeerLeft})
	waitFor(t, "room torn down", func() bool { return o.State() == StateConnected })

	sig.pushConnected()
	time.Sleep(50 * time.Millisecond)
	if got := len(sig.sentOfType(signaling.MessageTypeJoinRoom)); got != 1 {
		t.Fatalf("join_room sent %d times, want exactly 1", got)
	}
}

func TestReconnectRejoinsActiveRoom(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))
	waitFor(t, "initial join", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1
	})

	// Heartbeat failure: the signaling client reconnects on its own and a
	// fresh session has no server-side room membership.
	sig.events <- signaling.Event{Kind: signaling.EventStatusChanged, Status: signaling.StatusDisconnected}
	sig.setClientID("client-a2")
	sig.pushConnected()

	waitFor(t, "rejoin after reconnect", func() bool {
		joins := sig.sentOfType(signaling.MessageTypeJoinRoom)
		return len(joins) == 2 && joins[1].RoomID == "room-1"
	})

	if o.State() != StateRoomPending {
		t.Fatalf("state = %v, want room pending after rejoin", o.State())
	}
}

func TestInitiatorOffersAfterRoomReady(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)

	waitFor(t, "offer sent", func() bool {
		offers := sig.sentOfType(signaling.MessageTypeOffer)
		return len(offers) == 1 && offers[0].SDP == "local-offer"
	})
	if roles := peers.linkRoles(); len(roles) != 1 || !roles[0] {
		t.Fatalf("link roles = %v, want single initiator link", roles)
	}
}

func TestResponderWaitsForRemoteOffer(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, false)

	time.Sleep(30 * time.Millisecond)
	if len(sig.sentOfType(signaling.MessageTypeOffer)) != 0 {
		t.Fatal("responder sent an offer")
	}

	sig.pushMessage(&signaling.Message{
		Type: signaling.MessageTypeOffer,
		SDP:  "remote-offer",
		From: "client-b",
	})

	waitFor(t, "answer sent", func() bool {
		answers := sig.sentOfType(signaling.MessageTypeAnswer)
		return len(answers) == 1 && answers[0].SDP == "local-answer"
	})
	if roles := peers.linkRoles(); len(roles) != 1 || roles[0] {
		t.Fatalf("link roles = %v, want single responder link", roles)
	}
}

func TestRemoteOfferInsideSettleWindowSuppressesLocalOffer(t *testing.T) {
	sig := newFakeSignaling("client-a")
	peers := newFakePeers()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := NewOrchestrator(sig, peers, logger)
	o.leaveAckTimeout = 50 * time.Millisecond
	o.offerSettleDelay = 150 * time.Millisecond
	o.Start()
	t.Cleanup(o.Close)

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))
	waitFor(t, "join_room", func() bool { return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1 })

	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypeRoomReady, IsInitiator: true})
	waitFor(t, "negotiating", func() bool { return o.State() == StateNegotiating })

	// The remote offer lands while the settle timer is still armed and no
	// local offer exists yet.
	sig.pushMessage(&signaling.Message{
		Type: signaling.MessageTypeOffer,
		SDP:  "remote-offer",
		From: "client-b",
	})
	waitFor(t, "answer sent", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeAnswer)) == 1
	})

	// Past the settle window the cancelled timer must not produce an
	// offer on the already answered link.
	time.Sleep(250 * time.Millisecond)
	if got := len(sig.sentOfType(signaling.MessageTypeOffer)); got != 0 {
		t.Fatalf("local offers sent after answering remote offer = %d, want 0", got)
	}
	if roles := peers.linkRoles(); len(roles) != 1 || !roles[0] {
		t.Fatalf("link roles = %v, want the original link untouched", roles)
	}
}

func TestOfferCollisionWinnerIgnoresRemoteOffer(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "zzz")

	enterReadyRoom(t, o, sig, true)
	waitFor(t, "local offer", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeOffer)) == 1
	})

	sig.pushMessage(&signaling.Message{
		Type: signaling.MessageTypeOffer,
		SDP:  "remote-offer",
		From: "aaa",
	})

	time.Sleep(50 * time.Millisecond)
	if len(sig.sentOfType(signaling.MessageTypeAnswer)) != 0 {
		t.Fatal("winner answered the colliding offer")
	}
	if roles := peers.linkRoles(); len(roles) != 1 {
		t.Fatalf("link roles = %v, want the original link untouched", roles)
	}
	if !peers.HasPendingLocalOffer() {
		t.Fatal("winner discarded its own offer")
	}
}

func TestOfferCollisionLoserRestartsAsResponder(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "aaa")

	enterReadyRoom(t, o, sig, true)
	waitFor(t, "local offer", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeOffer)) == 1
	})

	sig.pushMessage(&signaling.Message{
		Type: signaling.MessageTypeOffer,
		SDP:  "remote-offer",
		From: "zzz",
	})

	waitFor(t, "answer after restart", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeAnswer)) == 1
	})
	if roles := peers.linkRoles(); len(roles) != 2 || roles[1] {
		t.Fatalf("link roles = %v, want restart as responder", roles)
	}
	if peers.HasPendingLocalOffer() {
		t.Fatal("loser kept its stale offer")
	}
}

func TestLeaveAckClearsRoomWithoutReconnect(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)
	o.Leave()

	waitFor(t, "leave_room sent", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeLeaveRoom)) == 1
	})
	if peers.closeCount() == 0 {
		t.Fatal("local link not closed before leave_room")
	}

	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypeLeftRoom})
	waitFor(t, "back to connected", func() bool { return o.State() == StateConnected })

	// Past the ack window nothing forced a reconnect.
	time.Sleep(100 * time.Millisecond)
	_, disconnects := sig.counts()
	if disconnects != 0 {
		t.Fatalf("disconnects = %d, want 0 after acked leave", disconnects)
	}
}

func TestLeaveTimeoutForcesSingleReconnect(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)
	o.Leave()

	waitFor(t, "forced reconnect", func() bool {
		connects, disconnects := sig.counts()
		return disconnects == 1 && connects == 1
	})

	// The fallback fires at most once.
	time.Sleep(150 * time.Millisecond)
	connects, disconnects := sig.counts()
	if disconnects != 1 || connects != 1 {
		t.Fatalf("connects=%d disconnects=%d, want exactly one forced cycle", connects, disconnects)
	}
}

func TestRemoteTeardownWinsOverLeave(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)
	o.Leave()
	waitFor(t, "leaving", func() bool { return o.State() == StateLeaving })

	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypePeerLeft})

	waitEvent(t, o, EventPeerLeft)
	waitFor(t, "back to connected", func() bool { return o.State() == StateConnected })

	// Remote teardown canceled the leave fallback.
	time.Sleep(100 * time.Millisecond)
	_, disconnects := sig.counts()
	if disconnects != 0 {
		t.Fatalf("disconnects = %d, want 0 after remote teardown", disconnects)
	}
}

func TestLeaveWithoutRoomReportsError(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	o.Leave()

	event := waitEvent(t, o, EventError)
	if !errors.Is(event.Err, ErrNoRoom) {
		t.Fatalf("leave error = %v, want ErrNoRoom", event.Err)
	}
	if got := len(sig.sentOfType(signaling.MessageTypeLeaveRoom)); got != 0 {
		t.Fatalf("leave_room sent = %d, want 0 with no active room", got)
	}
}

func TestPeerDisconnectedCarriesError(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)
	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypePeerDisconnected})

	event := waitEvent(t, o, EventPeerLeft)
	if !errors.Is(event.Err, ErrPeerDisconnected) {
		t.Fatalf("peer left error = %v, want ErrPeerDisconnected", event.Err)
	}
	waitFor(t, "room torn down", func() bool { return o.State() == StateConnected })
}

func TestCandidatesRelayedBothWays(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)

	local := webrtc.ICECandidateInit{Candidate: "candidate:local 1 udp 1 0.0.0.0 1 typ host"}
	peers.events <- peer.Event{Kind: peer.EventLocalCandidate, Candidate: local}

	waitFor(t, "local candidate relayed", func() bool {
		return len(sig.sentOfType(signaling.MessageTypeICECandidate)) == 1
	})
	relayed := sig.sentOfType(signaling.MessageTypeICECandidate)[0]
	var decoded webrtc.ICECandidateInit
	if err := json.Unmarshal(relayed.Candidate, &decoded); err != nil {
		t.Fatalf("unmarshal relayed candidate: %v", err)
	}
	if decoded.Candidate != local.Candidate {
		t.Fatalf("relayed candidate = %q, want %q", decoded.Candidate, local.Candidate)
	}

	remote, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:remote 1 udp 1 0.0.0.0 2 typ host"})
	if err != nil {
		t.Fatal(err)
	}
	sig.pushMessage(&signaling.Message{Type: signaling.MessageTypeICECandidate, Candidate: remote})

	waitFor(t, "remote candidate applied", func() bool {
		peers.mu.Lock()
		defer peers.mu.Unlock()
		return len(peers.candidates) == 1
	})
}

func TestSendTextReportsOutcome(t *testing.T) {
	o, _, peers := newTestOrchestrator(t, "client-a")

	o.SendText("hello")
	event := waitEvent(t, o, EventMessageSent)
	if event.Message.Text != "hello" || event.Message.Direction != DirectionSelf {
		t.Fatalf("sent event = %+v", event.Message)
	}

	peers.mu.Lock()
	peers.sendOK = false
	peers.mu.Unlock()

	o.SendText("lost")
	event = waitEvent(t, o, EventError)
	if event.Err == nil {
		t.Fatal("send without link reported no error")
	}
}

func TestInboundDataMessagesSurfaceAsEvents(t *testing.T) {
	o, _, peers := newTestOrchestrator(t, "client-a")

	chatMsg, err := peer.NewMessage(peer.MessageTypeChat, peer.ChatPayload{
		ID:     "m1",
		Text:   "hi there",
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	peers.events <- peer.Event{Kind: peer.EventMessageReceived, Message: &chatMsg}

	event := waitEvent(t, o, EventMessageReceived)
	if event.Message.ID != "m1" || event.Message.Text != "hi there" || event.Message.Direction != DirectionPeer {
		t.Fatalf("received event = %+v", event.Message)
	}

	typing, err := peer.NewMessage(peer.MessageTypeTyping, peer.TypingPayload{Active: true})
	if err != nil {
		t.Fatal(err)
	}
	peers.events <- peer.Event{Kind: peer.EventMessageReceived, Message: &typing}

	event = waitEvent(t, o, EventPeerTyping)
	if !event.Typing {
		t.Fatal("typing event not active")
	}

	receipt, err := peer.NewMessage(peer.MessageTypeReadReceipt, peer.ReadReceiptPayload{ID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	peers.events <- peer.Event{Kind: peer.EventMessageReceived, Message: &receipt}

	event = waitEvent(t, o, EventMessageRead)
	if event.MessageID != "m1" {
		t.Fatalf("read receipt id = %q, want m1", event.MessageID)
	}
}

func TestLinkUpAndDownDriveState(t *testing.T) {
	o, sig, peers := newTestOrchestrator(t, "client-a")

	enterReadyRoom(t, o, sig, true)

	peers.events <- peer.Event{Kind: peer.EventLinkUp}
	waitFor(t, "linked", func() bool { return o.State() == StatePeerLinked })

	peers.events <- peer.Event{Kind: peer.EventLinkDown}
	waitFor(t, "stalled back to ready", func() bool { return o.State() == StateRoomReady })
}

func TestBackgroundGraceSuspendsPendingRoom(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))
	waitFor(t, "join_room", func() bool { return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1 })

	o.SetBackgrounded(true)

	// Inside the grace window the connection stays.
	time.Sleep(20 * time.Millisecond)
	_, disconnects := sig.counts()
	if disconnects != 0 {
		t.Fatal("suspended before the grace window elapsed")
	}

	waitFor(t, "suspended after grace", func() bool {
		_, disconnects := sig.counts()
		return disconnects == 1
	})
}

func TestForegroundCancelsGraceSuspension(t *testing.T) {
	o, sig, _ := newTestOrchestrator(t, "client-a")

	o.JoinRoom(NewRoom("room-1", "tiny-fox-12", true, time.Hour))
	waitFor(t, "join_room", func() bool { return len(sig.sentOfType(signaling.MessageTypeJoinRoom)) == 1 })

	o.SetBackgrounded(true)
	time.Sleep(10 * time.Millisecond)
	o.SetBackgrounded(false)

	time.Sleep(100 * time.Millisecond)
	_, disconnects := sig.counts()
	if disconnects != 0 {
		t.Fatalf("disconnects = %d, want 0 after returning to foreground", disconnects)
	}
}
