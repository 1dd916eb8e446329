package peer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const dataChannelLabel = "chat"

// Config holds the fixed candidate-discovery configuration for peer links.
type Config struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
}

// EventKind discriminates manager events.
type EventKind int

const (
	// EventLinkUp reports the link is usable. Emitted on ICE
	// connected/completed and, authoritatively, on data-channel open.
	EventLinkUp EventKind = iota

	// EventLinkDown reports the link is not usable (ICE failed,
	// disconnected, or closed).
	EventLinkDown

	// EventLocalCandidate surfaces a locally gathered ICE candidate for
	// transmission over the signaling channel.
	EventLocalCandidate

	// EventMessageReceived carries a decoded inbound data-channel message.
	EventMessageReceived
)

// Event is delivered on the Events channel. The orchestrator is the single
// consumer.
type Event struct {
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	Message   *Message
}

// ErrNoLink is returned by negotiation operations when no link exists.
var ErrNoLink = errors.New("no active peer link")

// Manager drives one peer-to-peer negotiation to a connected data channel.
// At most one link is active; creating a new one synchronously detaches the
// old link's callbacks before its asynchronous close completes, so stale
// callbacks are never attributed to the current link.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu   sync.Mutex
	link *link
}

// link is a single negotiation attempt: one PeerConnection and its data
// channel, plus the remote-candidate buffer.
type link struct {
	manager   *Manager
	pc        *webrtc.PeerConnection
	initiator bool

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	detached  bool

	// applyCandidate defaults to pc.AddICECandidate; tests substitute a
	// recorder.
	applyCandidate func(webrtc.ICECandidateInit) error
}

// NewManager creates a peer connection manager with the given ICE
// configuration.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
	}
}

// Events returns the channel carrying connectivity transitions, local
// candidates, and inbound messages.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateLink tears down any existing link and builds a fresh one. Only the
// initiator creates the data channel; the responder receives it from the
// remote side.
func (m *Manager) CreateLink(isInitiator bool) error {
	m.mu.Lock()
	old := m.link
	m.link = nil
	m.mu.Unlock()

	if old != nil {
		old.detach()
		go old.pc.Close() // close is off the critical path
	}

	pc, err := m.newPeerConnection()
	if err != nil {
		return err
	}

	l := &link{
		manager:        m,
		pc:             pc,
		initiator:      isInitiator,
		applyCandidate: pc.AddICECandidate,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || l.isDetached() {
			return
		}
		m.emit(Event{Kind: EventLocalCandidate, Candidate: candidate.ToJSON()})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if l.isDetached() {
			return
		}
		m.logger.Debug("ice state change", "state", state.String())

		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.emit(Event{Kind: EventLinkUp})
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			m.emit(Event{Kind: EventLinkDown})
		}
	})

	if isInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			pc.Close()
			return err
		}
		l.attachChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if l.isDetached() {
				return
			}
			l.attachChannel(dc)
		})
	}

	m.mu.Lock()
	m.link = l
	m.mu.Unlock()

	return nil
}

// CreateOffer generates a local offer, applies it as the local description,
// and returns it for transmission. ICE candidates trickle afterwards via
// EventLocalCandidate.
func (m *Manager) CreateOffer() (*webrtc.SessionDescription, error) {
	l := m.currentLink()
	if l == nil {
		return nil, ErrNoLink
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	return l.pc.LocalDescription(), nil
}

// ApplyRemoteOfferAndCreateAnswer applies the remote offer, flushes any
// buffered remote candidates, then generates and applies a local answer.
func (m *Manager) ApplyRemoteOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	l := m.currentLink()
	if l == nil {
		return nil, ErrNoLink
	}

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	return l.pc.LocalDescription(), nil
}

// ApplyRemoteAnswer applies the remote answer and flushes any buffered
// remote candidates.
func (m *Manager) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	l := m.currentLink()
	if l == nil {
		return ErrNoLink
	}

	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	l.flushCandidates()

	return nil
}

// AddRemoteCandidate applies a remote candidate immediately if a remote
// description is set; otherwise it is queued in arrival order and flushed
// exactly once after remote-description application.
func (m *Manager) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	l := m.currentLink()
	if l == nil {
		return ErrNoLink
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		l.mu.Unlock()
		return nil
	}
	apply := l.applyCandidate
	l.mu.Unlock()

	return apply(candidate)
}

// HasPendingLocalOffer reports whether a local offer is applied and
// unanswered (the have-local-offer signaling state). Used for offer
// collision detection.
func (m *Manager) HasPendingLocalOffer() bool {
	l := m.currentLink()
	if l == nil {
		return false
	}
	return l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// Send transmits a message on the data channel. Returns false when the
// channel is not open; the caller must not assume delivery.
func (m *Manager) Send(msg Message) bool {
	l := m.currentLink()
	if l == nil {
		return false
	}

	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		m.logger.Error("marshal data-channel message", "error", err)
		return false
	}

	if err := dc.Send(data); err != nil {
		m.logger.Warn("data-channel send failed", "error", err)
		return false
	}

	return true
}

// Close tears down the active link. Local references are detached
// immediately so no further callbacks are attributed to the link; the
// underlying transport closes asynchronously. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	l := m.link
	m.link = nil
	m.mu.Unlock()

	if l == nil {
		return
	}

	l.detach()
	go l.pc.Close()
}

func (m *Manager) currentLink() *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("dropping peer event, owner not consuming", "kind", event.Kind)
	}
}

// newPeerConnection centralizes ICE server configuration.
func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	var iceServers []webrtc.ICEServer
	if len(m.cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: m.cfg.STUNServers})
	}
	if len(m.cfg.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       m.cfg.TURNServers,
			Username:   m.cfg.TURNUser,
			Credential: m.cfg.TURNPass,
		})
	}

	config := webrtc.Configuration{ICEServers: iceServers}
	if m.cfg.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	// Loopback candidates allow same-machine sessions.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (l *link) attachChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		if l.isDetached() {
			return
		}
		// The open channel is the authoritative "ready to send" signal,
		// independent of raw ICE state.
		l.manager.emit(Event{Kind: EventLinkUp})
	})

	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		if l.isDetached() {
			return
		}

		var msg Message
		if err := msgpack.Unmarshal(raw.Data, &msg); err != nil {
			l.manager.logger.Warn("malformed data-channel message", "error", err)
			return
		}
		l.manager.emit(Event{Kind: EventMessageReceived, Message: &msg})
	})
}

// flushCandidates applies the buffered remote candidates in arrival order.
// The buffer is flushed exactly once; later candidates apply directly.
func (l *link) flushCandidates() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	apply := l.applyCandidate
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := apply(candidate); err != nil {
			l.manager.logger.Warn("applying buffered candidate", "error", err)
		}
	}
}

func (l *link) detach() {
	l.mu.Lock()
	l.detached = true
	l.mu.Unlock()
}

func (l *link) isDetached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detached
}
