package signaling

import "encoding/json"

// Message is the control-channel envelope exchanged with the signaling
// server. Only Type is always present; the remaining fields are populated
// per message type. The client interprets nothing past the envelope except
// "connected"; every other type is forwarded verbatim to the owner.
type Message struct {
	Type        string          `json:"type"`
	RoomID      string          `json:"roomId,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	SDP         string          `json:"sdp,omitempty"`
	From        string          `json:"from,omitempty"`
	IsInitiator bool            `json:"isInitiator,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Outbound message types.
const (
	MessageTypeJoinRoom     = "join_room"
	MessageTypeLeaveRoom    = "leave_room"
	MessageTypeOffer        = "webrtc_offer"
	MessageTypeAnswer       = "webrtc_answer"
	MessageTypeICECandidate = "ice_candidate"
)

// Inbound message types.
const (
	MessageTypeConnected        = "connected"
	MessageTypeRoomJoined       = "room_joined"
	MessageTypeRoomReady        = "room_ready"
	MessageTypePeerDisconnected = "peer_disconnected"
	MessageTypePeerLeft         = "peer_left"
	MessageTypeLeftRoom         = "left_room"
	MessageTypeError            = "error"
)
