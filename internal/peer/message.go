package peer

import "github.com/vmihailenco/msgpack/v5"

// Data-channel message types.
const (
	MessageTypeChat        = "chat_message"
	MessageTypeTyping      = "typing"
	MessageTypeReadReceipt = "read_receipt"
)

// Message represents all data-channel messages exchanged between peers.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ChatPayload carries one chat message.
type ChatPayload struct {
	ID     string `msgpack:"id"`
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"` // unix milliseconds
}

// TypingPayload signals that the peer is composing a message.
type TypingPayload struct {
	Active bool `msgpack:"active"`
}

// ReadReceiptPayload acknowledges that a chat message was displayed.
type ReadReceiptPayload struct {
	ID string `msgpack:"id"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}
