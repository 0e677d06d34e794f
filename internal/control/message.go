package control

import "github.com/vmihailenco/msgpack/v5"

// Message kinds carried over the control channel.
const (
	TypePointerMove   = "pointer:move"
	TypePointerClick  = "pointer:click"
	TypePointerScroll = "pointer:scroll"
	TypeToggleCamera  = "media:camera"
	TypeToggleMic     = "media:mic"
)

// Message is the envelope for every control-channel message. The data
// channel carries no peer identity of its own, so every message names
// its sender; the receiver accepts it only if that identity equals the
// room's recorded host identity.
type Message struct {
	Type    string             `msgpack:"type"`
	Sender  string             `msgpack:"sender"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// PointerMovePayload carries a pointer position normalized to the unit
// square [0,1]x[0,1].
type PointerMovePayload struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// ClickPayload carries a click with its button index.
type ClickPayload struct {
	Button int `msgpack:"button"`
}

// ScrollPayload carries a scroll delta pair.
type ScrollPayload struct {
	DX float64 `msgpack:"dx"`
	DY float64 `msgpack:"dy"`
}

// DecodePayload decodes the message payload into the provided struct.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func (m *Message) decode(data []byte) error {
	return msgpack.Unmarshal(data, m)
}

// Encode builds the wire bytes for a message.
func Encode(kind, sender string, payload any) ([]byte, error) {
	var raw msgpack.RawMessage
	if payload != nil {
		b, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return msgpack.Marshal(Message{Type: kind, Sender: sender, Payload: raw})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
