package control

import "fmt"

// Channel is the outbound side of the control data channel.
type Channel interface {
	Send(data []byte) error
}

// Sender encodes remote-input commands for the control channel.
// Pointer coordinates are normalized to the unit square on send; the
// receiving side scales them to its own surface.
type Sender struct {
	userID string
	ch     Channel
}

// NewSender builds a sender that stamps every message with userID.
func NewSender(userID string, ch Channel) *Sender {
	return &Sender{userID: userID, ch: ch}
}

// PointerMove sends a pointer position in source-surface pixels,
// normalized against the source dimensions.
func (s *Sender) PointerMove(x, y, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid source surface %dx%d", width, height)
	}
	payload := PointerMovePayload{
		X: clamp01(float64(x) / float64(width)),
		Y: clamp01(float64(y) / float64(height)),
	}
	return s.send(TypePointerMove, payload)
}

// Click sends a click with the given button index.
func (s *Sender) Click(button int) error {
	return s.send(TypePointerClick, ClickPayload{Button: button})
}

// Scroll sends a scroll delta pair.
func (s *Sender) Scroll(dx, dy float64) error {
	return s.send(TypePointerScroll, ScrollPayload{DX: dx, DY: dy})
}

// ToggleCamera asks the client to toggle its camera.
func (s *Sender) ToggleCamera() error {
	return s.send(TypeToggleCamera, nil)
}

// ToggleMic asks the client to toggle its microphone.
func (s *Sender) ToggleMic() error {
	return s.send(TypeToggleMic, nil)
}

func (s *Sender) send(kind string, payload any) error {
	data, err := Encode(kind, s.userID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return s.ch.Send(data)
}
