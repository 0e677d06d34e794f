package control

import (
	"log/slog"
)

// Surface is the receiving side's render target: pointer coordinates
// are scaled from the unit square to its pixel dimensions.
type Surface interface {
	Size() (width, height int)
}

// Handlers receives decoded, authorized control commands.
type Handlers struct {
	PointerMove  func(x, y int)
	PointerClick func(button int)
	Scroll       func(dx, dy float64)
	ToggleCamera func()
	ToggleMic    func()
}

// Dispatcher decodes inbound control-channel messages and invokes the
// matching handler. The sender-identity check against the room's host
// is the sole authorization at this layer.
type Dispatcher struct {
	hostUserID string
	surface    Surface
	handlers   Handlers
}

// NewDispatcher builds a dispatcher that accepts commands only from
// hostUserID.
func NewDispatcher(hostUserID string, surface Surface, handlers Handlers) *Dispatcher {
	return &Dispatcher{
		hostUserID: hostUserID,
		surface:    surface,
		handlers:   handlers,
	}
}

// Handle processes one raw control-channel message. Unparseable or
// schema-invalid input is dropped silently: nothing at this layer may
// raise an error that disrupts the channel.
func (d *Dispatcher) Handle(data []byte) {
	var msg Message
	if err := msg.decode(data); err != nil {
		slog.Debug("control message dropped", "err", err)
		return
	}

	if msg.Sender != d.hostUserID {
		slog.Debug("control message from non-host dropped", "sender", msg.Sender)
		return
	}

	switch msg.Type {
	case TypePointerMove:
		var p PointerMovePayload
		if msg.DecodePayload(&p) != nil {
			return
		}
		if d.handlers.PointerMove == nil {
			return
		}
		w, h := d.surface.Size()
		x := int(clamp01(p.X) * float64(w))
		y := int(clamp01(p.Y) * float64(h))
		d.handlers.PointerMove(x, y)

	case TypePointerClick:
		var p ClickPayload
		if msg.DecodePayload(&p) != nil {
			return
		}
		if d.handlers.PointerClick != nil {
			d.handlers.PointerClick(p.Button)
		}

	case TypePointerScroll:
		var p ScrollPayload
		if msg.DecodePayload(&p) != nil {
			return
		}
		if d.handlers.Scroll != nil {
			d.handlers.Scroll(p.DX, p.DY)
		}

	case TypeToggleCamera:
		if d.handlers.ToggleCamera != nil {
			d.handlers.ToggleCamera()
		}

	case TypeToggleMic:
		if d.handlers.ToggleMic != nil {
			d.handlers.ToggleMic()
		}

	default:
		slog.Debug("unknown control message type", "type", msg.Type)
	}
}
