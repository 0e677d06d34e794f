package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ControlChannelLabel names the reliable ordered data channel that
// carries the remote-input protocol. The initiator always opens it.
const ControlChannelLabel = "control"

// Signal is the negotiation payload exchanged through the relay. The
// gateway treats it as opaque; only the two controllers interpret it.
type Signal struct {
	Type      string                   `json:"type,omitempty"` // "offer" or "answer"
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Signaler is the controller's transport: it carries Signal payloads
// and stream-purpose announcements to the remote peer via the gateway.
type Signaler interface {
	SendSignal(sig *Signal) error
	AnnounceStream(streamID string, purpose Purpose) error
}

// Config configures a Controller.
type Config struct {
	Role       Role
	ICEServers []webrtc.ICEServer
}

type localStream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// Controller owns one endpoint's peer connection: local/remote track
// bookkeeping, the control data channel, and the negotiation state
// machine. All transitions funnel through one mutex; exactly one
// negotiation round is in flight at any time.
type Controller struct {
	cfg      Config
	signaler Signaler

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	control     *webrtc.DataChannel
	negotiation negotiationState

	// Outgoing track senders keyed by purpose; local holds the tracks
	// themselves so they survive a transport teardown.
	senders map[Purpose][]*webrtc.RTPSender
	local   map[Purpose]localStream

	// Remote stream bookkeeping. Purpose announcements and the streams
	// they describe race freely; whichever arrives second completes
	// the association, keyed by stream identifier.
	remotePurpose map[string]Purpose
	pendingRemote map[string][]*webrtc.TrackRemote

	// Candidates received before a remote description exists, in
	// arrival order.
	pendingCandidates []webrtc.ICECandidateInit

	// OnRemoteStream is invoked once per (purpose, track) association.
	OnRemoteStream func(purpose Purpose, streamID string, track *webrtc.TrackRemote)

	// OnControlChannel is invoked when the control channel opens.
	OnControlChannel func(dc *webrtc.DataChannel)

	// OnStateChange surfaces transport connection state transitions.
	OnStateChange func(state webrtc.PeerConnectionState)
}

// NewController builds a controller and its initial peer connection.
func NewController(cfg Config, signaler Signaler) (*Controller, error) {
	c := &Controller{
		cfg:           cfg,
		signaler:      signaler,
		senders:       make(map[Purpose][]*webrtc.RTPSender),
		local:         make(map[Purpose]localStream),
		remotePurpose: make(map[string]Purpose),
		pendingRemote: make(map[string][]*webrtc.TrackRemote),
	}
	if err := c.buildTransport(); err != nil {
		return nil, err
	}
	return c, nil
}

// buildTransport creates the peer connection and, for the initiator,
// the control data channel. Caller must not hold the mutex.
func (c *Controller) buildTransport() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if err := c.signaler.SendSignal(&Signal{Candidate: &init}); err != nil {
			slog.Debug("send candidate", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleRemoteTrack(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlChannelLabel {
			return
		}
		c.adoptControlChannel(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("connection state", "state", state)
		if c.OnStateChange != nil {
			c.OnStateChange(state)
		}
	})

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if c.cfg.Role == Initiator {
		dc, err := pc.CreateDataChannel(ControlChannelLabel, nil)
		if err != nil {
			return fmt.Errorf("create control channel: %w", err)
		}
		c.adoptControlChannel(dc)
	}
	return nil
}

func (c *Controller) adoptControlChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.control = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		slog.Info("control channel open")
		if c.OnControlChannel != nil {
			c.OnControlChannel(dc)
		}
	})
}

// ControlChannel returns the control data channel, if present.
func (c *Controller) ControlChannel() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// RequestNegotiation starts an offer/answer round, or records a single
// pending follow-up if one is already in flight. A local failure to
// construct the offer is returned to the caller and never retried
// internally.
func (c *Controller) RequestNegotiation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.negotiation.begin() {
		return nil
	}
	return c.negotiateLocked()
}

func (c *Controller) negotiateLocked() error {
	if c.pc == nil {
		c.negotiation.reset()
		return errors.New("no peer connection")
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.roundFailedLocked()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.roundFailedLocked()
		return fmt.Errorf("apply local offer: %w", err)
	}

	local := c.pc.LocalDescription()
	if err := c.signaler.SendSignal(&Signal{Type: local.Type.String(), SDP: local.SDP}); err != nil {
		c.roundFailedLocked()
		return fmt.Errorf("relay offer: %w", err)
	}
	return nil
}

// roundFailedLocked closes a failed round. A follow-up recorded during
// the round still runs once; its own error only reaches the log, since
// the original caller already got theirs.
func (c *Controller) roundFailedLocked() {
	if c.negotiation.complete() {
		if err := c.negotiateLocked(); err != nil {
			slog.Warn("queued renegotiation failed", "err", err)
		}
	}
}

// HandleSignal advances the negotiation state machine with a payload
// received from the relay.
func (c *Controller) HandleSignal(sig *Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return errors.New("no peer connection")
	}

	switch {
	case sig.Type == webrtc.SDPTypeOffer.String():
		return c.handleOfferLocked(sig)
	case sig.Type == webrtc.SDPTypeAnswer.String():
		return c.handleAnswerLocked(sig)
	case sig.Candidate != nil:
		c.handleCandidateLocked(*sig.Candidate)
		return nil
	}
	return fmt.Errorf("unrecognized signal type %q", sig.Type)
}

func (c *Controller) handleOfferLocked(sig *Signal) error {
	if sig.SDP == "" {
		return errors.New("offer missing session description")
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	c.flushCandidatesLocked()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("apply local answer: %w", err)
	}

	local := c.pc.LocalDescription()
	if err := c.signaler.SendSignal(&Signal{Type: local.Type.String(), SDP: local.SDP}); err != nil {
		return fmt.Errorf("relay answer: %w", err)
	}
	return nil
}

func (c *Controller) handleAnswerLocked(sig *Signal) error {
	if sig.SDP == "" {
		return errors.New("answer missing session description")
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	c.flushCandidatesLocked()

	// The round is complete; a coalesced follow-up starts now.
	if c.negotiation.complete() {
		if err := c.negotiateLocked(); err != nil {
			return fmt.Errorf("follow-up round: %w", err)
		}
	}
	return nil
}

// handleCandidateLocked applies a candidate immediately when a remote
// description is set, otherwise buffers it in arrival order.
func (c *Controller) handleCandidateLocked(cand webrtc.ICECandidateInit) {
	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		// Stale candidates after renegotiation are expected.
		slog.Debug("candidate dropped", "err", err)
	}
}

// flushCandidatesLocked applies the buffer in order. Individual
// failures are dropped without aborting the flush.
func (c *Controller) flushCandidatesLocked() {
	for _, cand := range c.pendingCandidates {
		if err := c.pc.AddICECandidate(cand); err != nil {
			slog.Debug("buffered candidate dropped", "err", err)
		}
	}
	c.pendingCandidates = nil
}

// AddStream attaches local tracks under one stream identifier,
// announces their purpose out-of-band, and requests renegotiation.
func (c *Controller) AddStream(purpose Purpose, streamID string, tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.pc == nil {
		c.mu.Unlock()
		return errors.New("no peer connection")
	}

	for _, track := range tracks {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("add %s track: %w", purpose, err)
		}
		c.senders[purpose] = append(c.senders[purpose], sender)
	}
	c.local[purpose] = localStream{id: streamID, tracks: tracks}
	c.mu.Unlock()

	if err := c.signaler.AnnounceStream(streamID, purpose); err != nil {
		return fmt.Errorf("announce %s stream: %w", purpose, err)
	}
	return c.RequestNegotiation()
}

// AddSource is AddStream for a capture collaborator; the source's end
// notification clears the stream again.
func (c *Controller) AddSource(purpose Purpose, src MediaSource) error {
	src.SetOnEnded(func() {
		c.RemoveStream(purpose)
	})
	return c.AddStream(purpose, src.StreamID(), src.Tracks())
}

// RemoveStream detaches the local tracks for a purpose and requests
// renegotiation. Removal against a superseded peer connection is
// expected to fail occasionally and is tolerated silently.
func (c *Controller) RemoveStream(purpose Purpose) {
	c.mu.Lock()
	for _, sender := range c.senders[purpose] {
		if err := c.pc.RemoveTrack(sender); err != nil {
			slog.Debug("remove track", "purpose", purpose, "err", err)
		}
	}
	delete(c.senders, purpose)
	delete(c.local, purpose)
	c.mu.Unlock()

	if err := c.RequestNegotiation(); err != nil {
		slog.Warn("renegotiation after stream removal failed", "err", err)
	}
}

// SetRemotePurpose records the announced purpose for a remote stream
// and retroactively delivers any tracks that arrived before it.
func (c *Controller) SetRemotePurpose(streamID string, purpose Purpose) {
	c.mu.Lock()
	c.remotePurpose[streamID] = purpose
	buffered := c.pendingRemote[streamID]
	delete(c.pendingRemote, streamID)
	cb := c.OnRemoteStream
	c.mu.Unlock()

	if cb == nil {
		return
	}
	for _, track := range buffered {
		cb(purpose, streamID, track)
	}
}

// handleRemoteTrack delivers a track whose purpose is already known, or
// buffers it until the announcement lands. Association is keyed by
// stream identifier, not arrival order; the two can race.
func (c *Controller) handleRemoteTrack(track *webrtc.TrackRemote) {
	streamID := track.StreamID()

	c.mu.Lock()
	purpose, known := c.remotePurpose[streamID]
	if !known {
		c.pendingRemote[streamID] = append(c.pendingRemote[streamID], track)
		c.mu.Unlock()
		return
	}
	cb := c.OnRemoteStream
	c.mu.Unlock()

	if cb != nil {
		cb(purpose, streamID, track)
	}
}

// PeerLost tears down the transport after the counterpart's connection
// died. Locally captured media is kept so it can be re-attached when
// the peer comes back.
func (c *Controller) PeerLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			slog.Debug("close peer connection", "err", err)
		}
	}
	c.pc = nil
	c.control = nil
	c.senders = make(map[Purpose][]*webrtc.RTPSender)
	c.remotePurpose = make(map[string]Purpose)
	c.pendingRemote = make(map[string][]*webrtc.TrackRemote)
	c.pendingCandidates = nil
	c.negotiation.reset()
}

// PeerReconnected rebuilds the transport from scratch, re-attaches any
// still-held local tracks, re-announces their purposes, and, for the
// initiating role, begins a fresh negotiation round.
func (c *Controller) PeerReconnected() error {
	c.PeerLost()

	if err := c.buildTransport(); err != nil {
		return err
	}

	c.mu.Lock()
	held := make(map[Purpose]localStream, len(c.local))
	for purpose, stream := range c.local {
		held[purpose] = stream
	}
	c.local = make(map[Purpose]localStream)
	c.mu.Unlock()

	for purpose, stream := range held {
		if err := c.AddStream(purpose, stream.id, stream.tracks); err != nil {
			return err
		}
	}

	if c.cfg.Role == Initiator {
		return c.RequestNegotiation()
	}
	return nil
}

// Close releases the transport.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return nil
	}
	err := c.pc.Close()
	c.pc = nil
	return err
}
