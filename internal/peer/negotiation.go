package peer

// negotiationState serializes offer/answer rounds: at most one in
// flight, at most one pending follow-up. Requests made while a round is
// running collapse into a single re-issue; this is a flag, not a queue.
type negotiationState struct {
	inFlight bool
	queued   bool
}

// begin reports whether a round may start now. If one is already in
// flight, the request is recorded for a single follow-up instead.
func (s *negotiationState) begin() bool {
	if s.inFlight {
		s.queued = true
		return false
	}
	s.inFlight = true
	return true
}

// complete ends the in-flight round and reports whether a queued
// follow-up must start immediately. The queued flag is consumed: N
// requests during one round yield exactly one follow-up.
func (s *negotiationState) complete() bool {
	s.inFlight = false
	if !s.queued {
		return false
	}
	s.queued = false
	s.inFlight = true
	return true
}

// reset drops all state, e.g. after the peer connection is torn down.
func (s *negotiationState) reset() {
	s.inFlight = false
	s.queued = false
}
