package calls

import (
	"context"

	"campuslink/network"
)

// Bind routes call events and transport status from manager into m. Release the returned
// group on teardown.
func Bind(ctx context.Context, manager *network.Manager, m *Machine) *network.Group {
	group := &network.Group{}

	group.Add(manager.On(network.EventCallRequest, func(frame network.Frame) {
		var req Request
		if err := frame.Decode(&req); err != nil {
			m.logger.Warn().Err(err).Msg("decode call request")
			return
		}
		// The authenticated sender wins over the claimed caller.
		req.CallerID = frame.From
		if req.RequestedAt.IsZero() {
			req.RequestedAt = frame.Time()
		}
		m.HandleIncomingRequest(ctx, req)
	}))
	group.Add(manager.On(network.EventCallAccept, func(frame network.Frame) {
		if answer, ok := decodeAnswer(m, frame); ok {
			m.HandleRemoteAccept(ctx, answer)
		}
	}))
	group.Add(manager.On(network.EventCallReject, func(frame network.Frame) {
		if answer, ok := decodeAnswer(m, frame); ok {
			m.HandleRemoteReject(answer)
		}
	}))
	group.Add(manager.On(network.EventCallEnd, func(frame network.Frame) {
		if answer, ok := decodeAnswer(m, frame); ok {
			m.HandleRemoteEnd(answer)
		}
	}))
	group.Add(manager.On(network.EventCallSignal, func(frame network.Frame) {
		if !fromPeer(m, frame) {
			return
		}
		var signal Signal
		if err := frame.Decode(&signal); err != nil {
			m.logger.Warn().Err(err).Msg("decode call signal")
			return
		}
		m.HandleRemoteSignal(signal)
	}))
	group.Add(manager.OnStatus(func(connected bool) {
		m.HandleTransportStatus(ctx, connected)
	}))
	return group
}

func decodeAnswer(m *Machine, frame network.Frame) (Answer, bool) {
	if !fromPeer(m, frame) {
		return Answer{}, false
	}
	var answer Answer
	if err := frame.Decode(&answer); err != nil {
		m.logger.Warn().Err(err).Str("event", frame.Event).Msg("decode call answer")
		return Answer{}, false
	}
	return answer, true
}

// fromPeer drops call events that do not come from the peer of the current call.
func fromPeer(m *Machine, frame network.Frame) bool {
	current := m.Current()
	if current.State == StateIdle || current.PeerID != frame.From {
		m.logger.Debug().Str("event", frame.Event).Str("from", frame.From).Msg("ignoring call event from non-peer")
		return false
	}
	return true
}
