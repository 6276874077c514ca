package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/metrics"
	"campuslink/network"
	"campuslink/schedule"
)

const DefaultRingTimeout = 30 * time.Second

// State is the position of the call state machine.
type State string

const (
	StateIdle       State = "idle"
	StateRingingOut State = "ringing_out"
	StateRingingIn  State = "ringing_in"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Ringing reports whether s is one of the two ringing states.
func (s State) Ringing() bool {
	return s == StateRingingOut || s == StateRingingIn
}

const (
	ReasonNoAnswer      = "no_answer"
	ReasonRejected      = "rejected"
	ReasonBusy          = "busy"
	ReasonHangup        = "hangup"
	ReasonRemoteEnded   = "remote_ended"
	ReasonTransportLost = "transport_lost"
	ReasonNegotiation   = "negotiation_failed"
)

var (
	ErrBusy          = errors.New("calls: another call is in progress")
	ErrInvalidState  = errors.New("calls: operation not valid in current state")
	ErrMissingCallee = errors.New("calls: callee id is required")
)

// Session is a snapshot of the current call.
type Session struct {
	CallID    string
	PeerID    string
	Outgoing  bool
	State     State
	Reason    string
	StartedAt time.Time
}

// Request is the payload of a call request event.
type Request struct {
	CallID      string    `json:"call_id"`
	CallerID    string    `json:"caller_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Answer is the payload of accept, reject and end events.
type Answer struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// Signal is one negotiation payload (offer, answer or candidate). Seq orders payloads of one call.
type Signal struct {
	CallID string          `json:"call_id"`
	Seq    uint64          `json:"seq"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Transport emits call events. *network.Manager implements it.
type Transport interface {
	Emit(ctx context.Context, to, event string, payload any) error
	Connected() bool
}

type StateHandler func(Session)

type SignalHandler func(Signal)

// Options configures a Machine.
type Options struct {
	Transport   Transport
	SelfID      string
	RingTimeout time.Duration
	Scheduler   *schedule.Scheduler
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Machine drives the single call session of one identity.
type Machine struct {
	options Options
	logger  zerolog.Logger

	mu       sync.Mutex
	session  *Session
	ringTask *schedule.Task
	nextSeq  uint64
	outbound []Signal
	inbound  []Signal
	flushing bool
	// set while held inbound payloads are being handed out
	releasing bool

	handlerMu      sync.RWMutex
	stateHandlers  map[uint64]StateHandler
	signalHandlers map[uint64]SignalHandler
	nextHandler    uint64
}

// New returns an idle machine. Without a scheduler one is created for ring timers.
func New(options Options) (*Machine, error) {
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.SelfID == "" {
		return nil, errors.New("self id is required")
	}
	if options.RingTimeout <= 0 {
		options.RingTimeout = DefaultRingTimeout
	}
	if options.Scheduler == nil {
		options.Scheduler = schedule.NewScheduler(context.Background(), options.Logger)
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Machine{
		options:        options,
		logger:         options.Logger.With().Str("component", "calls").Logger(),
		stateHandlers:  make(map[uint64]StateHandler),
		signalHandlers: make(map[uint64]SignalHandler),
	}, nil
}

// Current returns the active session, or an Idle session.
func (m *Machine) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{State: StateIdle}
	}
	return *m.session
}

// OnStateChange subscribes to every transition. The returned func releases it.
func (m *Machine) OnStateChange(handler StateHandler) (release func()) {
	m.handlerMu.Lock()
	m.nextHandler++
	id := m.nextHandler
	m.stateHandlers[id] = handler
	m.handlerMu.Unlock()
	return m.releaser(func() { delete(m.stateHandlers, id) })
}

// OnSignal subscribes to inbound negotiation payloads of the active call.
func (m *Machine) OnSignal(handler SignalHandler) (release func()) {
	m.handlerMu.Lock()
	m.nextHandler++
	id := m.nextHandler
	m.signalHandlers[id] = handler
	m.handlerMu.Unlock()
	return m.releaser(func() { delete(m.signalHandlers, id) })
}

func (m *Machine) releaser(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlerMu.Lock()
			remove()
			m.handlerMu.Unlock()
		})
	}
}

// Initiate rings calleeID. It fails with ErrBusy unless the machine is idle.
func (m *Machine) Initiate(ctx context.Context, calleeID string) (Session, error) {
	if calleeID == "" {
		return Session{}, ErrMissingCallee
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return Session{}, apperr.New(apperr.CallNegotiation, "initiate call", ErrBusy)
	}
	session := &Session{
		CallID:    uuid.New().String(),
		PeerID:    calleeID,
		Outgoing:  true,
		State:     StateRingingOut,
		StartedAt: m.options.Now(),
	}
	m.session = session
	m.armRingLocked(session.CallID)
	snapshot := *session
	m.mu.Unlock()
	m.publish(snapshot)

	err := m.options.Transport.Emit(ctx, calleeID, network.EventCallRequest, Request{
		CallID:      snapshot.CallID,
		CallerID:    m.options.SelfID,
		RequestedAt: snapshot.StartedAt,
	})
	if err != nil {
		m.fail(snapshot.CallID, ReasonTransportLost, false)
		return m.Current(), apperr.New(apperr.Connectivity, "initiate call", err)
	}
	return snapshot, nil
}

// HandleIncomingRequest rings locally for req unless another call is in progress, in which
// case the request is rejected as busy. When both sides ring each other at once the
// earlier request wins.
func (m *Machine) HandleIncomingRequest(ctx context.Context, req Request) {
	if req.CallID == "" || req.CallerID == "" {
		return
	}

	m.mu.Lock()
	var abandoned *Session
	if current := m.session; current != nil {
		if current.CallID == req.CallID {
			m.mu.Unlock()
			return
		}
		if !m.glareWinsLocked(req) {
			m.mu.Unlock()
			m.logger.Info().Str("call_id", req.CallID).Str("caller", req.CallerID).Msg("rejecting call while busy")
			m.emitBestEffort(ctx, req.CallerID, network.EventCallReject, Answer{CallID: req.CallID, Reason: ReasonBusy})
			return
		}
		// The peer's earlier request replaces our own outgoing ring; the peer rejects ours as busy.
		m.cancelRingLocked()
		m.clearBuffersLocked()
		ended := *current
		ended.State = StateEnded
		ended.Reason = ReasonBusy
		abandoned = &ended
	}

	session := &Session{
		CallID:    req.CallID,
		PeerID:    req.CallerID,
		State:     StateRingingIn,
		StartedAt: m.options.Now(),
	}
	m.session = session
	m.armRingLocked(session.CallID)
	snapshot := *session
	m.mu.Unlock()

	if abandoned != nil {
		m.publish(*abandoned)
		m.publish(Session{CallID: abandoned.CallID, PeerID: abandoned.PeerID, Outgoing: true, State: StateIdle, Reason: ReasonBusy})
	}
	m.publish(snapshot)
}

// glareWinsLocked reports whether an incoming req should replace our outgoing ring to the same peer.
func (m *Machine) glareWinsLocked(req Request) bool {
	current := m.session
	if current.State != StateRingingOut || current.PeerID != req.CallerID {
		return false
	}
	if req.RequestedAt.Equal(current.StartedAt) {
		return req.CallID < current.CallID
	}
	return req.RequestedAt.Before(current.StartedAt)
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	if session == nil || session.State != StateRingingIn {
		m.mu.Unlock()
		return apperr.New(apperr.CallNegotiation, "accept call", ErrInvalidState)
	}
	m.cancelRingLocked()
	session.State = StateActive
	snapshot := *session
	m.mu.Unlock()
	m.publish(snapshot)

	if err := m.options.Transport.Emit(ctx, snapshot.PeerID, network.EventCallAccept, Answer{CallID: snapshot.CallID}); err != nil {
		m.fail(snapshot.CallID, ReasonTransportLost, false)
		return apperr.New(apperr.Connectivity, "accept call", err)
	}
	m.flush(ctx)
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	if session == nil || session.State != StateRingingIn {
		m.mu.Unlock()
		return apperr.New(apperr.CallNegotiation, "reject call", ErrInvalidState)
	}
	callID, peerID := session.CallID, session.PeerID
	m.mu.Unlock()

	m.emitBestEffort(ctx, peerID, network.EventCallReject, Answer{CallID: callID, Reason: ReasonRejected})
	m.end(callID, ReasonRejected)
	return nil
}

// Terminate hangs up a ringing or active call and notifies the peer.
func (m *Machine) Terminate(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	if session == nil || !(session.State.Ringing() || session.State == StateActive) {
		m.mu.Unlock()
		return apperr.New(apperr.CallNegotiation, "terminate call", ErrInvalidState)
	}
	callID, peerID := session.CallID, session.PeerID
	m.mu.Unlock()

	m.emitBestEffort(ctx, peerID, network.EventCallEnd, Answer{CallID: callID, Reason: ReasonHangup})
	m.end(callID, ReasonHangup)
	return nil
}

// SendSignal queues a negotiation payload for the peer. Payloads leave in order once the
// call is active and the transport is up.
func (m *Machine) SendSignal(ctx context.Context, kind string, data json.RawMessage) error {
	m.mu.Lock()
	session := m.session
	if session == nil || !(session.State.Ringing() || session.State == StateActive) {
		m.mu.Unlock()
		return apperr.New(apperr.CallNegotiation, "send signal", ErrInvalidState)
	}
	m.nextSeq++
	m.outbound = append(m.outbound, Signal{CallID: session.CallID, Seq: m.nextSeq, Kind: kind, Data: data})
	m.mu.Unlock()

	m.flush(ctx)
	return nil
}

// NegotiationFailed reports a media negotiation error for callID. The call goes to
// Failed, then Ended, and the peer is told best effort.
func (m *Machine) NegotiationFailed(ctx context.Context, callID string, cause error) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.CallID != callID {
		m.mu.Unlock()
		return
	}
	peerID := session.PeerID
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Str("call_id", callID).Msg("call negotiation failed")
	m.emitBestEffort(ctx, peerID, network.EventCallEnd, Answer{CallID: callID, Reason: ReasonNegotiation})
	m.fail(callID, ReasonNegotiation, true)
}

// HandleRemoteAccept moves our outgoing ring to Active.
func (m *Machine) HandleRemoteAccept(ctx context.Context, answer Answer) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.CallID != answer.CallID || session.State != StateRingingOut {
		m.mu.Unlock()
		return
	}
	m.cancelRingLocked()
	session.State = StateActive
	snapshot := *session
	m.mu.Unlock()

	m.publish(snapshot)
	m.flush(ctx)
}

// HandleRemoteReject ends our outgoing ring with the peer's reason.
func (m *Machine) HandleRemoteReject(answer Answer) {
	m.mu.Lock()
	session := m.session
	ok := session != nil && session.CallID == answer.CallID && session.State == StateRingingOut
	m.mu.Unlock()
	if !ok {
		return
	}
	reason := answer.Reason
	if reason == "" {
		reason = ReasonRejected
	}
	m.end(answer.CallID, reason)
}

// HandleRemoteEnd ends the call when the peer hangs up.
func (m *Machine) HandleRemoteEnd(answer Answer) {
	m.mu.Lock()
	session := m.session
	ok := session != nil && session.CallID == answer.CallID
	m.mu.Unlock()
	if ok {
		m.end(answer.CallID, ReasonRemoteEnded)
	}
}

// HandleRemoteSignal delivers a peer payload, or holds it until the call is active. A payload
// arriving while held ones are still being released queues behind them.
func (m *Machine) HandleRemoteSignal(signal Signal) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.CallID != signal.CallID {
		m.mu.Unlock()
		return
	}
	if session.State != StateActive || m.releasing {
		m.holdLocked(signal)
		m.mu.Unlock()
		return
	}
	if len(m.inbound) > 0 {
		m.holdLocked(signal)
		m.mu.Unlock()
		m.releaseHeld(signal.CallID)
		return
	}
	m.mu.Unlock()
	m.deliverSignal(signal)
}

// holdLocked queues signal in Seq order.
func (m *Machine) holdLocked(signal Signal) {
	i := sort.Search(len(m.inbound), func(i int) bool { return m.inbound[i].Seq > signal.Seq })
	m.inbound = slices.Insert(m.inbound, i, signal)
}

// releaseHeld delivers held inbound payloads of callID one at a time, including any that
// arrive meanwhile.
func (m *Machine) releaseHeld(callID string) {
	m.mu.Lock()
	if m.releasing {
		m.mu.Unlock()
		return
	}
	m.releasing = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.inbound) == 0 || m.session == nil || m.session.CallID != callID || m.session.State != StateActive {
			m.releasing = false
			m.mu.Unlock()
			return
		}
		next := m.inbound[0]
		m.inbound = m.inbound[1:]
		m.mu.Unlock()

		m.deliverSignal(next)
	}
}

// HandleTransportStatus fails the call when the transport drops and resumes buffered
// payloads when it returns.
func (m *Machine) HandleTransportStatus(ctx context.Context, connected bool) {
	if connected {
		m.flush(ctx)
		return
	}
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session != nil {
		m.fail(session.CallID, ReasonTransportLost, false)
	}
}

// BufferedSignals returns the outbound payloads still waiting for the peer channel.
func (m *Machine) BufferedSignals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound)
}

// flush sends buffered outbound payloads in order and releases held inbound ones. Only one
// flush runs at a time so payload order is preserved.
func (m *Machine) flush(ctx context.Context) {
	m.mu.Lock()
	if m.flushing || m.session == nil || m.session.State != StateActive {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	session := *m.session
	m.mu.Unlock()

	m.releaseHeld(session.CallID)

	var failure error
	for {
		m.mu.Lock()
		if len(m.outbound) == 0 || m.session == nil || m.session.CallID != session.CallID || !m.options.Transport.Connected() {
			m.flushing = false
			m.mu.Unlock()
			break
		}
		next := m.outbound[0]
		m.mu.Unlock()

		if err := m.options.Transport.Emit(ctx, session.PeerID, network.EventCallSignal, next); err != nil {
			failure = err
			m.mu.Lock()
			m.flushing = false
			m.mu.Unlock()
			break
		}

		m.mu.Lock()
		if len(m.outbound) > 0 && m.outbound[0].Seq == next.Seq {
			m.outbound = m.outbound[1:]
		}
		m.mu.Unlock()
	}

	if failure != nil {
		m.NegotiationFailed(ctx, session.CallID, fmt.Errorf("relay signal: %w", failure))
	}
}

func (m *Machine) deliverSignal(signal Signal) {
	m.handlerMu.RLock()
	handlers := make([]SignalHandler, 0, len(m.signalHandlers))
	for _, handler := range m.signalHandlers {
		handlers = append(handlers, handler)
	}
	m.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error().Interface("panic", rec).Msg("signal handler panicked")
				}
			}()
			handler(signal)
		}()
	}
}

// end moves callID to Ended and then back to Idle.
func (m *Machine) end(callID, reason string) {
	m.terminate(callID, reason, StateEnded)
}

// fail moves callID to Failed, optionally through Ended, and then back to Idle.
func (m *Machine) fail(callID, reason string, thenEnded bool) {
	if thenEnded {
		m.terminate(callID, reason, StateFailed, StateEnded)
		return
	}
	m.terminate(callID, reason, StateFailed)
}

func (m *Machine) terminate(callID, reason string, states ...State) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.CallID != callID {
		m.mu.Unlock()
		return
	}
	m.cancelRingLocked()
	m.clearBuffersLocked()
	m.session = nil
	final := *session
	m.mu.Unlock()

	final.Reason = reason
	for _, state := range states {
		final.State = state
		m.publish(final)
	}
	m.publish(Session{CallID: final.CallID, PeerID: final.PeerID, Outgoing: final.Outgoing, State: StateIdle, Reason: reason})
}

func (m *Machine) armRingLocked(callID string) {
	m.cancelRingLocked()
	m.ringTask = m.options.Scheduler.After("call-ring", m.options.RingTimeout, func(ctx context.Context) {
		m.ringExpired(ctx, callID)
	})
}

func (m *Machine) cancelRingLocked() {
	m.ringTask.Cancel()
	m.ringTask = nil
}

func (m *Machine) clearBuffersLocked() {
	m.outbound = nil
	m.inbound = nil
	m.nextSeq = 0
}

func (m *Machine) ringExpired(ctx context.Context, callID string) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.CallID != callID || !session.State.Ringing() {
		m.mu.Unlock()
		return
	}
	outgoing, peerID := session.Outgoing, session.PeerID
	m.mu.Unlock()

	if outgoing {
		m.emitBestEffort(ctx, peerID, network.EventCallEnd, Answer{CallID: callID, Reason: ReasonNoAnswer})
	}
	m.end(callID, ReasonNoAnswer)
}

func (m *Machine) emitBestEffort(ctx context.Context, to, event string, payload any) {
	if err := m.options.Transport.Emit(ctx, to, event, payload); err != nil {
		m.logger.Debug().Err(err).Str("event", event).Str("to", to).Msg("best-effort call notification failed")
	}
}

func (m *Machine) publish(session Session) {
	metrics.CallTransitions.WithLabelValues(string(session.State)).Inc()
	m.logger.Debug().Str("call_id", session.CallID).Str("state", string(session.State)).Str("reason", session.Reason).Msg("call state changed")

	m.handlerMu.RLock()
	handlers := make([]StateHandler, 0, len(m.stateHandlers))
	for _, handler := range m.stateHandlers {
		handlers = append(handlers, handler)
	}
	m.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error().Interface("panic", rec).Msg("call state handler panicked")
				}
			}()
			handler(session)
		}()
	}
}
