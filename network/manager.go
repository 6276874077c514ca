package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/metrics"
)

// Sink receives callbacks from a provider session.
type Sink interface {
	// Deliver hands one raw inbound frame to the manager.
	Deliver(data []byte)
	// Status reports connectivity changes. err is set when the link dropped unexpectedly.
	Status(connected bool, err error)
}

// Provider opens realtime sessions. Providers own dialing and reconnection;
// Open returns once the session is set up and reports the link state through sink.
type Provider interface {
	Open(ctx context.Context, identity Identity, sink Sink) (Session, error)
}

// Session is one open provider session.
type Session interface {
	Send(ctx context.Context, to string, data []byte) error
	Close() error
}

// Handler consumes one inbound frame.
type Handler func(Frame)

// StatusHandler observes connected/disconnected transitions.
type StatusHandler func(connected bool)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Provider Provider
	Deduper  Deduper
	Logger   zerolog.Logger
}

// Manager owns the single realtime channel and fans inbound events out to subscribers.
type Manager struct {
	options ManagerOptions
	logger  zerolog.Logger

	connectMu sync.Mutex

	mu        sync.Mutex
	identity  Identity
	session   Session
	sessionID uint64
	connected bool
	pending   *bool
	ready     chan struct{}

	subMu    sync.RWMutex
	handlers map[string]map[uint64]Handler
	any      map[uint64]Handler
	statuses map[uint64]StatusHandler
	nextSub  atomic.Uint64
}

// NewManager creates a transport manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if options.Deduper == nil {
		options.Deduper = NewMemoryDeduper(0)
	}

	return &Manager{
		options:  options,
		logger:   options.Logger.With().Str("component", "transport").Logger(),
		ready:    make(chan struct{}),
		handlers: make(map[string]map[uint64]Handler),
		any:      make(map[uint64]Handler),
		statuses: make(map[uint64]StatusHandler),
	}, nil
}

// Connect opens the session for identity. Calling it again for the same identity is a no-op.
func (m *Manager) Connect(ctx context.Context, identity Identity) error {
	if identity.ID == "" {
		return errors.New("identity.id is required")
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.session != nil {
		current := m.identity.ID
		m.mu.Unlock()
		if current == identity.ID {
			return nil
		}
		return fmt.Errorf("connect %q: %w", identity.ID, ErrIdentityMismatch)
	}
	m.sessionID++
	sink := &sessionSink{manager: m, id: m.sessionID}
	m.identity = identity
	m.mu.Unlock()

	session, err := m.options.Provider.Open(ctx, identity, sink)
	if err != nil {
		m.mu.Lock()
		m.identity = Identity{}
		m.pending = nil
		m.mu.Unlock()
		return apperr.New(apperr.Connectivity, "connect", err)
	}

	m.mu.Lock()
	m.session = session
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.logger.Info().Str("identity", identity.ID).Msg("transport session opened")
	if pending != nil {
		m.setConnected(*pending)
	}
	return nil
}

// Disconnect closes the session. It is safe to call when already disconnected.
func (m *Manager) Disconnect() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	session := m.session
	if session == nil {
		m.mu.Unlock()
		return nil
	}
	m.session = nil
	m.identity = Identity{}
	m.sessionID++
	m.mu.Unlock()

	m.setConnected(false)

	if err := session.Close(); err != nil {
		return fmt.Errorf("close transport session: %w", err)
	}
	m.logger.Info().Msg("transport session closed")
	return nil
}

// Identity returns the identity of the open session.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.session != nil
}

// Connected reports whether the channel is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Ready returns a channel that is closed while the transport is connected.
// A fresh channel is handed out after every disconnect.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Emit sends one event to identity `to`. It does not wait for acknowledgment.
func (m *Manager) Emit(ctx context.Context, to, event string, payload any) error {
	m.mu.Lock()
	session := m.session
	connected := m.connected
	from := m.identity.ID
	m.mu.Unlock()

	op := "emit " + event
	if session == nil || !connected {
		return apperr.New(apperr.Connectivity, op, ErrNotConnected)
	}

	frame, err := NewFrame(event, from, to, payload)
	if err != nil {
		return err
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := session.Send(ctx, to, data); err != nil {
		return apperr.New(apperr.Connectivity, op, err)
	}
	return nil
}

// On subscribes handler to one event name.
func (m *Manager) On(event string, handler Handler) *Subscription {
	id := m.nextSub.Add(1)
	m.subMu.Lock()
	byID, ok := m.handlers[event]
	if !ok {
		byID = make(map[uint64]Handler)
		m.handlers[event] = byID
	}
	byID[id] = handler
	m.subMu.Unlock()
	return &Subscription{manager: m, kind: subEvent, event: event, id: id}
}

// OnAny subscribes handler to every event.
func (m *Manager) OnAny(handler Handler) *Subscription {
	id := m.nextSub.Add(1)
	m.subMu.Lock()
	m.any[id] = handler
	m.subMu.Unlock()
	return &Subscription{manager: m, kind: subAny, id: id}
}

// OnStatus subscribes handler to connectivity transitions.
func (m *Manager) OnStatus(handler StatusHandler) *Subscription {
	id := m.nextSub.Add(1)
	m.subMu.Lock()
	m.statuses[id] = handler
	m.subMu.Unlock()
	return &Subscription{manager: m, kind: subStatus, id: id}
}

// Off releases a subscription. Releasing twice is harmless.
func (m *Manager) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Release()
}

// SubscriberCount returns the number of live subscriptions.
func (m *Manager) SubscriberCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	total := len(m.any) + len(m.statuses)
	for _, byID := range m.handlers {
		total += len(byID)
	}
	return total
}

func (m *Manager) remove(sub *Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	switch sub.kind {
	case subEvent:
		if byID, ok := m.handlers[sub.event]; ok {
			delete(byID, sub.id)
			if len(byID) == 0 {
				delete(m.handlers, sub.event)
			}
		}
	case subAny:
		delete(m.any, sub.id)
	case subStatus:
		delete(m.statuses, sub.id)
	}
}

func (m *Manager) deliver(sessionID uint64, data []byte) {
	if !m.currentSession(sessionID) {
		return
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	first, err := m.options.Deduper.MarkSeen(frame.ID)
	if err != nil {
		// at-least-once: an unrecorded id is still delivered
		m.logger.Warn().Err(err).Str("frame_id", frame.ID).Msg("dedupe lookup failed")
		first = true
	}
	if !first {
		metrics.TransportDuplicates.Inc()
		m.logger.Debug().Str("frame_id", frame.ID).Str("event", frame.Event).Msg("dropping duplicate frame")
		return
	}

	metrics.TransportEvents.WithLabelValues(frame.Event).Inc()

	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.handlers[frame.Event])+len(m.any))
	for _, handler := range m.handlers[frame.Event] {
		handlers = append(handlers, handler)
	}
	for _, handler := range m.any {
		handlers = append(handlers, handler)
	}
	m.subMu.RUnlock()

	for _, handler := range handlers {
		m.safeDispatch(frame, handler)
	}
}

func (m *Manager) status(sessionID uint64, connected bool, err error) {
	if err != nil {
		m.logger.Warn().Err(err).Msg("transport link dropped")
	}

	m.mu.Lock()
	if m.sessionID != sessionID {
		m.mu.Unlock()
		return
	}
	if m.session == nil {
		// Open has not returned yet; Connect applies the state once the session is stored.
		m.pending = &connected
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.setConnected(connected)
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	if connected {
		close(m.ready)
	} else {
		m.ready = make(chan struct{})
	}
	m.mu.Unlock()

	if connected {
		metrics.TransportConnected.Set(1)
		m.logger.Info().Msg("transport connected")
	} else {
		metrics.TransportConnected.Set(0)
		m.logger.Info().Msg("transport disconnected")
	}

	m.subMu.RLock()
	handlers := make([]StatusHandler, 0, len(m.statuses))
	for _, handler := range m.statuses {
		handlers = append(handlers, handler)
	}
	m.subMu.RUnlock()

	for _, handler := range handlers {
		m.safeStatus(connected, handler)
	}
}

func (m *Manager) currentSession(sessionID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID == sessionID
}

func (m *Manager) safeDispatch(frame Frame, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("event", frame.Event).Msg("event handler panicked")
		}
	}()
	handler(frame)
}

func (m *Manager) safeStatus(connected bool, handler StatusHandler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Bool("connected", connected).Msg("status handler panicked")
		}
	}()
	handler(connected)
}

type sessionSink struct {
	manager *Manager
	id      uint64
}

func (s *sessionSink) Deliver(data []byte) {
	s.manager.deliver(s.id, data)
}

func (s *sessionSink) Status(connected bool, err error) {
	s.manager.status(s.id, connected, err)
}

type subscriptionKind int

const (
	subEvent subscriptionKind = iota
	subAny
	subStatus
)

// Subscription is a handle returned by On, OnAny and OnStatus. Consumers must Release it on teardown.
type Subscription struct {
	manager *Manager
	kind    subscriptionKind
	event   string
	id      uint64
	once    sync.Once
}

// Release removes the handler. It is idempotent.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.manager.remove(s)
	})
}

// Group releases several subscriptions together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add tracks sub for a later Release.
func (g *Group) Add(sub *Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
}

// Release releases every tracked subscription.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Release()
	}
}
