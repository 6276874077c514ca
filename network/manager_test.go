package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"campuslink/apperr"
)

type fakeProvider struct {
	mu       sync.Mutex
	opens    int
	sessions []*fakeSession
	openErr  error
	// connectOnOpen reports the link as up from inside Open.
	connectOnOpen bool
}

func (p *fakeProvider) Open(_ context.Context, identity Identity, sink Sink) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opens++
	session := &fakeSession{identity: identity, sink: sink}
	p.sessions = append(p.sessions, session)
	if p.connectOnOpen {
		sink.Status(true, nil)
	}
	return session, nil
}

func (p *fakeProvider) last() *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[len(p.sessions)-1]
}

type fakeSession struct {
	identity Identity
	sink     Sink

	mu     sync.Mutex
	sent   []Frame
	closed bool
}

func (s *fakeSession) Send(_ context.Context, to string, data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame.To != to {
		return errors.New("recipient mismatch")
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) push(t *testing.T, id, event string) {
	t.Helper()
	frame := Frame{ID: id, Event: event, SentAt: time.Now().UnixMilli()}
	data, err := EncodeFrame(frame)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	s.sink.Deliver(data)
}

func newTestManager(t *testing.T, provider *fakeProvider) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{Provider: provider, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager
}

func TestConnectIsIdempotentPerIdentity(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	if err := manager.Connect(ctx, Identity{ID: "mentor-1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := manager.Connect(ctx, Identity{ID: "mentor-1"}); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if provider.opens != 1 {
		t.Fatalf("expected one provider session, got %d", provider.opens)
	}
	if err := manager.Connect(ctx, Identity{ID: "student-9"}); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}

	if err := manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := manager.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	if !provider.last().closed {
		t.Fatalf("expected session to be closed")
	}
}

func TestEmitRequiresConnection(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	err := manager.Emit(ctx, "bob", EventCallRequest, map[string]string{"call_id": "c1"})
	if !apperr.Is(err, apperr.Connectivity) {
		t.Fatalf("expected connectivity error before connect, got %v", err)
	}

	if err := manager.Connect(ctx, Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session := provider.last()

	if err := manager.Emit(ctx, "bob", EventCallRequest, nil); !apperr.Is(err, apperr.Connectivity) {
		t.Fatalf("expected connectivity error while link down, got %v", err)
	}

	session.sink.Status(true, nil)
	if err := manager.Emit(ctx, "bob", EventCallRequest, map[string]string{"call_id": "c1"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(session.sent) != 1 || session.sent[0].From != "alice" || session.sent[0].To != "bob" {
		t.Fatalf("unexpected sent frames %+v", session.sent)
	}
}

func TestStatusReportedDuringOpenIsApplied(t *testing.T) {
	provider := &fakeProvider{connectOnOpen: true}
	manager := newTestManager(t, provider)

	var got []bool
	sub := manager.OnStatus(func(connected bool) { got = append(got, connected) })
	defer sub.Release()

	if err := manager.Connect(context.Background(), Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !manager.Connected() {
		t.Fatalf("expected manager to be connected")
	}
	select {
	case <-manager.Ready():
	default:
		t.Fatalf("expected ready channel to be closed")
	}
	if len(got) != 1 || !got[0] {
		t.Fatalf("expected one connected notification, got %v", got)
	}
}

func TestReadyResetsAfterDisconnect(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	if err := manager.Connect(context.Background(), Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session := provider.last()
	session.sink.Status(true, nil)
	<-manager.Ready()

	session.sink.Status(false, errors.New("link reset"))
	select {
	case <-manager.Ready():
		t.Fatalf("expected ready channel to be open after drop")
	default:
	}
	if manager.Connected() {
		t.Fatalf("expected disconnected state")
	}
}

func TestDuplicateFramesAreDropped(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	if err := manager.Connect(context.Background(), Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session := provider.last()

	var received []string
	sub := manager.On(EventMessageNew, func(frame Frame) { received = append(received, frame.ID) })
	defer sub.Release()

	session.push(t, "m-1", EventMessageNew)
	session.push(t, "m-1", EventMessageNew)
	session.push(t, "m-2", EventMessageNew)

	if len(received) != 2 || received[0] != "m-1" || received[1] != "m-2" {
		t.Fatalf("expected deduped delivery in order, got %v", received)
	}
}

func TestSubscribersAreIndependentAndReleasable(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	if err := manager.Connect(context.Background(), Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session := provider.last()

	var first, second, anyCount int
	subA := manager.On(EventMessageRead, func(Frame) { first++ })
	subB := manager.On(EventMessageRead, func(Frame) { second++ })
	subAny := manager.OnAny(func(Frame) { anyCount++ })

	session.push(t, "r-1", EventMessageRead)
	subA.Release()
	subA.Release()
	session.push(t, "r-2", EventMessageRead)
	manager.Off(subB)
	subAny.Release()
	session.push(t, "r-3", EventMessageRead)

	if first != 1 || second != 2 || anyCount != 2 {
		t.Fatalf("unexpected counts first=%d second=%d any=%d", first, second, anyCount)
	}
	if manager.SubscriberCount() != 0 {
		t.Fatalf("expected no live subscriptions, got %d", manager.SubscriberCount())
	}
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	if err := manager.Connect(context.Background(), Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var group Group
	delivered := 0
	group.Add(manager.On(EventCallEnd, func(Frame) { panic("boom") }))
	group.Add(manager.OnAny(func(Frame) { delivered++ }))

	provider.last().push(t, "e-1", EventCallEnd)
	if delivered != 1 {
		t.Fatalf("expected second handler to run, got %d", delivered)
	}

	group.Release()
	if manager.SubscriberCount() != 0 {
		t.Fatalf("expected group release to clear subscriptions")
	}
}

func TestStaleSessionCallbacksIgnored(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()
	if err := manager.Connect(ctx, Identity{ID: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	stale := provider.last()
	if err := manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := manager.Connect(ctx, Identity{ID: "bob"}); err != nil {
		t.Fatalf("reconnect as bob failed: %v", err)
	}

	delivered := 0
	sub := manager.OnAny(func(Frame) { delivered++ })
	defer sub.Release()

	stale.sink.Status(true, nil)
	stale.push(t, "late-1", EventMessageNew)
	if manager.Connected() || delivered != 0 {
		t.Fatalf("expected stale session to be ignored, connected=%v delivered=%d", manager.Connected(), delivered)
	}
}

func TestConnectFailureIsConnectivityError(t *testing.T) {
	provider := &fakeProvider{openErr: errors.New("bad url")}
	manager := newTestManager(t, provider)
	err := manager.Connect(context.Background(), Identity{ID: "alice"})
	if !apperr.Is(err, apperr.Connectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if _, ok := manager.Identity(); ok {
		t.Fatalf("expected no identity after failed connect")
	}
}

func TestMemoryDeduperEvictsOldest(t *testing.T) {
	deduper := NewMemoryDeduper(2)
	for _, id := range []string{"a", "b", "c"} {
		if first, _ := deduper.MarkSeen(id); !first {
			t.Fatalf("expected %q to be new", id)
		}
	}
	if first, _ := deduper.MarkSeen("c"); first {
		t.Fatalf("expected c to be remembered")
	}
	if first, _ := deduper.MarkSeen("a"); !first {
		t.Fatalf("expected a to be evicted")
	}
}
