package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"campuslink/models"
)

type fakeSource struct {
	mu        sync.Mutex
	summaries []models.ConversationSummary
	listGate  chan struct{}
	listCalls atomic.Int32

	readErr   error
	readGate  chan struct{}
	readCalls [][]string
}

func (s *fakeSource) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConversationSummary, len(s.summaries))
	copy(out, s.summaries)
	return out, nil
}

func (s *fakeSource) GetConversation(ctx context.Context, conversationID string) (models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, summary := range s.summaries {
		if summary.ID == conversationID {
			return summary, nil
		}
	}
	return models.ConversationSummary{}, errors.New("not found")
}

func (s *fakeSource) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	s.mu.Lock()
	gate := s.readGate
	s.readCalls = append(s.readCalls, messageIDs)
	err := s.readErr
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (s *fakeSource) setUnread(conversationID string, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.summaries {
		if s.summaries[i].ID == conversationID {
			s.summaries[i].Unread = unread
			return
		}
	}
	s.summaries = append(s.summaries, models.ConversationSummary{
		Conversation: models.Conversation{ID: conversationID, Kind: models.KindDirect},
		Unread:       unread,
	})
}

func newTestReconciler(t *testing.T, source *fakeSource) *Reconciler {
	t.Helper()
	r, err := New(Options{Source: source, ViewerID: "me", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func push(conversationID, messageID string) models.InboundMessage {
	return models.DirectMessage{
		Message: models.Message{
			ID:             messageID,
			ConversationID: conversationID,
			SenderID:       "peer",
			Body:           "hello",
			SentAt:         time.Now(),
		},
		RecipientID: "me",
	}
}

func TestPushIncrementsThenPullSnapsToAuthoritative(t *testing.T) {
	source := &fakeSource{}
	source.setUnread("bob", 0)
	r := newTestReconciler(t, source)
	ctx := context.Background()

	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	var changes []Change
	release := r.OnChange(func(c Change) { changes = append(changes, c) })
	defer release()

	if err := r.HandlePush(ctx, push("bob", "m1")); err != nil {
		t.Fatalf("HandlePush failed: %v", err)
	}
	if got := r.Unread("bob"); got != 1 {
		t.Fatalf("expected optimistic count 1, got %d", got)
	}
	if len(changes) != 1 || changes[0].Unread != 1 || changes[0].Badge != 1 {
		t.Fatalf("unexpected changes %+v", changes)
	}

	source.setUnread("bob", 3)
	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got := r.Unread("bob"); got != 3 {
		t.Fatalf("expected authoritative count 3, got %d", got)
	}
	if r.Pending("bob") != 0 {
		t.Fatalf("expected optimistic increments to be cleared")
	}
	if r.Badge() != 3 {
		t.Fatalf("expected badge 3, got %d", r.Badge())
	}
}

func TestDuplicatePushCountsOnce(t *testing.T) {
	r := newTestReconciler(t, &fakeSource{})
	ctx := context.Background()
	_ = r.HandlePush(ctx, push("bob", "m1"))
	_ = r.HandlePush(ctx, push("bob", "m1"))
	if got := r.Unread("bob"); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
}

func TestPushForOpenConversationMarksRead(t *testing.T) {
	source := &fakeSource{}
	r := newTestReconciler(t, source)
	r.SetOpenConversation("bob")

	if err := r.HandlePush(context.Background(), push("bob", "m1")); err != nil {
		t.Fatalf("HandlePush failed: %v", err)
	}
	if got := r.Unread("bob"); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}
	if len(source.readCalls) != 1 || source.readCalls[0][0] != "m1" {
		t.Fatalf("expected mark read for m1, got %v", source.readCalls)
	}
}

func TestFailedMarkReadRestoresCountPlusNewIncrements(t *testing.T) {
	source := &fakeSource{readErr: errors.New("store down"), readGate: make(chan struct{})}
	source.setUnread("bob", 2)
	r := newTestReconciler(t, source)
	ctx := context.Background()
	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.MarkRead(ctx, "bob", []string{"m1", "m2"}) }()

	waitFor(t, func() bool { return r.Unread("bob") == 0 })
	if err := r.HandlePush(ctx, push("bob", "m3")); err != nil {
		t.Fatalf("HandlePush failed: %v", err)
	}
	close(source.readGate)

	if err := <-done; err == nil {
		t.Fatalf("expected mark read error")
	}
	if got := r.Unread("bob"); got != 3 {
		t.Fatalf("expected restored count 3, got %d", got)
	}
}

func TestConfirmedMarkReadEndsAtZero(t *testing.T) {
	source := &fakeSource{readGate: make(chan struct{})}
	source.setUnread("bob", 2)
	r := newTestReconciler(t, source)
	ctx := context.Background()
	_ = r.Pull(ctx)

	done := make(chan error, 1)
	go func() { done <- r.MarkRead(ctx, "bob", []string{"m1", "m2"}) }()
	waitFor(t, func() bool { return r.Unread("bob") == 0 })
	_ = r.HandlePush(ctx, push("bob", "m3"))
	close(source.readGate)

	if err := <-done; err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if got := r.Unread("bob"); got != 0 {
		t.Fatalf("expected 0 after confirmed read, got %d", got)
	}
}

func TestPullStartedBeforeReadDoesNotResurrectCount(t *testing.T) {
	source := &fakeSource{}
	source.setUnread("bob", 4)
	r := newTestReconciler(t, source)
	ctx := context.Background()

	source.mu.Lock()
	source.listGate = make(chan struct{})
	source.mu.Unlock()

	pulled := make(chan error, 1)
	go func() { pulled <- r.Pull(ctx) }()
	waitFor(t, func() bool { return source.listCalls.Load() == 1 })

	if err := r.MarkRead(ctx, "bob", []string{"m1"}); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	close(source.listGate)
	if err := <-pulled; err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got := r.Unread("bob"); got != 0 {
		t.Fatalf("stale pull resurrected count %d", got)
	}
}

func TestOverlappingPullsCoalesce(t *testing.T) {
	source := &fakeSource{listGate: make(chan struct{})}
	source.setUnread("bob", 1)
	r := newTestReconciler(t, source)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Pull(ctx)
		}()
	}
	waitFor(t, func() bool { return source.listCalls.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(source.listGate)
	wg.Wait()

	if calls := source.listCalls.Load(); calls != 1 {
		t.Fatalf("expected one list call, got %d", calls)
	}
}

func TestGroupUsesViewerRoleCounter(t *testing.T) {
	source := &fakeSource{summaries: []models.ConversationSummary{{
		Conversation: models.Conversation{
			ID:   "g1",
			Kind: models.KindGroup,
			Members: []models.Member{
				{IdentityID: "me", Role: models.RoleStudent},
				{IdentityID: "mentor", Role: models.RoleMentor},
			},
		},
		UnreadByRole: map[models.Role]int{models.RoleStudent: 2, models.RoleMentor: 7},
	}}}
	r := newTestReconciler(t, source)
	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got := r.Unread("g1"); got != 2 {
		t.Fatalf("expected student counter 2, got %d", got)
	}
}

func TestStopDropsInFlightPull(t *testing.T) {
	source := &fakeSource{listGate: make(chan struct{})}
	source.setUnread("bob", 5)
	r := newTestReconciler(t, source)

	pulled := make(chan error, 1)
	go func() { pulled <- r.Pull(context.Background()) }()
	waitFor(t, func() bool { return source.listCalls.Load() == 1 })
	r.Stop()
	close(source.listGate)
	<-pulled

	if got := r.Unread("bob"); got != 0 {
		t.Fatalf("expected result after teardown to be dropped, got %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
