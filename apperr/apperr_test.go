package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(Connectivity, "post message", errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("send: %w", base)

	if !Is(wrapped, Connectivity) {
		t.Fatalf("expected wrapped error to match connectivity kind")
	}
	if Is(wrapped, RateLimited) {
		t.Fatalf("did not expect rate-limited match")
	}
	if KindOf(wrapped) != Connectivity {
		t.Fatalf("expected kind %q, got %q", Connectivity, KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind for plain error")
	}
}

func TestRetryAtOnlyForRateLimited(t *testing.T) {
	until := time.Now().Add(30 * time.Second)
	if got, ok := RetryAt(Limited("send", until)); !ok || !got.Equal(until) {
		t.Fatalf("expected retry at %v, got %v ok=%v", until, got, ok)
	}
	if _, ok := RetryAt(New(ReplayRejected, "replay", nil)); ok {
		t.Fatalf("expected no retry time for replay rejection")
	}
}
