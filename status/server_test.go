package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"campuslink/storage"
)

type fakeOutbox struct {
	entries  []storage.OutboxEntry
	failures []storage.OutboxFailure
	err      error
	limit    int
	unacked  bool
}

func (f *fakeOutbox) List(limit int) ([]storage.OutboxEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func (f *fakeOutbox) Len() (int, error) {
	return len(f.entries), f.err
}

func (f *fakeOutbox) Failures(unacknowledgedOnly bool) ([]storage.OutboxFailure, error) {
	f.unacked = unacknowledgedOnly
	return f.failures, f.err
}

func serve(t *testing.T, options Options, target string) *httptest.ResponseRecorder {
	t.Helper()
	options.Logger = zerolog.Nop()
	rec := httptest.NewRecorder()
	NewRouter(options).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthReportsState(t *testing.T) {
	queue := &fakeOutbox{entries: []storage.OutboxEntry{{EntryID: "a"}, {EntryID: "b"}}}
	rec := serve(t, Options{
		Outbox:    queue,
		Connected: func() bool { return true },
		Badge:     func() int { return 7 },
	}, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.Connected || resp.Badge != 7 || resp.OutboxDepth != 2 {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestHealthDegradedWhenOutboxUnavailable(t *testing.T) {
	rec := serve(t, Options{Outbox: &fakeOutbox{err: errors.New("disk gone")}}, "/healthz")
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("expected degraded status, got %s", rec.Body.String())
	}
}

func TestOutboxListing(t *testing.T) {
	lastErr := "gateway timeout"
	queue := &fakeOutbox{entries: []storage.OutboxEntry{{
		EntryID:   "01J0000000000000000000000A",
		Method:    http.MethodPost,
		Endpoint:  "/conversations/c1/messages",
		CreatedAt: 1700000000000,
		Attempts:  2,
		LastError: &lastErr,
	}}}

	rec := serve(t, Options{Outbox: queue}, "/outbox/?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if queue.limit != 5 {
		t.Fatalf("expected limit 5, got %d", queue.limit)
	}
	var resp outboxResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Depth != 1 || len(resp.Entries) != 1 {
		t.Fatalf("unexpected outbox %+v", resp)
	}
	entry := resp.Entries[0]
	if entry.Endpoint != "/conversations/c1/messages" || entry.Attempts != 2 || entry.LastError != lastErr {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestOutboxRejectsBadLimit(t *testing.T) {
	rec := serve(t, Options{Outbox: &fakeOutbox{}}, "/outbox/?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFailuresDefaultToUnacknowledged(t *testing.T) {
	queue := &fakeOutbox{failures: []storage.OutboxFailure{{ID: 3, EntryID: "e", Reason: "rejected"}}}

	rec := serve(t, Options{Outbox: queue}, "/outbox/failures")
	if rec.Code != http.StatusOK || !queue.unacked {
		t.Fatalf("expected unacknowledged listing, got %d unacked=%v", rec.Code, queue.unacked)
	}
	var resp []failureResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != 3 || resp[0].Reason != "rejected" {
		t.Fatalf("unexpected failures %+v", resp)
	}

	serve(t, Options{Outbox: queue}, "/outbox/failures?all=true")
	if queue.unacked {
		t.Fatalf("expected all=true to include acknowledged failures")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, Options{}, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
