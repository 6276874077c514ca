package storage

import (
	"errors"
	"testing"
)

func TestOutboxEntriesListInKeyOrder(t *testing.T) {
	store := newTestStore(t)

	mustAppendEntry(t, store, "01B", "/conversations/bob/messages")
	mustAppendEntry(t, store, "01A", "/conversations/alice/messages")
	mustAppendEntry(t, store, "01C", "/conversations/alice/read")

	entries, err := store.ListOutboxEntries(0)
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	got := []string{entries[0].EntryID, entries[1].EntryID, entries[2].EntryID}
	want := []string{"01A", "01B", "01C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected key order %v, got %v", want, got)
		}
	}

	if err := store.DeleteOutboxEntry("01A"); err != nil {
		t.Fatalf("DeleteOutboxEntry failed: %v", err)
	}
	if err := store.DeleteOutboxEntry("01A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	count, err := store.CountOutboxEntries()
	if err != nil {
		t.Fatalf("CountOutboxEntries failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 entries remaining, got %d", count)
	}
}

func TestOutboxAttemptsAndDrop(t *testing.T) {
	store := newTestStore(t)
	mustAppendEntry(t, store, "01A", "/conversations/alice/messages")

	for want := 1; want <= 2; want++ {
		attempts, err := store.RecordOutboxAttempt("01A", "422 unprocessable")
		if err != nil {
			t.Fatalf("RecordOutboxAttempt failed: %v", err)
		}
		if attempts != want {
			t.Fatalf("expected attempts %d, got %d", want, attempts)
		}
	}
	if _, err := store.RecordOutboxAttempt("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
	}

	entries, err := store.ListOutboxEntries(0)
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if entries[0].LastError == nil || *entries[0].LastError != "422 unprocessable" {
		t.Fatalf("expected last error to be stored, got %+v", entries[0].LastError)
	}

	failureID, err := store.DropOutboxEntry(entries[0], "rejected: 422 unprocessable")
	if err != nil {
		t.Fatalf("DropOutboxEntry failed: %v", err)
	}

	count, _ := store.CountOutboxEntries()
	if count != 0 {
		t.Fatalf("expected dropped entry to leave the queue, got %d", count)
	}

	failures, err := store.ListOutboxFailures(true)
	if err != nil {
		t.Fatalf("ListOutboxFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != failureID || failures[0].Attempts != 2 {
		t.Fatalf("unexpected failures %+v", failures)
	}

	if err := store.AcknowledgeOutboxFailure(failureID); err != nil {
		t.Fatalf("AcknowledgeOutboxFailure failed: %v", err)
	}
	failures, _ = store.ListOutboxFailures(true)
	if len(failures) != 0 {
		t.Fatalf("expected no unacknowledged failures, got %d", len(failures))
	}
	all, _ := store.ListOutboxFailures(false)
	if len(all) != 1 || !all[0].Acknowledged {
		t.Fatalf("expected acknowledged failure to remain listed, got %+v", all)
	}
}
