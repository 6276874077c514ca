package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAppendEntry(t *testing.T, store *Store, entryID, endpoint string) {
	t.Helper()

	err := store.AppendOutboxEntry(OutboxEntry{
		EntryID:  entryID,
		Endpoint: endpoint,
		Method:   "POST",
		Payload:  []byte(`{"entry":"` + entryID + `"}`),
	})
	if err != nil {
		t.Fatalf("append outbox entry %q: %v", entryID, err)
	}
}
