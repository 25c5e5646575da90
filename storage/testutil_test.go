package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"possync/models"
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

func mustEvent(t *testing.T, origin string, seq uint64, kind models.EventKind, record any) models.ReplicatedEvent {
	t.Helper()

	payload, err := models.EncodePayload(record)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return models.ReplicatedEvent{
		EventID:          uuid.NewString(),
		OriginTerminalID: origin,
		SequenceNo:       seq,
		Kind:             kind,
		Payload:          payload,
		OccurredAt:       time.Now().UTC(),
	}
}
