package state

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedgerCheckpointDefaultsToZero(t *testing.T) {
	s := openTestStore(t)
	h, err := s.LedgerCheckpoint()
	if err != nil {
		t.Fatalf("LedgerCheckpoint: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected 0, got %d", h)
	}
	if err := s.SetLedgerCheckpoint(42); err != nil {
		t.Fatalf("SetLedgerCheckpoint: %v", err)
	}
	h, err = s.LedgerCheckpoint()
	if err != nil {
		t.Fatalf("LedgerCheckpoint: %v", err)
	}
	if h != 42 {
		t.Fatalf("expected 42, got %d", h)
	}
}

func TestPeerWatermarkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SetPeerWatermark("oip:registry:peer1", now); err != nil {
		t.Fatalf("SetPeerWatermark: %v", err)
	}
	got, err := s.PeerWatermark("oip:registry:peer1")
	if err != nil {
		t.Fatalf("PeerWatermark: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}

func TestRecordDeletionIsIdempotentOnSequence(t *testing.T) {
	s := openTestStore(t)
	e1, err := s.RecordDeletion("did:peer:abc", time.Now())
	if err != nil {
		t.Fatalf("RecordDeletion: %v", err)
	}
	e2, err := s.RecordDeletion("did:peer:abc", time.Now())
	if err != nil {
		t.Fatalf("RecordDeletion: %v", err)
	}
	if e1.Sequence != e2.Sequence {
		t.Fatalf("expected stable sequence across re-recording, got %d vs %d", e1.Sequence, e2.Sequence)
	}

	e3, err := s.RecordDeletion("did:peer:def", time.Now())
	if err != nil {
		t.Fatalf("RecordDeletion: %v", err)
	}
	if e3.Sequence <= e1.Sequence {
		t.Fatalf("expected monotonically increasing sequence, got %d after %d", e3.Sequence, e1.Sequence)
	}
}

func TestIsSuppressedWithin24HourWindow(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if _, err := s.RecordDeletion("did:peer:xyz", now); err != nil {
		t.Fatalf("RecordDeletion: %v", err)
	}

	suppressed, err := s.IsSuppressed("did:peer:xyz", now.Add(1*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if !suppressed {
		t.Fatal("expected suppression within the 24h window")
	}

	suppressed, err = s.IsSuppressed("did:peer:xyz", now.Add(25*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if suppressed {
		t.Fatal("expected no suppression once the window has elapsed")
	}

	suppressed, err = s.IsSuppressed("did:peer:never-deleted", now, 24*time.Hour)
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if suppressed {
		t.Fatal("expected no suppression for a did never recorded as deleted")
	}
}

func TestDecryptionQueueDrain(t *testing.T) {
	s := openTestStore(t)
	owner := "04abc123"
	if err := s.Enqueue(QueuedDecryption{Did: "did:peer:1", OwnerPubKey: owner, QueuedAt: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(QueuedDecryption{Did: "did:peer:2", OwnerPubKey: owner, QueuedAt: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drained, err := s.DrainQueue(owner)
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued items, got %d", len(drained))
	}

	drainedAgain, err := s.DrainQueue(owner)
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if len(drainedAgain) != 0 {
		t.Fatalf("expected queue to be empty after draining, got %d", len(drainedAgain))
	}
}
