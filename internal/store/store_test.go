package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// openTestStore fixes the store clock at 5000 ms, the same "now" the tests
// pass to ClaimBatch, so store-stamped times share the tests' timebase.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "queue.db"), func() time.Time { return time.UnixMilli(5000) })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustInsert(t *testing.T, s *Store, id, idem string, createdMs int64) {
	t.Helper()
	err := s.Insert(context.Background(), Event{
		ID:             id,
		IdempotencyKey: idem,
		Type:           "SCAN",
		PayloadBlob:    []byte(`{"a":1}`),
		Encoding:       "PLAIN_UTF8",
		CreatedMs:      createdMs,
		UpdatedMs:      createdMs,
		State:          Pending,
		NextVisibleMs:  0,
	})
	if err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
}

func TestInsertAndCountActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	mustInsert(t, s, "e2", "idem-2", 2000)

	count, bytes, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active, got %d", count)
	}
	if bytes != int64(len(`{"a":1}`))*2 {
		t.Fatalf("unexpected active bytes: %d", bytes)
	}
}

func TestClaimBatchOrderingAndAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e2", "idem-2", 2000)
	mustInsert(t, s, "e1", "idem-1", 1000)

	claimed, err := s.ClaimBatch(ctx, 10, 5000)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	if claimed[0].ID != "e1" || claimed[1].ID != "e2" {
		t.Fatalf("expected created_ms ASC order, got %s, %s", claimed[0].ID, claimed[1].ID)
	}
	for _, e := range claimed {
		if e.State != InFlight {
			t.Fatalf("expected IN_FLIGHT, got %s", e.State)
		}
		if e.Attempts != 1 {
			t.Fatalf("expected attempts=1 after claim, got %d", e.Attempts)
		}
	}

	// A second claim must not re-pick IN_FLIGHT rows.
	again, err := s.ClaimBatch(ctx, 10, 5000)
	if err != nil {
		t.Fatalf("second ClaimBatch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-claim of IN_FLIGHT rows, got %d", len(again))
	}
}

func TestMarkSentThenNeverReclaimed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	claimed, err := s.ClaimBatch(ctx, 10, 5000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v claimed=%d", err, len(claimed))
	}
	if err := s.MarkSent(ctx, []string{"e1"}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	count, _, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 active after SENT, got %d", count)
	}
}

func TestMarkTransientReturnsToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	if _, err := s.ClaimBatch(ctx, 10, 5000); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.MarkTransient(ctx, "e1", 15000, 1, "net"); err != nil {
		t.Fatalf("MarkTransient: %v", err)
	}
	claimed, err := s.ClaimBatch(ctx, 10, 10000)
	if err != nil {
		t.Fatalf("ClaimBatch before visible: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected row hidden before next_visible_ms, got %d", len(claimed))
	}
	claimed, err = s.ClaimBatch(ctx, 10, 15000)
	if err != nil {
		t.Fatalf("ClaimBatch at visible: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 2 {
		t.Fatalf("expected re-claim with attempts=2, got %+v", claimed)
	}
}

func TestMarkQuarantinedIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	if _, err := s.ClaimBatch(ctx, 10, 5000); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.MarkQuarantined(ctx, "e1", "schema"); err != nil {
		t.Fatalf("MarkQuarantined: %v", err)
	}
	claimed, err := s.ClaimBatch(ctx, 10, 999999)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("quarantined row must never be reclaimed")
	}
}

func TestResetInFlightOnRestart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	claimed, err := s.ClaimBatch(ctx, 10, 5000)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v", err)
	}
	n, err := s.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}
	reclaimed, err := s.ClaimBatch(ctx, 10, 5000)
	if err != nil {
		t.Fatalf("ClaimBatch after reset: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Attempts != 2 {
		t.Fatalf("expected row reclaimable with attempts incremented again, got %+v", reclaimed)
	}
}

func TestFindByIdemExcludesSent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	_, found, err := s.FindByIdem(ctx, "idem-1")
	if err != nil || !found {
		t.Fatalf("expected to find active row: found=%v err=%v", found, err)
	}
	if _, err := s.ClaimBatch(ctx, 10, 5000); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.MarkSent(ctx, []string{"e1"}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	_, found, err = s.FindByIdem(ctx, "idem-1")
	if err != nil {
		t.Fatalf("FindByIdem: %v", err)
	}
	if found {
		t.Fatalf("expected SENT row excluded from dedup probe")
	}
}

func TestPurgeSentBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	if _, err := s.ClaimBatch(ctx, 10, 5000); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.MarkSent(ctx, []string{"e1"}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	n, err := s.PurgeSentBefore(ctx, 99999999)
	if err != nil {
		t.Fatalf("PurgeSentBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestInsertWithOverflowDropOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		createdMs := int64(1000 * (i + 1))
		out, err := s.InsertWithOverflow(ctx, Event{
			ID: id, IdempotencyKey: "idem-" + id, Type: "SCAN",
			PayloadBlob: []byte("x"), Encoding: "PLAIN_UTF8",
			CreatedMs: createdMs, UpdatedMs: createdMs,
		}, 3, 0, DropOldest)
		if err != nil {
			t.Fatalf("InsertWithOverflow %s: %v", id, err)
		}
		if !out.Inserted {
			t.Fatalf("%s: expected inserted", id)
		}
	}
	// fourth insert exceeds max_active_events=3, must evict e1.
	out, err := s.InsertWithOverflow(ctx, Event{
		ID: "e4", IdempotencyKey: "idem-e4", Type: "SCAN",
		PayloadBlob: []byte("x"), Encoding: "PLAIN_UTF8",
		CreatedMs: 4000, UpdatedMs: 4000,
	}, 3, 0, DropOldest)
	if err != nil {
		t.Fatalf("InsertWithOverflow e4: %v", err)
	}
	if !out.Inserted || !out.DroppedOldest || out.DroppedOldestID != "e1" {
		t.Fatalf("expected e1 evicted and e4 inserted, got %+v", out)
	}
	count, _, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected active set size 3, got %d", count)
	}
	if _, found, _ := s.FindByIdem(ctx, "idem-e1"); found {
		t.Fatalf("expected e1 evicted")
	}
}

func TestInsertWithOverflowBlockRejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	out, err := s.InsertWithOverflow(ctx, Event{
		ID: "e1", IdempotencyKey: "idem-e1", Type: "SCAN",
		PayloadBlob: []byte("x"), Encoding: "PLAIN_UTF8", CreatedMs: 1000, UpdatedMs: 1000,
	}, 1, 0, Block)
	if err != nil {
		t.Fatalf("InsertWithOverflow e1: %v", err)
	}
	if !out.Inserted {
		t.Fatalf("expected first insert under limit to succeed, got %+v", out)
	}
	out, err = s.InsertWithOverflow(ctx, Event{
		ID: "e2", IdempotencyKey: "idem-e2", Type: "SCAN",
		PayloadBlob: []byte("x"), Encoding: "PLAIN_UTF8", CreatedMs: 2000, UpdatedMs: 2000,
	}, 1, 0, Block)
	if err != nil {
		t.Fatalf("InsertWithOverflow e2: %v", err)
	}
	if out.Inserted || !out.Rejected {
		t.Fatalf("expected BLOCK to reject once at limit, got %+v", out)
	}
}

func TestOldestEvictableSkipsInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, "e1", "idem-1", 1000)
	mustInsert(t, s, "e2", "idem-2", 2000)
	if _, err := s.ClaimBatch(ctx, 1, 5000); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	oldest, found, err := s.OldestEvictable(ctx)
	if err != nil {
		t.Fatalf("OldestEvictable: %v", err)
	}
	if !found || oldest.ID != "e2" {
		t.Fatalf("expected e2 (e1 is IN_FLIGHT), got %+v found=%v", oldest, found)
	}
}
