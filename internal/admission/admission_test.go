package admission

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/idempotency"
	"github.com/kioskops/edge-sdk/internal/store"
)

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) Record(name string, fields map[string]string) error {
	r.events = append(r.events, name)
	return nil
}

func newTestController(t *testing.T) (*Controller, *store.Store, *recordingAudit) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "queue.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	aud := &recordingAudit{}
	clock := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	c := &Controller{
		Store:  s,
		Crypto: crypto.Noop{},
		Idem:   idempotency.Deriver{InstallSecret: []byte("test-secret")},
		Audit:  aud,
		Clock:  clock,
	}
	return c, s, aud
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestEnqueueAcceptsWithinBounds(t *testing.T) {
	c, _, aud := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"
	cfg.QueueLimits.MaxActiveEvents = 10

	res, err := c.Enqueue("SCAN", `{"sku":"abc"}`, "stable-1", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.Duplicate {
		t.Fatalf("expected fresh accept, got %+v", res)
	}
	found := false
	for _, e := range aud.events {
		if e == "enqueue_accepted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected enqueue_accepted audit event, got %v", aud.events)
	}
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	c, _, aud := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"
	cfg.SecurityPolicy.MaxEventPayloadBytes = 4

	res, err := c.Enqueue("SCAN", `{"sku":"too big"}`, "stable-1", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if len(aud.events) != 1 || aud.events[0] != "enqueue_rejected" {
		t.Fatalf("expected one enqueue_rejected event, got %v", aud.events)
	}
}

func TestEnqueueRejectsDenylistedKeyNested(t *testing.T) {
	c, _, _ := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"

	payload := `{"order":{"items":[{"sku":"x","email":"a@b.com"}]}}`
	res, err := c.Enqueue("SCAN", payload, "stable-1", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected denylist rejection for nested key, got %+v", res)
	}
}

func TestEnqueueDedupsOnStableID(t *testing.T) {
	c, _, _ := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"

	first, err := c.Enqueue("SCAN", `{"sku":"abc"}`, "stable-1", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	second, err := c.Enqueue("SCAN", `{"sku":"abc"}`, "stable-1", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected second enqueue to be recognized as a duplicate of the first, got %+v / %+v", first, second)
	}
}

func TestEnqueueOverflowDropsOldestUnderBound(t *testing.T) {
	c, s, _ := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"
	cfg.QueueLimits.MaxActiveEvents = 2
	cfg.QueueLimits.OverflowStrategy = config.DropOldest
	cfg.IdempotencyConfig.DeterministicEnabled = false

	ids := seqIDs("id-")
	for i := 0; i < 3; i++ {
		if _, err := c.Enqueue("SCAN", `{"sku":"abc"}`, "", cfg, ids); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	count, _, err := s.CountActive(context.Background())
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected active set bounded at max_active_events=2, got %d", count)
	}
}

func TestEnqueueBlockRejectsAtCapacity(t *testing.T) {
	c, _, _ := newTestController(t)
	cfg := config.Defaults()
	cfg.LocationID = "loc-1"
	cfg.QueueLimits.MaxActiveEvents = 1
	cfg.QueueLimits.OverflowStrategy = config.Block
	cfg.IdempotencyConfig.DeterministicEnabled = false

	first, err := c.Enqueue("SCAN", `{"sku":"a"}`, "", cfg, seqIDs("id-"))
	if err != nil || first.Outcome != OutcomeAccepted {
		t.Fatalf("expected first accepted, got %+v err=%v", first, err)
	}
	second, err := c.Enqueue("SCAN", `{"sku":"b"}`, "", cfg, seqIDs("id-"))
	if err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if second.Outcome != OutcomeRejected {
		t.Fatalf("expected BLOCK rejection at capacity, got %+v", second)
	}
}
