package sync

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/kioskops/edge-sdk/internal/codec"
	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/store"
	"github.com/kioskops/edge-sdk/internal/transport"
	"github.com/kioskops/edge-sdk/internal/transport/httptransport"
	"github.com/kioskops/edge-sdk/internal/transport/transporttest"
)

type recordingAudit struct {
	entries []auditEntry
}

type auditEntry struct {
	name   string
	fields map[string]string
}

func (r *recordingAudit) Record(name string, fields map[string]string) error {
	r.entries = append(r.entries, auditEntry{name, fields})
	return nil
}

func openTestStore(t *testing.T, clock store.Clock) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/queue.db", clock)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertEvent(t *testing.T, s *store.Store, id, idemKey, payload string, nowMs int64) {
	t.Helper()
	blob, enc, kv, err := codec.Encode(payload, false, crypto.Noop{})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	err = s.Insert(context.Background(), store.Event{
		ID: id, IdempotencyKey: idemKey, Type: "SCAN",
		PayloadBlob: blob, Encoding: string(enc), KeyVersion: kv,
		CreatedMs: nowMs, UpdatedMs: nowMs, State: store.Pending,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func baseConfig(baseURL string) config.Config {
	cfg := config.Defaults()
	cfg.BaseURL = baseURL
	cfg.LocationID = "loc-1"
	cfg.SyncPolicy.Enabled = true
	cfg.SyncPolicy.BatchSize = 2
	cfg.SyncPolicy.MaxAttemptsPerEvent = 12
	cfg.SecurityPolicy.EncryptQueuePayloads = false
	return cfg
}

func TestSyncOnceHappyPath(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	srv := transporttest.NewServer("/v1/events/batch", transporttest.AcceptAll)
	defer srv.Close()

	s := openTestStore(t, clock)
	insertEvent(t, s, "e1", "idem-1", `{"scan":"12345"}`, now.UnixMilli())
	insertEvent(t, s, "e2", "idem-2", `{"scan":"67890"}`, now.UnixMilli())

	audit := &recordingAudit{}
	engine := &Engine{Store: s, Crypto: crypto.Noop{}, Audit: audit, SDKVersion: "test-1.0", Clock: func() time.Time { return now }}
	tr := httptransport.New(srv.URL, "/v1/events/batch", "test-1.0", nil)

	cfg := baseConfig(srv.URL)
	res, err := engine.SyncOnce(context.Background(), cfg, tr, nil)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res != (Result{Attempted: 2, Sent: 2}) {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, id := range []string{"e1", "e2"} {
		ev, ok, err := s.FindByIdem(context.Background(), "idem-"+id[1:])
		if err != nil {
			t.Fatalf("FindByIdem: %v", err)
		}
		if ok {
			t.Fatalf("expected %s gone from non-SENT lookup, got %+v", id, ev)
		}
	}

	if len(audit.entries) != 1 || audit.entries[0].name != "sync_batch_success" {
		t.Fatalf("unexpected audit entries: %+v", audit.entries)
	}
	if audit.entries[0].fields["sent"] != "2" {
		t.Fatalf("expected sent counter 2, got %+v", audit.entries[0].fields)
	}
}

func TestSyncOnceTransientThenSuccess(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	srv := transporttest.NewServer("/v1/events/batch", func(req transport.BatchRequest) (int, transport.BatchResponse) {
		return http.StatusServiceUnavailable, transport.BatchResponse{}
	})
	defer srv.Close()

	s := openTestStore(t, clock)
	for i := 0; i < 3; i++ {
		insertEvent(t, s, fmt.Sprintf("e%d", i), fmt.Sprintf("idem-%d", i), `{"scan":"x"}`, now.UnixMilli())
	}

	audit := &recordingAudit{}
	engine := &Engine{Store: s, Crypto: crypto.Noop{}, Audit: audit, SDKVersion: "test-1.0", Clock: func() time.Time { return now }}
	tr := httptransport.New(srv.URL, "/v1/events/batch", "test-1.0", nil)
	cfg := baseConfig(srv.URL)
	cfg.SyncPolicy.BatchSize = 10

	res, err := engine.SyncOnce(context.Background(), cfg, tr, nil)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res != (Result{Attempted: 3, TransientFailed: 3}) {
		t.Fatalf("unexpected first result: %+v", res)
	}

	now = now.Add(10 * time.Second)
	srv.SetResponder(transporttest.AcceptAll)

	res, err = engine.SyncOnce(context.Background(), cfg, tr, nil)
	if err != nil {
		t.Fatalf("SyncOnce (second): %v", err)
	}
	if res != (Result{Attempted: 3, Sent: 3}) {
		t.Fatalf("unexpected second result: %+v", res)
	}

	if len(audit.entries) != 2 {
		t.Fatalf("expected two batch audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].name != "sync_batch_transient" || audit.entries[1].name != "sync_batch_success" {
		t.Fatalf("unexpected audit entry sequence: %+v", audit.entries)
	}
}

func TestSyncOnceGateDisabled(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := openTestStore(t, func() time.Time { return now })
	insertEvent(t, s, "e1", "idem-1", `{"scan":"x"}`, now.UnixMilli())

	engine := &Engine{Store: s, Crypto: crypto.Noop{}, Clock: func() time.Time { return now }}
	cfg := baseConfig("https://ingest.test")
	cfg.SyncPolicy.Enabled = false

	res, err := engine.SyncOnce(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("expected zero result when sync disabled, got %+v", res)
	}
}

func TestSyncOnceRejectedItemsAreQuarantined(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	srv := transporttest.NewServer("/v1/events/batch", func(req transport.BatchRequest) (int, transport.BatchResponse) {
		return http.StatusOK, transport.BatchResponse{
			Rejected: []transport.Rejection{{ID: req.Items[0].ID, Reason: "invalid_schema"}},
		}
	})
	defer srv.Close()

	s := openTestStore(t, func() time.Time { return now })
	insertEvent(t, s, "e1", "idem-1", `{"scan":"x"}`, now.UnixMilli())

	engine := &Engine{Store: s, Crypto: crypto.Noop{}, Audit: &recordingAudit{}, SDKVersion: "test-1.0", Clock: func() time.Time { return now }}
	tr := httptransport.New(srv.URL, "/v1/events/batch", "test-1.0", nil)
	cfg := baseConfig(srv.URL)

	res, err := engine.SyncOnce(context.Background(), cfg, tr, nil)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res != (Result{Attempted: 1, Rejected: 1}) {
		t.Fatalf("unexpected result: %+v", res)
	}
}
