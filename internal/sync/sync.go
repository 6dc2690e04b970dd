// Package sync implements the Sync Engine (C6): claims a batch from the
// Queue Store, hands it to a Transport, and applies the per-item outcome
// back onto the store's state machine plus the Backoff Policy.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kioskops/edge-sdk/internal/backoff"
	"github.com/kioskops/edge-sdk/internal/codec"
	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/store"
	"github.com/kioskops/edge-sdk/internal/transport"
)

// Result is SyncOnceResult from spec §4.5.
type Result struct {
	Attempted       int
	Sent            int
	PermanentFailed int
	TransientFailed int
	Rejected        int
}

// AuditRecorder is the narrow audit collaborator Engine needs, avoiding an
// import-cycle dependency on the concrete *audit.Journal type.
type AuditRecorder interface {
	Record(name string, fields map[string]string) error
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Engine runs sync_once against a Store, a Transport, and the configured
// codec/crypto pair. Only one sync_once runs at a time per Engine; concurrent
// callers coalesce onto the in-flight run's result, per spec §4.5's
// concurrency note.
type Engine struct {
	Store      *store.Store
	Crypto     crypto.Provider
	Audit      AuditRecorder
	SDKVersion string
	Clock      Clock

	mu      sync.Mutex
	running bool
	waiters []chan Result
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// SyncOnce implements spec §4.5. transport and auth are passed per call since
// a host may rotate credentials or swap transports between ticks.
func (e *Engine) SyncOnce(ctx context.Context, cfg config.Config, tr transport.Transport, auth transport.AuthProvider) (Result, error) {
	if ch, wait := e.joinOrLead(); wait {
		select {
		case res := <-ch:
			return res, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	res, err := e.syncOnceLocked(ctx, cfg, tr, auth)
	e.finish(res)
	return res, err
}

// joinOrLead registers the caller as either the leader (wait=false, runs the
// batch itself) or a waiter (wait=true, blocks on the leader's result).
func (e *Engine) joinOrLead() (chan Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		ch := make(chan Result, 1)
		e.waiters = append(e.waiters, ch)
		return ch, true
	}
	e.running = true
	return nil, false
}

// finish clears running and takes the waiter list in a single critical
// section, so every waiter registered during this run is in the list that is
// sent to, and a caller arriving after the unlock becomes a new leader rather
// than joining a list that will never be broadcast to again. The results are
// sent after the unlock; each waiter channel has a buffer of one, so no send
// blocks.
func (e *Engine) finish(res Result) {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.running = false
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
}

func (e *Engine) syncOnceLocked(ctx context.Context, cfg config.Config, tr transport.Transport, auth transport.AuthProvider) (Result, error) {
	var res Result

	// Step 1: gate.
	if !cfg.SyncPolicy.Enabled || cfg.BaseURL == "" {
		return res, nil
	}

	nowMs := e.now().UnixMilli()
	batchSize := cfg.SyncPolicy.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	// Step 2: claim.
	claimed, err := e.Store.ClaimBatch(ctx, batchSize, nowMs)
	if err != nil {
		return res, fmt.Errorf("sync: claiming batch: %w", err)
	}
	if len(claimed) == 0 {
		return res, nil
	}
	res.Attempted = len(claimed)

	// Step 3: serialize.
	req := transport.BatchRequest{
		LocationID: cfg.LocationID,
		SDKVersion: e.SDKVersion,
		Items:      make([]transport.Item, 0, len(claimed)),
	}
	byID := make(map[string]store.Event, len(claimed))
	for _, ev := range claimed {
		byID[ev.ID] = ev
		payloadJSON, err := codec.Decode(ev.PayloadBlob, codec.Encoding(ev.Encoding), ev.KeyVersion, e.Crypto)
		if err != nil {
			// Undecodable payload: quarantine locally, do not send, do not
			// let one corrupt row abort the whole batch.
			_ = e.Store.MarkQuarantined(ctx, ev.ID, "undecodable payload: "+err.Error())
			res.PermanentFailed++
			delete(byID, ev.ID)
			continue
		}
		req.Items = append(req.Items, transport.Item{
			ID:             ev.ID,
			IdempotencyKey: ev.IdempotencyKey,
			Type:           ev.Type,
			PayloadJSON:    payloadJSON,
			CreatedMs:      ev.CreatedMs,
			Attempts:       ev.Attempts,
		})
	}

	if len(req.Items) == 0 {
		e.recordBatch("permanent", res)
		return res, nil
	}

	// Step 4: transport.
	if auth != nil {
		if setter, ok := tr.(transport.AuthSetter); ok {
			setter.SetAuth(auth)
		}
	}
	result, err := tr.SendBatch(ctx, req)
	if err != nil {
		// Treat a hard transport error as a transient failure for every
		// still-claimed id, same as a TransientFailure result.
		e.applyTransient(ctx, byID, nowMs, err.Error(), cfg.SyncPolicy.MaxAttemptsPerEvent, &res)
		e.recordBatch("transient", res)
		return res, nil
	}

	// Step 5: apply.
	switch result.Kind {
	case transport.Success:
		e.applySuccess(ctx, byID, result, &res)
		e.recordBatch("success", res)
	case transport.TransientFailure:
		reason := result.Message
		if reason == "" && result.Cause != nil {
			reason = result.Cause.Error()
		}
		e.applyTransient(ctx, byID, nowMs, reason, cfg.SyncPolicy.MaxAttemptsPerEvent, &res)
		e.recordBatch("transient", res)
	case transport.PermanentFailure:
		e.applyPermanent(ctx, byID, result.Message, &res)
		e.recordBatch("permanent", res)
	default:
		return res, fmt.Errorf("sync: unknown transport result kind %d", result.Kind)
	}

	return res, nil
}

func (e *Engine) applySuccess(ctx context.Context, byID map[string]store.Event, result transport.Result, res *Result) {
	rejected := make(map[string]string, len(result.Rejected))
	for _, r := range result.Rejected {
		rejected[r.ID] = r.Reason
	}

	var acceptedIDs []string
	for _, id := range result.AcceptedIDs {
		if _, ok := byID[id]; !ok {
			continue
		}
		acceptedIDs = append(acceptedIDs, id)
	}
	if len(acceptedIDs) > 0 {
		if err := e.Store.MarkSent(ctx, acceptedIDs); err != nil {
			// Surfacing this would abort a partially-applied batch; instead
			// fall back to quarantining the unresolved ones below isn't
			// correct either, so the rows simply remain IN_FLIGHT and are
			// recovered by ResetInFlight on next start.
		} else {
			res.Sent += len(acceptedIDs)
		}
	}
	for id, reason := range rejected {
		if _, ok := byID[id]; !ok {
			continue
		}
		if err := e.Store.MarkQuarantined(ctx, id, reason); err == nil {
			res.Rejected++
		}
	}

	// Anything claimed but neither accepted nor rejected by the server is
	// treated as a transient gap: return it to PENDING for the next tick.
	for id, ev := range byID {
		if contains(acceptedIDs, id) {
			continue
		}
		if _, ok := rejected[id]; ok {
			continue
		}
		if err := e.Store.MarkTransient(ctx, id, 0, ev.Attempts, "absent from server response"); err == nil {
			res.TransientFailed++
		}
	}
}

func (e *Engine) applyTransient(ctx context.Context, byID map[string]store.Event, nowMs int64, reason string, maxAttempts int, res *Result) {
	for id, ev := range byID {
		if ev.Attempts >= maxAttempts && maxAttempts > 0 {
			if err := e.Store.MarkQuarantined(ctx, id, reason); err == nil {
				res.PermanentFailed++
			}
			continue
		}
		nextVisible := nowMs + backoff.NextDelayMs(ev.Attempts-1)
		if err := e.Store.MarkTransient(ctx, id, nextVisible, ev.Attempts, reason); err == nil {
			res.TransientFailed++
		}
	}
}

func (e *Engine) applyPermanent(ctx context.Context, byID map[string]store.Event, reason string, res *Result) {
	for id := range byID {
		if err := e.Store.MarkQuarantined(ctx, id, reason); err == nil {
			res.PermanentFailed++
		}
	}
}

func (e *Engine) recordBatch(kind string, res Result) {
	if e.Audit == nil {
		return
	}
	_ = e.Audit.Record("sync_batch_"+kind, map[string]string{
		"attempted":        itoa(res.Attempted),
		"sent":             itoa(res.Sent),
		"permanent_failed": itoa(res.PermanentFailed),
		"transient_failed": itoa(res.TransientFailed),
		"rejected":         itoa(res.Rejected),
	})
}

func contains(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
