// Package admission implements the Admission Controller (C5): the ordered
// write-path pipeline that validates, bounds, dedupes, and enforces overflow
// policy for every enqueued event. The denylist key walk is grounded on the
// teacher's recursive canonical-JSON walkers (hash_chain.go's
// canonicalAnyMap/canonicalizeAny): the same "walk maps and slices, visit
// every key" shape, repurposed here to collect denylist hits instead of
// hashes.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kioskops/edge-sdk/internal/codec"
	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/idempotency"
	"github.com/kioskops/edge-sdk/internal/kerrors"
	"github.com/kioskops/edge-sdk/internal/store"
)

// Outcome tags the closed set of enqueue results (spec §9: tagged variants,
// not an open hierarchy).
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomeRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// EnqueueResult is the sum type returned by Enqueue.
type EnqueueResult struct {
	Outcome Outcome

	// Set when Outcome == OutcomeAccepted.
	ID            string
	Duplicate     bool
	DroppedOldest bool
	DroppedNewest bool

	// Set when Outcome == OutcomeRejected.
	RejectReason kerrors.Code
}

// AuditRecorder is the narrow interface the audit trail exposes to Admission,
// kept separate from the concrete internal/audit type to avoid a dependency
// cycle (audit never needs to know about admission).
type AuditRecorder interface {
	Record(name string, fields map[string]string) error
}

// Controller wires the Admission pipeline's collaborators.
type Controller struct {
	Store   *store.Store
	Crypto  crypto.Provider
	Idem    idempotency.Deriver
	Audit   AuditRecorder
	Clock   func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Enqueue runs the admission pipeline of spec §4.3 in order, each step a
// point of rejection.
func (c *Controller) Enqueue(eventType, jsonPayload string, stableEventID string, cfg config.Config, newID func() string) (EnqueueResult, error) {
	sec := cfg.SecurityPolicy

	// 1. Size guard.
	if len(jsonPayload) > sec.MaxEventPayloadBytes {
		c.auditRejected("payload_too_large")
		return EnqueueResult{Outcome: OutcomeRejected, RejectReason: kerrors.PayloadTooLarge}, nil
	}

	// 2. Denylist guard.
	if len(sec.DenylistJSONKeys) > 0 && !sec.AllowRawPayloadStorage {
		hit, err := containsDenylistedKey(jsonPayload, sec.DenylistJSONKeys)
		if err != nil {
			// Malformed JSON is not this controller's concern to diagnose further;
			// it is treated as a denylist miss. Later stages do not validate JSON,
			// so such a payload is stored as given.
		}
		if hit {
			c.auditRejected("denylisted_key")
			return EnqueueResult{Outcome: OutcomeRejected, RejectReason: kerrors.DenylistedKey}, nil
		}
	}

	nowMs := c.now().UnixMilli()

	// 3. Idempotency derivation.
	var idemKey string
	var err error
	if stableEventID != "" && cfg.IdempotencyConfig.DeterministicEnabled {
		idemKey = c.Idem.Compute(eventType, stableEventID, nowMs, cfg.IdempotencyConfig.BucketMs)
	} else {
		idemKey, err = idempotency.Random()
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("admission: deriving random key: %w", err)
		}
	}

	// 4. Dedup probe.
	existing, found, err := c.Store.FindByIdem(context.Background(), idemKey)
	if err != nil {
		return EnqueueResult{}, err
	}
	if found {
		return EnqueueResult{Outcome: OutcomeAccepted, ID: existing.ID, Duplicate: true}, nil
	}

	// 5. Codec + crypto.
	blob, encoding, keyVersion, err := codec.Encode(jsonPayload, sec.EncryptQueuePayloads, c.Crypto)
	if err != nil {
		return EnqueueResult{}, err
	}

	id := idemKey
	if newID != nil {
		id = newID()
	}
	ev := store.Event{
		ID:             id,
		IdempotencyKey: idemKey,
		Type:           eventType,
		PayloadBlob:    blob,
		Encoding:       string(encoding),
		KeyVersion:     keyVersion,
		CreatedMs:      nowMs,
		UpdatedMs:      nowMs,
		State:          store.Pending,
		NextVisibleMs:  0,
	}

	// 6. Overflow enforcement + insert, atomically.
	limits := cfg.QueueLimits
	out, err := c.Store.InsertWithOverflow(context.Background(), ev, limits.MaxActiveEvents, limits.MaxActiveBytes, store.OverflowStrategy(limits.OverflowStrategy))
	if err != nil {
		c.auditRejected("io")
		return EnqueueResult{}, err
	}

	if out.Rejected {
		if limits.OverflowStrategy == config.Block {
			c.auditRejected("queue_full")
			return EnqueueResult{Outcome: OutcomeRejected, RejectReason: kerrors.QueueFull}, nil
		}
		// DROP_NEWEST (or DROP_OLDEST with nothing evictable): counted, not inserted.
		return EnqueueResult{Outcome: OutcomeAccepted, ID: id, DroppedNewest: true}, nil
	}

	// 7. Accept audit.
	fields := map[string]string{"type": eventType, "attempts": "0"}
	if out.DroppedOldest {
		fields["dropped_oldest"] = "1"
	}
	if c.Audit != nil {
		_ = c.Audit.Record("enqueue_accepted", fields)
	}
	return EnqueueResult{Outcome: OutcomeAccepted, ID: id, DroppedOldest: out.DroppedOldest}, nil
}

func (c *Controller) auditRejected(reason string) {
	if c.Audit == nil {
		return
	}
	_ = c.Audit.Record("enqueue_rejected", map[string]string{"reason": reason})
}

// containsDenylistedKey shallow-parses the top-level object and recursively
// walks nested objects/arrays-of-objects, per spec §4.3 step 2.
func containsDenylistedKey(jsonPayload string, denylist []string) (bool, error) {
	deny := make(map[string]struct{}, len(denylist))
	for _, k := range denylist {
		deny[k] = struct{}{}
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(jsonPayload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false, err
	}
	return walk(v, deny), nil
}

func walk(v any, deny map[string]struct{}) bool {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if _, hit := deny[k]; hit {
				return true
			}
			if walk(val, deny) {
				return true
			}
		}
	case []any:
		for _, item := range x {
			if walk(item, deny) {
				return true
			}
		}
	}
	return false
}
