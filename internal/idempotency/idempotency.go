// Package idempotency derives the deterministic dedup key used by the
// Admission Controller: pipe-joined parts run through HMAC-SHA256 keyed on
// the device's install secret, then base64-rendered.
package idempotency

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Deriver computes idempotency keys from an install secret.
type Deriver struct {
	InstallSecret []byte
}

// Compute returns the deterministic key for (type, stableID) bucketed to
// bucketMs-wide windows of nowMs. A non-positive bucketMs collapses to a
// single bucket (0), matching spec §4.3's "or 0 if bucket_ms <= 0" rule.
func (d Deriver) Compute(eventType, stableID string, nowMs, bucketMs int64) string {
	bucket := int64(0)
	if bucketMs > 0 {
		bucket = (nowMs / bucketMs) * bucketMs
	}
	message := fmt.Sprintf("%s|%s|%d", eventType, stableID, bucket)
	mac := hmac.New(sha256.New, d.InstallSecret)
	mac.Write([]byte(message))
	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)
}

// Random returns a non-deterministic 128-bit key for events with no stable id
// or with deterministic derivation disabled.
func Random() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("idempotency: generating random key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
