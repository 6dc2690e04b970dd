package idempotency

import "testing"

func TestComputeDeterministicWithinBucket(t *testing.T) {
	d := Deriver{InstallSecret: []byte("secret-material")}
	bucketMs := int64(86_400_000)
	a := d.Compute("ORDER", "X", 1_000, bucketMs)
	b := d.Compute("ORDER", "X", bucketMs-1, bucketMs)
	if a != b {
		t.Fatalf("expected same bucket to produce same key: %q != %q", a, b)
	}
	if len(a) != 43 {
		t.Fatalf("expected 43-char base64url digest, got %d chars: %q", len(a), a)
	}
}

func TestComputeDiffersAcrossBuckets(t *testing.T) {
	d := Deriver{InstallSecret: []byte("secret-material")}
	bucketMs := int64(86_400_000)
	a := d.Compute("ORDER", "X", 0, bucketMs)
	b := d.Compute("ORDER", "X", bucketMs, bucketMs)
	if a == b {
		t.Fatalf("expected different buckets to produce different keys")
	}
}

func TestComputeZeroBucketMsCollapsesToSingleBucket(t *testing.T) {
	d := Deriver{InstallSecret: []byte("secret-material")}
	a := d.Compute("ORDER", "X", 12345, 0)
	b := d.Compute("ORDER", "X", 999999, 0)
	if a != b {
		t.Fatalf("expected bucket_ms<=0 to collapse to a single bucket")
	}
}

func TestComputeDiffersByType(t *testing.T) {
	d := Deriver{InstallSecret: []byte("secret-material")}
	a := d.Compute("ORDER", "X", 1000, 86_400_000)
	b := d.Compute("SCAN", "X", 1000, 86_400_000)
	if a == b {
		t.Fatalf("expected different types to produce different keys")
	}
}

func TestRandomProducesDistinctKeys(t *testing.T) {
	a, err := Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	b, err := Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct random keys")
	}
}
