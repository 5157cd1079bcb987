package bucketing

import (
	"fmt"
	"testing"

	"identity-service/internal/config"
)

func newTestManager() *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{
			IdentityBuckets: 64,
			EventBuckets:    16,
		},
	})
}

func TestGetIdentityBucket_Deterministic(t *testing.T) {
	bm := newTestManager()

	id := "d3b2c1e0-8f1a-4b6d-9c2e-5a7f8e9d0c1b"
	first := bm.GetIdentityBucket(id)
	for i := 0; i < 100; i++ {
		if got := bm.GetIdentityBucket(id); got != first {
			t.Fatalf("bucket changed between calls: %d vs %d", first, got)
		}
	}
}

func TestGetIdentityBucket_WithinRange(t *testing.T) {
	bm := newTestManager()

	for i := 0; i < 1000; i++ {
		bucket := bm.GetIdentityBucket(fmt.Sprintf("identity-%d", i))
		if bucket < 0 || bucket >= bm.GetIdentityBuckets() {
			t.Fatalf("bucket %d out of range [0,%d)", bucket, bm.GetIdentityBuckets())
		}
	}
}

func TestGetEventBucket_WithinRange(t *testing.T) {
	bm := newTestManager()

	for i := 0; i < 1000; i++ {
		bucket := bm.GetEventBucket(fmt.Sprintf("event-%d", i))
		if bucket < 0 || bucket >= bm.GetEventBuckets() {
			t.Fatalf("bucket %d out of range [0,%d)", bucket, bm.GetEventBuckets())
		}
	}
}
