package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"identity-service/internal/config"
)

// BucketingManager maps identity IDs onto a fixed set of partition
// buckets. The mapping must stay deterministic: the bucket derived from
// an identity ID at insert time is re-derived for every later lookup.
type BucketingManager struct {
	identityBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
	config          *config.Config
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		identityBuckets: cfg.Bucketing.IdentityBuckets,
		eventBuckets:    cfg.Bucketing.EventBuckets,
		config:          cfg,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetIdentityBucket returns the consistent bucket for an identity ID
// (0 to identityBuckets-1).
func (bm *BucketingManager) GetIdentityBucket(identityID string) int {
	return bm.getBucket(identityID, bm.identityBuckets)
}

// GetEventBucket returns the bucket for security events.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the date bucket for event partitioning.
func (bm *BucketingManager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetIdentityBuckets() int {
	return bm.identityBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	h := bm.getHash(key)
	return int(h % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
