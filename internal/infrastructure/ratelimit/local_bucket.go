package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// LeakyBucket is the in-process leaky bucket used when the shared store is
// unreachable. It coordinates nothing across instances; it only keeps a single
// process honest until the store comes back.
//
// Tokens start at zero and accumulate at the effective rate. There is no cap
// unless maxBurst is positive.
type LeakyBucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64 // tokens per second
	maxBurst   float64 // 0 means uncapped
	lastRefill time.Time
	now        func() time.Time
}

// NewLeakyBucket creates a bucket that refills at rate tokens per second.
func NewLeakyBucket(rate, maxBurst float64, now func() time.Time) *LeakyBucket {
	if now == nil {
		now = time.Now
	}
	return &LeakyBucket{
		tokens:     0,
		rate:       rate,
		maxBurst:   maxBurst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow attempts to consume one token. The refill happens inline, so a denial
// still advances the refill timestamp with the accumulated fraction kept.
func (b *LeakyBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// refill folds elapsed time into the token count. Must be called with the
// lock held.
func (b *LeakyBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	b.tokens += elapsed * b.rate
	if b.maxBurst > 0 && b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
	b.lastRefill = now
}

// Tokens returns the current token count after folding in elapsed time.
func (b *LeakyBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// SetRate updates the refill rate. Elapsed time up to now is folded in at the
// old rate first.
func (b *LeakyBucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.rate = rate
}

// Reset empties the bucket back to its initial state.
func (b *LeakyBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = 0
	b.lastRefill = b.now()
}

// BucketPool manages per-key local buckets for the degraded path.
type BucketPool struct {
	mu       sync.RWMutex
	buckets  map[string]*bucketEntry
	maxBurst float64
	now      func() time.Time
}

type bucketEntry struct {
	bucket *LeakyBucket

	// lastUsed holds unix nanos. Touched on the read-locked fast path of
	// GetOrCreate, so it must be atomic.
	lastUsed atomic.Int64
}

func (e *bucketEntry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// NewBucketPool creates an empty pool. maxBurst applies to every bucket it
// creates.
func NewBucketPool(maxBurst float64, now func() time.Time) *BucketPool {
	if now == nil {
		now = time.Now
	}
	return &BucketPool{
		buckets:  make(map[string]*bucketEntry),
		maxBurst: maxBurst,
		now:      now,
	}
}

// GetOrCreate returns the bucket for key, creating it at the given rate. An
// existing bucket has its rate updated so discovered limits take effect on
// the degraded path too.
func (p *BucketPool) GetOrCreate(key string, rate float64) *LeakyBucket {
	p.mu.RLock()
	if entry, exists := p.buckets[key]; exists {
		entry.touch(p.now())
		p.mu.RUnlock()
		entry.bucket.SetRate(rate)
		return entry.bucket
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, exists := p.buckets[key]; exists {
		entry.touch(p.now())
		entry.bucket.SetRate(rate)
		return entry.bucket
	}

	entry := &bucketEntry{bucket: NewLeakyBucket(rate, p.maxBurst, p.now)}
	entry.touch(p.now())
	p.buckets[key] = entry
	return entry.bucket
}

// Remove drops the bucket for key.
func (p *BucketPool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, key)
}

// Cleanup removes buckets idle longer than maxIdle and returns how many were
// dropped.
func (p *BucketPool) Cleanup(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UnixNano()
	removed := 0
	for key, entry := range p.buckets {
		if now-entry.lastUsed.Load() > int64(maxIdle) {
			delete(p.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of buckets in the pool.
func (p *BucketPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buckets)
}

// Clear removes all buckets.
func (p *BucketPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[string]*bucketEntry)
}
