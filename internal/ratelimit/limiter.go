// Package ratelimit implements an in-memory sliding-window rate limiter.
//
// limiter.go -- per-key timestamp buckets spread over xxhash-selected shards.
// A shard lock only guards its key map; each bucket has its own mutex, so the
// check-and-record step is atomic per key without serializing unrelated keys.
// State is process-local; multiple instances do not share counts.
package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards = 64
	// sweepEvery triggers an opportunistic sweep of a shard after this many bucket creations.
	sweepEvery = 1024
)

// Policy is a caller-supplied limit: at most Max admissions per trailing Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of a Check.
// RetryAfter is zero when Allowed; otherwise time until the oldest counted request leaves the window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucket holds admitted timestamps for one key, oldest first.
// dead is set under mu when the sweeper unlinks the bucket; holders must re-fetch.
type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
	window time.Duration
	dead   bool
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	created int
}

// Limiter is safe for concurrent use. Construct with New.
type Limiter struct {
	shards []*shard
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, used by Allow.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithShards sets the shard count; values < 1 are ignored.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n >= 1 {
			l.shards = newShards(n)
		}
	}
}

// New returns an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{shards: newShards(defaultShards), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return shards
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Admit records an attempt for key at now if fewer than max attempts fall in
// [now-window, now], and reports whether it was admitted. The max-th attempt
// in a window is the last one admitted.
func (l *Limiter) Admit(key string, now time.Time, max int, window time.Duration) bool {
	return l.Check(key, now, Policy{Max: max, Window: window}).Allowed
}

// Allow is Check evaluated at the limiter's clock. The clock is read under
// the bucket lock so concurrent callers append in time order.
func (l *Limiter) Allow(key string, p Policy) Decision {
	return l.check(key, p, l.now)
}

// Check is Admit with a retry hint on rejection.
// A non-positive Max rejects everything; a non-positive Window admits everything.
func (l *Limiter) Check(key string, now time.Time, p Policy) Decision {
	return l.check(key, p, func() time.Time { return now })
}

func (l *Limiter) check(key string, p Policy, clock func() time.Time) Decision {
	if p.Window <= 0 {
		return Decision{Allowed: true}
	}
	if p.Max <= 0 {
		return Decision{RetryAfter: p.Window}
	}

	for {
		b := l.bucketFor(key, p.Window, clock())

		b.mu.Lock()
		if b.dead {
			// Sweeper unlinked it between lookup and lock; fetch the live one.
			b.mu.Unlock()
			continue
		}
		now := clock()
		b.window = p.Window
		b.prune(now)

		if len(b.stamps) >= p.Max {
			retry := b.stamps[len(b.stamps)-p.Max].Add(p.Window).Sub(now)
			b.mu.Unlock()
			if retry <= 0 {
				retry = time.Nanosecond
			}
			return Decision{RetryAfter: retry}
		}

		b.insert(now)
		b.mu.Unlock()
		return Decision{Allowed: true}
	}
}

// bucketFor returns the live bucket for key, creating it if needed.
func (l *Limiter) bucketFor(key string, window time.Duration, now time.Time) *bucket {
	s := l.shardFor(key)

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	b, ok = s.buckets[key]
	if !ok {
		b = &bucket{window: window}
		s.buckets[key] = b
		s.created++
	}
	sweep := s.created >= sweepEvery
	if sweep {
		s.created = 0
	}
	s.mu.Unlock()

	if sweep {
		s.sweep(now, key)
	}
	return b
}

// insert adds t keeping stamps ascending. Explicit-time callers may
// arrive out of order; prune relies on the ordering. Caller holds b.mu.
func (b *bucket) insert(t time.Time) {
	i := len(b.stamps)
	for i > 0 && b.stamps[i-1].After(t) {
		i--
	}
	b.stamps = slices.Insert(b.stamps, i, t)
}

// prune drops stamps older than now-window. Caller holds b.mu.
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.stamps) && b.stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Copy down so the backing array does not pin evicted stamps forever.
	n := copy(b.stamps, b.stamps[i:])
	b.stamps = b.stamps[:n]
}

// Sweep removes buckets with no attempts inside their window as of now.
// It returns the number of buckets removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for _, s := range l.shards {
		removed += s.sweep(now, "")
	}
	return removed
}

// sweep removes stale buckets from one shard, skipping keep.
// Holds the shard lock plus at most one bucket lock at a time.
func (s *shard) sweep(now time.Time, keep string) int {
	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		if k != keep {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		s.mu.Lock()
		b, ok := s.buckets[k]
		if ok {
			b.mu.Lock()
			b.prune(now)
			if len(b.stamps) == 0 {
				b.dead = true
				delete(s.buckets, k)
				removed++
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

// Run sweeps every interval until ctx is done. Always returns nil so it can
// sit in an errgroup next to the HTTP server.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep(l.now())
		case <-ctx.Done():
			return nil
		}
	}
}
