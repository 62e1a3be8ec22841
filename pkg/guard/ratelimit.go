package guard

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
)

// Category classifies rate-limited operations.
type Category string

const (
	CategoryModel     Category = "model"
	CategoryTool      Category = "tool"
	CategoryRetriever Category = "retriever"
)

// LimiterSet holds one token bucket per (tenant, category). Buckets are
// created lazily at full capacity and refill continuously from elapsed
// clock time. Allow is non-blocking; callers that are rejected map the
// result to RateLimited and retry with jitter at the orchestration layer.
type LimiterSet struct {
	mu      sync.Mutex
	cfg     config.RateLimitSettings
	clk     clock.Clock
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	tenant   string
	category Category
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiterSet creates an empty limiter set.
func NewLimiterSet(cfg config.RateLimitSettings, clk clock.Clock) *LimiterSet {
	return &LimiterSet{cfg: cfg, clk: clk, buckets: make(map[bucketKey]*bucket)}
}

// Allow takes one token from the (tenant, category) bucket. Categories
// without configured settings are unlimited.
func (l *LimiterSet) Allow(tenant string, category Category) bool {
	settings, ok := l.cfg.Buckets[string(category)]
	if !ok || settings.Capacity <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	key := bucketKey{tenant: tenant, category: category}
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{tokens: settings.Capacity, last: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * settings.RefillPerSec
			if b.tokens > settings.Capacity {
				b.tokens = settings.Capacity
			}
			b.last = now
		}
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Retries returns the configured retry count after a rejection.
func (l *LimiterSet) Retries() int { return l.cfg.Retries }

// RetryDelay returns the base delay between jittered retries.
func (l *LimiterSet) RetryDelay() time.Duration { return l.cfg.RetryDelay.Std() }

// RetrySchedule returns the jittered delay sequence used between retries
// after a rejection. The schedule never stops on its own; callers bound
// it with Retries and sleep on their own clock.
func (l *LimiterSet) RetrySchedule() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.RetryDelay.Std()
	bo.MaxInterval = 4 * l.cfg.RetryDelay.Std()
	bo.MaxElapsedTime = 0
	return bo
}
