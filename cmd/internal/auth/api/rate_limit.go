package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterCacheSize = 10_000
	failureCacheSize = 10_000
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// evaluateWindowThrottle blocks once max failures fall inside window. The
// retry is when the oldest counted failure leaves the window.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout applies tiers in order. A tier whose threshold is
// reached locks until its duration has passed since the latest failure.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}
	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		if until := latest.Add(tier.Duration); now.Before(until) {
			return true, until.Sub(now)
		}
	}
	return false, 0
}

// failureLog remembers recent failed attempts per key (normalized phone).
// Entries expire on their own once the longest lockout has passed.
type failureLog struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, []time.Time]
	keep    int
}

func newFailureLog(ttl time.Duration, keep int) *failureLog {
	if keep <= 0 {
		keep = 32
	}
	return &failureLog{
		entries: expirable.NewLRU[string, []time.Time](failureCacheSize, nil, ttl),
		keep:    keep,
	}
}

func (l *failureLog) record(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, _ := l.entries.Get(key)
	list = append(list, at)
	if len(list) > l.keep {
		list = list[len(list)-l.keep:]
	}
	l.entries.Add(key, list)
}

func (l *failureLog) failures(key string) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, _ := l.entries.Get(key)
	return append([]time.Time(nil), list...)
}

func (l *failureLog) reset(key string) {
	l.entries.Remove(key)
}

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newIPLimiter(events int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, 2*window),
		limit:    rate.Every(window / time.Duration(events)),
		burst:    events,
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	if ip == "" {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(ip, lim)
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many attempts")
}
