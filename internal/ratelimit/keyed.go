// Package ratelimit holds token-bucket limiters keyed by caller identity.
// The admin API keys by API key or remote address, the peer transport by
// peer id.
package ratelimit

import (
	"math"
	"sync"

	"signalgw/internal/config"

	"golang.org/x/time/rate"
)

type Keyed struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map // key -> *rate.Limiter
}

// New builds a keyed limiter from cfg. A non-positive RPS disables limiting;
// a non-positive burst defaults to RPS rounded up.
func New(cfg config.RateLimitConfig) *Keyed {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RPS))
		if burst < 1 {
			burst = 1
		}
	}
	return &Keyed{limit: rate.Limit(cfg.RPS), burst: burst}
}

func (k *Keyed) Enabled() bool {
	return k != nil && k.limit > 0
}

// Allow reports whether one more event for key fits the bucket.
func (k *Keyed) Allow(key string) bool {
	if !k.Enabled() {
		return true
	}
	return k.get(key).Allow()
}

// Forget drops the bucket of key, e.g. when a peer disconnects.
func (k *Keyed) Forget(key string) {
	if k == nil {
		return
	}
	k.limiters.Delete(key)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	n := 0
	k.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (k *Keyed) get(key string) *rate.Limiter {
	if v, ok := k.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := k.limiters.LoadOrStore(key, rate.NewLimiter(k.limit, k.burst))
	return actual.(*rate.Limiter)
}
