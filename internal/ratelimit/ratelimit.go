package ratelimit

import (
	"sync"
	"time"
)

// Token bucket limiter. Safe for concurrent use.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Caller must hold l.mu
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Per-key limiters, used for HTTP callers keyed by client IP.
type KeyedLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	maxKeys         int
	now             func() time.Time
	mu              sync.Mutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewKeyedLimiters(rate float64, burst int) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		maxKeys:         10000,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.get(key).Allow()
}

func (kl *KeyedLimiters) get(key string) *Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if limiter, ok := kl.limiters[key]; ok {
		return limiter
	}
	limiter := newLimiter(kl.rate, kl.burst, kl.now)
	kl.limiters[key] = limiter
	return limiter
}

func (kl *KeyedLimiters) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.sweep()
		}
	}
}

// Buckets that have refilled completely carry no state worth keeping.
// Past maxKeys everything is dropped.
func (kl *KeyedLimiters) sweep() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if len(kl.limiters) > kl.maxKeys {
		kl.limiters = make(map[string]*Limiter)
		return
	}
	for key, limiter := range kl.limiters {
		limiter.mu.Lock()
		limiter.refill()
		full := limiter.tokens >= float64(limiter.burst)
		limiter.mu.Unlock()
		if full {
			delete(kl.limiters, key)
		}
	}
}
