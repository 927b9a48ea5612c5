package forward

import (
	"sync"
	"time"

	"github.com/embeint/epacket/buffer"
)

const (
	attemptsPerSecond = 5
	attemptsBurstable = 3
	attemptGCInterval = time.Second
	attemptCost       = int64(time.Second) / attemptsPerSecond
	maxAttemptTokens  = attemptCost * attemptsBurstable
)

type attemptEntry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// AttemptLimiter is a token-bucket limiter keyed by buffer.BTAddress,
// consulted by Engine.process before spending a Connector.Connect call
// on a peer that keeps failing or flooding auto-connect requests.
type AttemptLimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopGC chan struct{}
	table  map[buffer.BTAddress]*attemptEntry
}

// NewAttemptLimiter starts the limiter's background GC goroutine. Close
// must be called to stop it.
func NewAttemptLimiter() *AttemptLimiter {
	l := &AttemptLimiter{
		timeNow: time.Now,
		stopGC:  make(chan struct{}),
		table:   make(map[buffer.BTAddress]*attemptEntry),
	}
	go l.run()
	return l
}

func (l *AttemptLimiter) run() {
	ticker := time.NewTicker(attemptGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopGC:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *AttemptLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, entry := range l.table {
		entry.mu.Lock()
		stale := l.timeNow().Sub(entry.lastTime) > attemptGCInterval
		entry.mu.Unlock()
		if stale {
			delete(l.table, addr)
		}
	}
}

// Close stops the background GC goroutine.
func (l *AttemptLimiter) Close() { close(l.stopGC) }

// Allow reports whether a connect attempt to addr may proceed, debiting
// one attempt's cost from its token bucket.
func (l *AttemptLimiter) Allow(addr buffer.BTAddress) bool {
	l.mu.RLock()
	entry := l.table[addr]
	l.mu.RUnlock()

	if entry == nil {
		entry = &attemptEntry{tokens: maxAttemptTokens - attemptCost, lastTime: l.timeNow()}
		l.mu.Lock()
		l.table[addr] = entry
		l.mu.Unlock()
		return true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := l.timeNow()
	entry.tokens += now.Sub(entry.lastTime).Nanoseconds()
	entry.lastTime = now
	if entry.tokens > maxAttemptTokens {
		entry.tokens = maxAttemptTokens
	}
	if entry.tokens > attemptCost {
		entry.tokens -= attemptCost
		return true
	}
	return false
}
