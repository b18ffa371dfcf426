package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// evictSample bounds the entries scanned when the store is full.
const evictSample = 100

// LimiterStore holds one token bucket per client key, bounded to maxSize
// entries. When full, the least recently seen entry of a sample is dropped.
type LimiterStore struct {
	mu      sync.Mutex
	clients map[uint64]*client
	maxSize int

	limit rate.Limit
	burst int
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore creates a new limiter store, perMinute is the allowed
// requests per minute for every client and also the burst size.
func NewLimiterStore(maxSize, perMinute int) *LimiterStore {
	s := &LimiterStore{
		clients: make(map[uint64]*client, maxSize),
		maxSize: maxSize,
		burst:   perMinute,
	}

	if perMinute > 0 {
		s.limit = rate.Every(time.Minute / time.Duration(perMinute))
	}

	return s
}

// Get returns the limiter for key, creating it on first use.
func (s *LimiterStore) Get(key uint64) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[key]
	if !ok {
		if len(s.clients) >= s.maxSize {
			s.evict()
		}

		c = &client{bucket: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = c
	}

	c.lastSeen = now

	return c.bucket
}

func (s *LimiterStore) evict() {
	var (
		victim uint64
		oldest time.Time
		n      int
	)

	for k, c := range s.clients {
		if n == 0 || c.lastSeen.Before(oldest) {
			victim, oldest = k, c.lastSeen
		}

		if n++; n >= evictSample {
			break
		}
	}

	if n > 0 {
		delete(s.clients, victim)
	}
}

// Cleanup drops clients not seen within olderThan.
func (s *LimiterStore) Cleanup(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

// Len returns the number of tracked clients.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.clients)
}
