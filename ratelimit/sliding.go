// Package ratelimit implements the sliding-window quota trackers used to
// shape traffic per client. A [Sliding] limiter tracks one quota tier;
// a [Multi] composes several tiers over the same key.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Tier is a quota: at most Limit hits for a key within Window.
type Tier struct {
	Limit  int
	Window time.Duration
}

func (t Tier) String() string { return fmt.Sprintf("%d per %s", t.Limit, t.Window) }

// Exceeded is returned by Hit when a key runs out of quota.
// It identifies the offending tier and key, and is safe to log as-is.
type Exceeded struct {
	Key  string
	Tier Tier
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf("key %q exceeded the rate limit of %v", e.Key, e.Tier)
}

func (e *Exceeded) Is(target error) bool {
	t, ok := target.(*Exceeded)
	if !ok {
		return false
	}
	return (t.Key == "" || t.Key == e.Key) && (t.Tier == Tier{} || t.Tier == e.Tier)
}

// entry is the per-key state within one window.
type entry struct {
	hits    int
	resetAt time.Time
}

// Sliding is a single-tier sliding-window limiter.
//
// It keeps a "current" and a "previous" bucket map, swapped once per window
// length. A key's state is carried from previous into current while its
// reset time is still pending, which avoids the burst-at-boundary flaw of
// naive fixed windows while keeping every Hit O(1). Keys that stay quiet
// for a full window are dropped by the swap, so memory is bounded by the
// number of recently active keys.
type Sliding struct {
	tier Tier

	mu       sync.Mutex
	curr     map[string]*entry
	prev     map[string]*entry
	lastSwap time.Time

	now func() time.Time // overridable in tests
}

func NewSliding(limit int, window time.Duration) *Sliding {
	if limit < 1 {
		panic("ratelimit: limit must be at least 1")
	}
	if window < time.Millisecond {
		panic("ratelimit: window must be at least 1ms")
	}

	return &Sliding{
		tier:     Tier{Limit: limit, Window: window},
		curr:     make(map[string]*entry),
		prev:     make(map[string]*entry),
		lastSwap: time.Now(),
		now:      time.Now,
	}
}

func (s *Sliding) Tier() Tier { return s.tier }

// Hit records n hits for the key. It returns an [*Exceeded] error and leaves
// the state untouched if the hits would push the key over the limit, so the
// tracked count never exceeds the limit.
func (s *Sliding) Hit(key string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	e := s.lookup(key)
	if e.hits+n > s.tier.Limit {
		return &Exceeded{Key: key, Tier: s.tier}
	}

	e.hits += n
	return nil
}

// Remaining returns how many hits the key has left in its window.
func (s *Sliding) Remaining(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	return s.tier.Limit - s.lookup(key).hits
}

// ResetAt returns when the key's window elapses and its quota is restored.
func (s *Sliding) ResetAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	return s.lookup(key).resetAt
}

// check reports whether n hits would exceed the key's quota, without recording them.
func (s *Sliding) check(key string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	if s.lookup(key).hits+n > s.tier.Limit {
		return &Exceeded{Key: key, Tier: s.tier}
	}
	return nil
}

// add records n hits for the key unconditionally.
func (s *Sliding) add(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	s.lookup(key).hits += n
}

// advance swaps the bucket maps once the window has elapsed.
// It is driven lazily by the accessors instead of a background timer,
// so an idle limiter costs nothing. Must be called with the lock held.
func (s *Sliding) advance() {
	now := s.now()
	elapsed := now.Sub(s.lastSwap)

	switch {
	case elapsed < s.tier.Window:
		return

	case elapsed < 2*s.tier.Window:
		s.prev = s.curr
		s.curr = make(map[string]*entry, len(s.prev))
		s.lastSwap = s.lastSwap.Add(s.tier.Window)

	default:
		// idle for more than a full window: nothing can carry over
		s.prev = make(map[string]*entry)
		s.curr = make(map[string]*entry)
		s.lastSwap = now
	}
}

// lookup returns the live entry for the key in the current bucket,
// carrying state over from the previous bucket while its reset time is
// pending. Must be called with the lock held.
func (s *Sliding) lookup(key string) *entry {
	now := s.now()

	e, ok := s.curr[key]
	if !ok {
		if p, ok := s.prev[key]; ok && p.resetAt.After(now) {
			e = &entry{hits: p.hits, resetAt: p.resetAt}
		} else {
			e = &entry{resetAt: now.Add(s.tier.Window)}
		}
		s.curr[key] = e
	}

	if !e.resetAt.After(now) {
		e.hits = 0
		e.resetAt = now.Add(s.tier.Window)
	}
	return e
}
