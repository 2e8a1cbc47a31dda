package ratelimit

import (
	"sync"
	"time"
)

// Multi composes independent sliding-window tiers sharing one key space,
// e.g. 15 per 5s, 300 per 5m and 1000 per 1h. A hit is recorded on every
// tier, or on none when any tier is out of quota.
type Multi struct {
	// mu makes the check and charge of a hit atomic across all tiers,
	// so concurrent hits cannot slip past a tier's limit together.
	mu    sync.Mutex
	tiers []*Sliding
}

func NewMulti(tiers ...Tier) *Multi {
	if len(tiers) == 0 {
		panic("ratelimit: a Multi needs at least one tier")
	}

	m := &Multi{tiers: make([]*Sliding, len(tiers))}
	for i, t := range tiers {
		m.tiers[i] = NewSliding(t.Limit, t.Window)
	}
	return m
}

// Hit records n hits for the key on every tier. If any tier is out of
// quota it returns that tier's [*Exceeded] error and no tier is charged.
// The check and charge are atomic: no interleaving of concurrent hits can
// push a tier's count past its limit without raising.
func (m *Multi) Hit(key string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tier := range m.tiers {
		if err := tier.check(key, n); err != nil {
			return err
		}
	}

	for _, tier := range m.tiers {
		tier.add(key, n)
	}
	return nil
}

// Hit1 records a single hit for the key.
func (m *Multi) Hit1(key string) error { return m.Hit(key, 1) }

// Remaining returns the quota left on the key's most exhausted tier.
func (m *Multi) Remaining(key string) int {
	return m.worst(key).Remaining(key)
}

// ResetAt returns when the key's most exhausted tier resets.
func (m *Multi) ResetAt(key string) time.Time {
	return m.worst(key).ResetAt(key)
}

// worst returns the tier with the least remaining quota for the key,
// or the first tier when they are all equally idle.
func (m *Multi) worst(key string) *Sliding {
	worst := m.tiers[0]
	least := worst.Remaining(key)

	for _, tier := range m.tiers[1:] {
		if r := tier.Remaining(key); r < least {
			worst, least = tier, r
		}
	}
	return worst
}
