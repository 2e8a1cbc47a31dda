package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMulti(clock *fakeClock, tiers ...Tier) *Multi {
	m := NewMulti(tiers...)
	for _, s := range m.tiers {
		withClock(s, clock)
	}
	return m
}

func TestMultiHit(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
		hits  []int
		err   error
	}{
		{
			name:  "within every tier",
			tiers: []Tier{{Limit: 5, Window: time.Second}, {Limit: 100, Window: time.Minute}},
			hits:  []int{1, 1, 1, 1, 1},
		},
		{
			name:  "fast tier exceeded",
			tiers: []Tier{{Limit: 5, Window: time.Second}, {Limit: 100, Window: time.Minute}},
			hits:  []int{1, 1, 1, 1, 1, 1},
			err:   &Exceeded{Key: "key", Tier: Tier{Limit: 5, Window: time.Second}},
		},
		{
			name:  "slow tier exceeded by a bulk hit",
			tiers: []Tier{{Limit: 500, Window: time.Second}, {Limit: 100, Window: time.Minute}},
			hits:  []int{101},
			err:   &Exceeded{Key: "key", Tier: Tier{Limit: 100, Window: time.Minute}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newTestMulti(newFakeClock(), test.tiers...)

			var err error
			for _, n := range test.hits {
				err = m.Hit("key", n)
			}

			if !errors.Is(err, test.err) {
				t.Fatalf("expected error %v, got %v", test.err, err)
			}
		})
	}
}

func TestMultiRejectedHitChargesNoTier(t *testing.T) {
	m := newTestMulti(newFakeClock(),
		Tier{Limit: 1, Window: time.Second},
		Tier{Limit: 100, Window: time.Minute},
	)

	m.Hit("key", 1)
	if err := m.Hit("key", 1); err == nil {
		t.Fatal("expected the second hit to be rejected")
	}

	// the slow tier must not have been charged by the rejected hit
	if r := m.tiers[1].Remaining("key"); r != 99 {
		t.Fatalf("expected 99 remaining on the slow tier, got %d", r)
	}
}

func TestMultiConcurrentHitsRespectTheLimit(t *testing.T) {
	const limit, hits = 8, 16
	m := newTestMulti(newFakeClock(), Tier{Limit: limit, Window: time.Minute})

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup

	for range hits {
		wg.Add(1)
		go func() {
			defer wg.Done()

			switch err := m.Hit1("key"); {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, &Exceeded{Key: "key", Tier: Tier{Limit: limit, Window: time.Minute}}):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != limit || rejected.Load() != hits-limit {
		t.Fatalf("expected %d accepted and %d rejected, got %d and %d",
			limit, hits-limit, accepted.Load(), rejected.Load())
	}
}

func TestMultiRemainingReportsWorstTier(t *testing.T) {
	m := newTestMulti(newFakeClock(),
		Tier{Limit: 10, Window: time.Second},
		Tier{Limit: 15, Window: time.Minute},
	)

	// idle: the first tier is reported
	if r := m.Remaining("key"); r != 10 {
		t.Fatalf("expected 10, got %d", r)
	}

	// after 8 hits the fast tier has 2 left, the slow one 7
	m.Hit("key", 8)
	if r := m.Remaining("key"); r != 2 {
		t.Fatalf("expected 2, got %d", r)
	}
}

func TestMultiResetAtReportsWorstTier(t *testing.T) {
	clock := newFakeClock()
	m := newTestMulti(clock,
		Tier{Limit: 100, Window: time.Second},
		Tier{Limit: 10, Window: time.Minute},
	)

	m.Hit("key", 9)
	expected := clock.t.Add(time.Minute)

	if resetAt := m.ResetAt("key"); !resetAt.Equal(expected) {
		t.Fatalf("expected reset at %v, got %v", expected, resetAt)
	}
}
