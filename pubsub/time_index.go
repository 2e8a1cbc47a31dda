package pubsub

import (
	"cmp"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/nbd-wtf/go-nostr"
)

const (
	beginning int64 = -1 << 63
	end       int64 = 1<<63 - 1
)

// interval represents the since and until fields of a [nostr.Filter],
// together with the ID of the owning subscription.
type interval struct {
	since, until int64
	id           string
}

func (i interval) isInvalid() bool { return i.since > i.until }

// sortBySince orders intervals by since, breaking ties with the
// subscription ID so that distinct intervals are never deduplicated.
func sortBySince(i1, i2 interval) bool {
	if i1.since != i2.since {
		return i1.since < i2.since
	}
	return cmp.Less(i1.id, i2.id)
}

// sortByUntil orders intervals by until, breaking ties with the
// subscription ID so that distinct intervals are never deduplicated.
func sortByUntil(i1, i2 interval) bool {
	if i1.until != i2.until {
		return i1.until < i2.until
	}
	return cmp.Less(i1.id, i2.id)
}

func newInterval(f nostr.Filter, id string) interval {
	i := interval{since: beginning, until: end, id: id}
	if f.Since != nil {
		i.since = int64(*f.Since)
	}
	if f.Until != nil {
		i.until = int64(*f.Until)
	}
	return i
}

// timeIndex organizes subscription intervals into two ordered sets:
//   - current: intervals that intersect the time window [now - radius, now + radius]
//   - future: intervals that don't intersect the window yet, but will
//
// The working assumption is that the vast majority of published events have
// a CreatedAt inside the window, so candidate search can skip every
// subscription whose interval lies outside it.
type timeIndex struct {
	mu          sync.Mutex
	radius      int64
	lastAdvance int64
	current     *btree.BTreeG[interval]
	future      *btree.BTreeG[interval]
}

func newTimeIndex(radius int64) *timeIndex {
	return &timeIndex{
		radius:  radius,
		current: btree.NewG(8, sortByUntil),
		future:  btree.NewG(8, sortBySince),
	}
}

// Add indexes the filter's interval under the subscription ID.
func (t *timeIndex) Add(f nostr.Filter, id string) {
	i := newInterval(f, id)
	if i.isInvalid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().Unix()
	switch {
	case i.until < now-t.radius:
		// it's unlikely that events this old will be published live,
		// so the filter is simply not indexed
	case i.since > now+t.radius:
		t.future.ReplaceOrInsert(i)
	default:
		t.current.ReplaceOrInsert(i)
	}
}

// Remove drops the filter's interval for the subscription ID, if indexed.
func (t *timeIndex) Remove(f nostr.Filter, id string) {
	i := newInterval(f, id)
	if i.isInvalid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.current.Delete(i)
	t.future.Delete(i)
}

// Candidates returns the IDs of the subscriptions whose intervals may match
// an event with the provided creation time, and whether there are any.
func (t *timeIndex) Candidates(createdAt nostr.Timestamp) (map[string]struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advance()
	now := time.Now().Unix()

	if int64(createdAt) < now-t.radius || int64(createdAt) > now+t.radius {
		// fast path that avoids candidates that would mostly be false positives
		return nil, false
	}

	if t.current.Len() == 0 {
		return nil, false
	}

	ids := make(map[string]struct{}, t.current.Len())
	t.current.Ascend(func(i interval) bool {
		ids[i.id] = struct{}{}
		return true
	})
	return ids, true
}

// advance slides the window forward: intervals whose since entered the
// window move from future to current, and intervals whose until fell behind
// it are dropped. Must be called with the lock held.
func (t *timeIndex) advance() {
	now := time.Now().Unix()
	if now == t.lastAdvance {
		// advance at most once per second, the resolution of unix time
		return
	}
	t.lastAdvance = now

	min := now - t.radius
	max := now + t.radius

	var promoted []interval
	t.future.Ascend(func(i interval) bool {
		if i.since > max {
			return false
		}
		promoted = append(promoted, i)
		return true
	})

	for _, i := range promoted {
		t.future.Delete(i)
		t.current.ReplaceOrInsert(i)
	}

	var expired []interval
	t.current.AscendLessThan(interval{until: min, id: ""}, func(i interval) bool {
		expired = append(expired, i)
		return true
	})

	for _, i := range expired {
		t.current.Delete(i)
	}
}

// size returns the total number of indexed intervals.
func (t *timeIndex) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Len() + t.future.Len()
}
