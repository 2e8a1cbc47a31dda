// Package pubsub implements the process-local broadcast bus that fans
// accepted events out to live subscribers, independently of durable storage.
//
// Subscribers register a set of filters and receive every future event that
// matches them. There is no backlog: a subscription's EOSE channel is closed
// on registration, and only events published afterwards are delivered.
package pubsub

import (
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bream-house/bream"
)

const (
	DefaultBuffer int   = 100
	DefaultRadius int64 = 60 * 60 // one hour, in seconds
)

// DomainResolver maps a pubkey to the domain its identity belongs to.
// It backs the "domain:<host>" search token; a nil resolver makes every
// domain token match nothing.
type DomainResolver func(pubkey string) string

// Bus is an in-memory broadcast bus matching published events against the
// filters of registered subscriptions. All methods are safe for concurrent use.
type Bus struct {
	subs   *xsync.MapOf[string, *Subscription]
	index  *timeIndex
	nextID atomic.Int64

	buffer  int
	resolve DomainResolver
}

type BusOption func(*Bus)

// WithBuffer sets the delivery channel capacity of new subscriptions.
func WithBuffer(n int) BusOption { return func(b *Bus) { b.buffer = n } }

// WithDomainResolver enables matching of "domain:" search tokens.
func WithDomainResolver(r DomainResolver) BusOption { return func(b *Bus) { b.resolve = r } }

// WithRadius sets the half-width (in seconds) of the time window used to
// prune candidate subscriptions by the event's creation time.
func WithRadius(seconds int64) BusOption { return func(b *Bus) { b.index = newTimeIndex(seconds) } }

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   xsync.NewMapOf[string, *Subscription](),
		index:  newTimeIndex(DefaultRadius),
		buffer: DefaultBuffer,
	}

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a registration on the [Bus]. It must be closed when no
// longer needed, otherwise the bus keeps matching events against it.
type Subscription struct {
	id      string
	filters nostr.Filters

	mu     sync.RWMutex
	closed bool
	events chan *nostr.Event

	eose    chan struct{}
	dropped atomic.Int64

	bus *Bus
}

// Events is the delivery channel. It is closed when the subscription is.
func (s *Subscription) Events() <-chan *nostr.Event { return s.events }

// EOSE is closed as soon as the subscription is registered: the bus holds
// no backlog, so the end of stored events is immediate.
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Dropped returns how many events were discarded because the subscriber
// wasn't reading fast enough.
func (s *Subscription) Dropped() int { return int(s.dropped.Load()) }

// Close unregisters the subscription and closes its delivery channel.
func (s *Subscription) Close() {
	s.bus.subs.Delete(s.id)
	for _, f := range s.filters {
		s.bus.index.Remove(f, s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// deliver pushes the event to the subscriber without ever blocking the
// publisher: when the channel is full the event is dropped and counted.
func (s *Subscription) deliver(event *nostr.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Subscribe registers the filters and returns the live subscription.
// Filters that can never match anything (an empty required set) are dropped.
func (b *Bus) Subscribe(filters nostr.Filters) *Subscription {
	live := make(nostr.Filters, 0, len(filters))
	for _, f := range filters {
		if !bream.IsImpossible(f) {
			live = append(live, f)
		}
	}

	sub := &Subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		filters: live,
		events:  make(chan *nostr.Event, b.buffer),
		eose:    make(chan struct{}),
		bus:     b,
	}

	b.subs.Store(sub.id, sub)
	for _, f := range live {
		b.index.Add(f, sub.id)
	}

	close(sub.eose)
	return sub
}

// Publish tests the event against every registered subscription and
// delivers it to the matching ones. It returns the number of deliveries.
func (b *Bus) Publish(event *nostr.Event) int {
	candidates, ok := b.index.Candidates(event.CreatedAt)
	if !ok {
		return 0
	}

	var delivered int
	for id := range candidates {
		sub, ok := b.subs.Load(id)
		if !ok {
			continue
		}

		if b.matches(sub.filters, event) {
			sub.deliver(event)
			delivered++
		}
	}
	return delivered
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int { return b.subs.Size() }

// matches reports whether any filter matches the event, including the
// search tokens that [nostr.Filter.Matches] ignores.
func (b *Bus) matches(filters nostr.Filters, event *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(event) && b.matchSearch(f.Search, event) {
			return true
		}
	}
	return false
}

// matchSearch implements token-based search matching: every whitespace
// separated token must match. A "domain:<host>" token matches when the
// author's resolved domain equals the host; any other token matches when it
// appears in the event content, case-insensitively.
func (b *Bus) matchSearch(search string, event *nostr.Event) bool {
	if search == "" {
		return true
	}

	content := strings.ToLower(event.Content)
	for _, token := range strings.Fields(search) {
		if domain, ok := strings.CutPrefix(token, "domain:"); ok {
			if b.resolve == nil || !strings.EqualFold(b.resolve(event.PubKey), domain) {
				return false
			}
			continue
		}

		if !strings.Contains(content, strings.ToLower(token)) {
			return false
		}
	}
	return true
}

// LogDrops periodically reports subscriptions that are falling behind.
// It is best-effort observability, not flow control.
func (b *Bus) LogDrops() {
	b.subs.Range(func(id string, sub *Subscription) bool {
		if n := sub.Dropped(); n > 0 {
			log.Printf("pubsub: subscription %s dropped %d events", id, n)
		}
		return true
	})
}
