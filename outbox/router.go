package outbox

import (
	"context"
	"log"
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// maxWriteRelays caps how many of an author's write relays are queried.
	maxWriteRelays = 5

	// maxPublishRelays caps how many relays a single event is published to.
	maxPublishRelays = 10
)

// RelayFilter is a filter to be sent to a specific relay.
type RelayFilter struct {
	URL    string
	Filter nostr.Filter
}

// Router plans where to read and write events following NIP-65:
// an author's events are fetched from their write relays, and events
// mentioning a user are delivered to that user's read relays.
type Router struct {
	source   ListSource
	self     string   // this relay's own URL, excluded from publish plans
	defaults []string // fallback relays for users without a known list
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithSelf sets the URL of the local relay, which is never a publish target.
func WithSelf(url string) RouterOption {
	return func(r *Router) {
		if clean, ok := cleanRelayURL(url); ok {
			r.self = clean
		}
	}
}

// WithDefaultRelays sets the fallback relays used when a pubkey has no
// known relay list. Invalid URLs are dropped.
func WithDefaultRelays(urls ...string) RouterOption {
	return func(r *Router) {
		for _, url := range urls {
			if clean, ok := cleanRelayURL(url); ok {
				r.defaults = appendUnique(r.defaults, clean)
			}
		}
	}
}

// NewRouter returns a router resolving relay lists from the source.
func NewRouter(source ListSource, opts ...RouterOption) *Router {
	if source == nil {
		log.Panic("the relay list source must not be nil")
	}

	router := &Router{source: source}
	for _, opt := range opts {
		opt(router)
	}
	return router
}

// PlanSubscription splits the filter into per-relay filters.
// Authors are grouped onto their write relays, so each relay receives the
// filter restricted to the authors that actually publish there. A filter
// without authors goes to the viewer's read relays, or to the defaults
// when the viewer is unknown.
//
// Lookup failures degrade to the defaults rather than failing the plan:
// a stale timeline beats no timeline.
func (r *Router) PlanSubscription(ctx context.Context, filter nostr.Filter, viewer string) []RelayFilter {
	if len(filter.Authors) == 0 {
		return r.broadFilter(ctx, filter, viewer)
	}

	// url -> authors that write there
	groups := make(map[string][]string)
	for _, author := range filter.Authors {
		for _, url := range r.writeRelays(ctx, author) {
			groups[url] = append(groups[url], author)
		}
	}

	plan := make([]RelayFilter, 0, len(groups))
	for url, authors := range groups {
		scoped := filter
		scoped.Authors = authors
		plan = append(plan, RelayFilter{URL: url, Filter: scoped})
	}

	// deterministic order, which also keeps tests simple
	sort.Slice(plan, func(i, j int) bool { return plan[i].URL < plan[j].URL })
	return plan
}

// PlanPublish returns the relays the event should be sent to: the author's
// write relays plus the read relays of every mentioned pubkey, capped at
// maxPublishRelays. The local relay is never included.
func (r *Router) PlanPublish(ctx context.Context, event *nostr.Event) []string {
	var urls []string
	add := func(url string) {
		if url != r.self && len(urls) < maxPublishRelays {
			urls = appendUnique(urls, url)
		}
	}

	for _, url := range r.writeRelays(ctx, event.PubKey) {
		add(url)
	}

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" || !nostr.IsValidPublicKey(tag[1]) {
			continue
		}
		for _, url := range r.readRelays(ctx, tag[1]) {
			add(url)
		}
	}

	return urls
}

// writeRelays returns up to maxWriteRelays write relays of the pubkey,
// falling back to the defaults when no list is known.
func (r *Router) writeRelays(ctx context.Context, pubkey string) []string {
	list, ok, err := r.source.RelayList(ctx, pubkey)
	if err != nil || !ok || len(list.Write) == 0 {
		return r.defaults
	}

	if len(list.Write) > maxWriteRelays {
		return list.Write[:maxWriteRelays]
	}
	return list.Write
}

// readRelays returns up to maxWriteRelays read relays of the pubkey,
// falling back to the defaults when no list is known.
func (r *Router) readRelays(ctx context.Context, pubkey string) []string {
	list, ok, err := r.source.RelayList(ctx, pubkey)
	if err != nil || !ok || len(list.Read) == 0 {
		return r.defaults
	}

	if len(list.Read) > maxWriteRelays {
		return list.Read[:maxWriteRelays]
	}
	return list.Read
}

// broadFilter plans an author-less filter: the viewer's read relays if
// known, the defaults otherwise.
func (r *Router) broadFilter(ctx context.Context, filter nostr.Filter, viewer string) []RelayFilter {
	urls := r.defaults
	if viewer != "" {
		urls = r.readRelays(ctx, viewer)
	}

	plan := make([]RelayFilter, 0, len(urls))
	for _, url := range urls {
		plan = append(plan, RelayFilter{URL: url, Filter: filter})
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].URL < plan[j].URL })
	return plan
}
