// Package firehose ingests events from remote relays in the background,
// feeding them through the same pipeline gate as relay clients and REST
// writes.
package firehose

import (
	"context"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/bream-house/bream/reject"
)

const (
	// DefaultEventsPerSecond shapes the intake so a burst on a remote
	// relay cannot saturate the pipeline.
	DefaultEventsPerSecond = 50
	DefaultBurst           = 100

	// handleTimeout bounds each pipeline invocation. The firehose is a
	// bulk path; a slow event must not stall the stream behind it.
	handleTimeout = time.Second
)

// Handler is the ingestion gate the firehose feeds, typically
// pipeline.HandleEvent.
type Handler func(ctx context.Context, event *nostr.Event) error

// Firehose subscribes to a set of remote relays and pushes every received
// event into the handler, rate shaped.
type Firehose struct {
	relays  []string
	filters nostr.Filters
	handle  Handler
	limiter *rate.Limiter

	// onAccept runs for every event the handler accepted, e.g. to
	// broadcast it to local websocket subscribers.
	onAccept func(event *nostr.Event)
	logs     bool
}

// Option configures a [Firehose].
type Option func(*Firehose)

// WithFilters sets the subscription filters. The default follows notes,
// reposts, reactions, deletions and relay lists.
func WithFilters(filters nostr.Filters) Option {
	return func(f *Firehose) {
		if len(filters) > 0 {
			f.filters = filters
		}
	}
}

// WithRateLimit shapes the intake to the given sustained rate and burst.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(f *Firehose) {
		if eventsPerSecond > 0 && burst > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

// WithOnAccept runs the callback for every accepted event.
func WithOnAccept(fn func(event *nostr.Event)) Option {
	return func(f *Firehose) { f.onAccept = fn }
}

// WithRejectionLogs logs classified rejections, which are otherwise
// silently expected on a bulk path.
func WithRejectionLogs() Option {
	return func(f *Firehose) { f.logs = true }
}

// New returns a firehose reading from the relays.
func New(relays []string, handle Handler, opts ...Option) *Firehose {
	if len(relays) == 0 {
		log.Panic("the firehose needs at least one relay")
	}
	if handle == nil {
		log.Panic("the handler must not be nil")
	}

	f := &Firehose{
		relays: relays,
		filters: nostr.Filters{{
			Kinds: []int{
				nostr.KindTextNote,
				nostr.KindRepost,
				nostr.KindReaction,
				nostr.KindDeletion,
				nostr.KindRelayListMetadata,
			},
		}},
		handle:  handle,
		limiter: rate.NewLimiter(DefaultEventsPerSecond, DefaultBurst),
	}

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run consumes the relays until the context is cancelled. The pool
// reconnects on its own; Run only returns on cancellation.
func (f *Firehose) Run(ctx context.Context) error {
	pool := nostr.NewSimplePool(ctx)

	for received := range pool.SubMany(ctx, f.relays, f.filters) {
		if received.Event == nil {
			continue
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		f.ingest(ctx, received.Event)
	}
	return ctx.Err()
}

func (f *Firehose) ingest(ctx context.Context, event *nostr.Event) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	err := f.handle(ctx, event)
	if err == nil {
		if f.onAccept != nil {
			f.onAccept(event)
		}
		return
	}

	if _, classified := reject.From(err); classified {
		if f.logs {
			log.Printf("firehose: event %s rejected: %v", event.ID, err)
		}
		return
	}

	log.Printf("firehose: failed to ingest event %s: %v", event.ID, err)
}
