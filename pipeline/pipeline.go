// Package pipeline implements the single ingestion gate every inbound event
// passes through, whether it arrived from a relay client, an authenticated
// REST write or the firehose. The gate deduplicates, consults the policy,
// applies the admission strategy, writes durably and fires the side effects,
// guaranteeing one consistent contract regardless of origin.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"github.com/bream-house/bream/outbox"
	"github.com/bream-house/bream/policy"
	"github.com/bream-house/bream/pubsub"
	"github.com/bream-house/bream/reject"
	"github.com/bream-house/bream/storage"
)

const (
	// DefaultDedupeSize is how many recent event verdicts are remembered.
	DefaultDedupeSize = 10_000

	// DefaultFreshAge is the maximum age for an event to be considered
	// fresh. Older events are treated as backfill and are not fanned out
	// to live subscribers or to remote relays.
	DefaultFreshAge = 5 * time.Minute

	// effectTimeout bounds each side effect independently of the caller.
	effectTimeout = 5 * time.Second
)

// Store is the storage surface the pipeline needs.
type Store interface {
	storage.Writer
	storage.Querier
}

// Sinks receives the fire-and-forget aggregations extracted from accepted
// events. Failures are logged, never surfaced to the event's submitter.
type Sinks interface {
	BumpAuthor(ctx context.Context, pubkey string, at time.Time) error
	RecordHashtags(ctx context.Context, hashtags []string, at time.Time) error
	RecordRelayURLs(ctx context.Context, urls []string, at time.Time) error
	SaveRelayList(ctx context.Context, list outbox.RelayList) error
}

type handler func(ctx context.Context, event *nostr.Event) error

// Pipeline is the ingestion gate. Safe for concurrent use.
type Pipeline struct {
	store  Store
	policy policy.Policy
	admit  Eligibility
	sinks  Sinks
	bus    *pubsub.Bus

	// broadcast, when set, fans fresh events out to remote relays.
	broadcast func(ctx context.Context, event *nostr.Event)

	handlers map[int]handler

	dedupeSize int
	freshAge   time.Duration

	group   singleflight.Group
	seen    *lru.Cache[string, error]
	effects sync.WaitGroup
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithPolicy sets the moderation policy. The default accepts everything.
func WithPolicy(p policy.Policy) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.policy = p
		}
	}
}

// WithEligibility sets the admission strategy. The default is [AdmitAny].
func WithEligibility(e Eligibility) Option {
	return func(pl *Pipeline) {
		if e != nil {
			pl.admit = e
		}
	}
}

// WithSinks enables the statistic and trend side effects.
func WithSinks(s Sinks) Option {
	return func(pl *Pipeline) { pl.sinks = s }
}

// WithBus publishes fresh accepted events to the live broadcast bus.
func WithBus(b *pubsub.Bus) Option {
	return func(pl *Pipeline) { pl.bus = b }
}

// WithBroadcast fans fresh accepted events out to remote relays.
// The callback decides itself which events qualify.
func WithBroadcast(fn func(ctx context.Context, event *nostr.Event)) Option {
	return func(pl *Pipeline) { pl.broadcast = fn }
}

// WithDedupeSize sets how many recent verdicts are remembered.
func WithDedupeSize(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.dedupeSize = n
		}
	}
}

// WithFreshAge sets the maximum age for live fan-out.
func WithFreshAge(d time.Duration) Option {
	return func(pl *Pipeline) {
		if d > 0 {
			pl.freshAge = d
		}
	}
}

// New returns a pipeline writing to the store.
func New(store Store, opts ...Option) *Pipeline {
	if store == nil {
		log.Panic("the store must not be nil")
	}

	p := &Pipeline{
		store:      store,
		policy:     policy.AllowAll{},
		admit:      AdmitAny,
		dedupeSize: DefaultDedupeSize,
		freshAge:   DefaultFreshAge,
	}

	for _, opt := range opts {
		opt(p)
	}

	// lru.New only fails on a non-positive size
	p.seen, _ = lru.New[string, error](p.dedupeSize)

	p.handlers = map[int]handler{
		nostr.KindDeletion:          p.handleDeletion,
		nostr.KindRelayListMetadata: p.handleRelayList,
	}
	return p
}

// HandleEvent runs the event through the gate and returns its verdict:
// nil means accepted, a classified [reject.Reason] explains a rejection,
// anything else is an internal failure the caller should not show verbatim.
//
// The same event ID always yields the same verdict within the dedupe
// window, and side effects run at most once per ID, even under concurrent
// submission from multiple sources.
func (p *Pipeline) HandleEvent(ctx context.Context, event *nostr.Event) error {
	if verdict, ok := p.seen.Get(event.ID); ok {
		return verdict
	}

	_, verdict, _ := p.group.Do(event.ID, func() (any, error) {
		if verdict, ok := p.seen.Get(event.ID); ok {
			return nil, verdict
		}

		verdict := p.process(ctx, event)
		p.seen.Add(event.ID, verdict)
		return nil, verdict
	})
	return verdict
}

// Wait blocks until all in-flight side effects have finished. Used at
// shutdown.
func (p *Pipeline) Wait() { p.effects.Wait() }

func (p *Pipeline) process(ctx context.Context, event *nostr.Event) error {
	allowed, reason, err := p.policy.Call(ctx, event)
	switch {
	case err != nil:
		// the policy could not be evaluated; admit rather than punishing
		// the author for an operational failure
		log.Printf("pipeline: policy failed on event %s: %v", event.ID, err)

	case !allowed:
		if reason == "" {
			reason = "the event was not accepted"
		}
		return reject.Blocked("%s", reason)
	}

	if err := p.admit(ctx, event); err != nil {
		return err
	}

	if handler, ok := p.handlers[event.Kind]; ok {
		return handler(ctx, event)
	}
	return p.handleDefault(ctx, event)
}

// handleDefault stores the event unless its kind is ephemeral, then fires
// the side effects. Replaceable and addressable kinds supersede the
// author's previous version instead of accumulating.
func (p *Pipeline) handleDefault(ctx context.Context, event *nostr.Event) error {
	if !nostr.IsEphemeralKind(event.Kind) {
		revoked, err := p.revoked(ctx, event)
		if err != nil {
			return err
		}
		if revoked {
			return reject.Blocked("the event was deleted")
		}

		save := p.store.SaveEvent
		if nostr.IsReplaceableKind(event.Kind) || nostr.IsAddressableKind(event.Kind) {
			save = p.store.ReplaceEvent
		}

		if err := save(ctx, event); err != nil {
			return fmt.Errorf("failed to save event %s: %w", event.ID, err)
		}
	}

	p.sideEffects(event)
	return nil
}

// handleDeletion erases the referenced events authored by the deleting
// pubkey, then stores the deletion itself so the revocation survives.
func (p *Pipeline) handleDeletion(ctx context.Context, event *nostr.Event) error {
	var ids []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			ids = append(ids, tag[1])
		}
	}

	if len(ids) == 0 {
		return reject.Invalid("deletion event references no events")
	}

	if _, err := p.store.DeleteEvents(ctx, event.PubKey, ids); err != nil {
		return fmt.Errorf("failed to delete events referenced by %s: %w", event.ID, err)
	}

	if err := p.store.SaveEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to save deletion %s: %w", event.ID, err)
	}

	p.sideEffects(event)
	return nil
}

// handleRelayList updates the author's outbox routing table in addition
// to storing the event.
func (p *Pipeline) handleRelayList(ctx context.Context, event *nostr.Event) error {
	list, err := outbox.ParseRelayList(event)
	if err != nil {
		return reject.Invalid("malformed relay list")
	}

	if p.sinks != nil {
		if err := p.sinks.SaveRelayList(ctx, list); err != nil {
			return fmt.Errorf("failed to save relay list of %s: %w", event.PubKey, err)
		}
	}

	// relay lists are replaceable: only the latest one per author survives
	if err := p.store.ReplaceEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to save event %s: %w", event.ID, err)
	}

	p.sideEffects(event)
	return nil
}

// revoked reports whether a deletion by the same author already references
// this event ID.
func (p *Pipeline) revoked(ctx context.Context, event *nostr.Event) (bool, error) {
	count, _, err := p.store.CountEvents(ctx, nostr.Filters{{
		Kinds:   []int{nostr.KindDeletion},
		Authors: []string{event.PubKey},
		Tags:    nostr.TagMap{"e": {event.ID}},
	}})
	if err != nil {
		return false, fmt.Errorf("deletion check failed for %s: %w", event.ID, err)
	}
	return count > 0, nil
}

// sideEffects fires the post-write effects. Each runs in its own goroutine
// with its own timeout; failures are logged and never change the verdict.
func (p *Pipeline) sideEffects(event *nostr.Event) {
	now := time.Now()

	if p.sinks != nil {
		p.runEffect("author stats", func(ctx context.Context) error {
			return p.sinks.BumpAuthor(ctx, event.PubKey, now)
		})

		if hashtags := tagValues(event, "t"); len(hashtags) > 0 {
			p.runEffect("hashtag trends", func(ctx context.Context) error {
				return p.sinks.RecordHashtags(ctx, hashtags, now)
			})
		}

		if urls := tagValues(event, "r"); len(urls) > 0 {
			p.runEffect("relay tracking", func(ctx context.Context) error {
				return p.sinks.RecordRelayURLs(ctx, urls, now)
			})
		}
	}

	if !p.fresh(event, now) {
		return
	}

	if p.bus != nil {
		p.bus.Publish(event)
	}

	if p.broadcast != nil {
		p.runEffect("outbox broadcast", func(ctx context.Context) error {
			p.broadcast(ctx, event)
			return nil
		})
	}
}

func (p *Pipeline) runEffect(name string, fn func(context.Context) error) {
	p.effects.Add(1)
	go func() {
		defer p.effects.Done()

		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Printf("pipeline: %s failed: %v", name, err)
		}
	}()
}

// fresh reports whether the event was created recently enough to be fanned
// out live. Replayed backfill must not reach live subscribers.
func (p *Pipeline) fresh(event *nostr.Event, now time.Time) bool {
	age := now.Sub(event.CreatedAt.Time())
	return age < p.freshAge
}

func tagValues(event *nostr.Event, key string) []string {
	var values []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == key && tag[1] != "" {
			values = append(values, tag[1])
		}
	}
	return values
}
