package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream"
	"github.com/bream-house/bream/firehose"
	"github.com/bream-house/bream/outbox"
	"github.com/bream-house/bream/pipeline"
	"github.com/bream-house/bream/policy"
	"github.com/bream-house/bream/pubsub"
	"github.com/bream-house/bream/storage/clickhouse"
)

func main() {
	cfg := LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bream.HandleSignals(cancel)

	store, err := clickhouse.New(clickhouse.Config{
		DSN:           cfg.ClickHouseDSN,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxOpenConns:  10,
		MaxIdleConns:  5,
	})
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	bus := pubsub.NewBus()
	router := outbox.NewRouter(store,
		outbox.WithSelf(cfg.SelfURL),
		outbox.WithDefaultRelays(cfg.DefaultRelays...),
	)
	publisher := outbox.NewPublisher(ctx)

	// fan fresh events authored by known identities out to their relays
	broadcast := func(ctx context.Context, event *nostr.Event) {
		if _, ok, err := store.RelayList(ctx, event.PubKey); err != nil || !ok {
			return
		}
		if urls := router.PlanPublish(ctx, event); len(urls) > 0 {
			publisher.Publish(ctx, event, urls)
		}
	}

	pipe := pipeline.New(store,
		pipeline.WithPolicy(loadPolicy(cfg)),
		pipeline.WithEligibility(loadEligibility(cfg, store)),
		pipeline.WithSinks(store),
		pipeline.WithBus(bus),
		pipeline.WithBroadcast(broadcast),
	)

	relay := bream.NewRelay(bream.WithDomain(cfg.Domain))
	relay.On.Event = func(ctx context.Context, c bream.Client, event *nostr.Event) error {
		return pipe.HandleEvent(ctx, event)
	}
	relay.On.Req = func(ctx context.Context, c bream.Client, filters nostr.Filters) (bream.EventStream, error) {
		return store.QueryEvents(ctx, filters)
	}
	relay.On.Count = func(ctx context.Context, c bream.Client, filters nostr.Filters) (int64, bool, error) {
		return store.CountEvents(ctx, filters)
	}

	go observe(ctx, bus, store)

	if len(cfg.FirehoseRelays) > 0 {
		intake := firehose.New(cfg.FirehoseRelays, pipe.HandleEvent,
			firehose.WithOnAccept(func(event *nostr.Event) { relay.Broadcast(event) }),
		)

		go func() {
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("firehose stopped: %v", err)
			}
		}()
	}

	log.Printf("bream listening on %s", cfg.ListenAddr)
	if err := relay.StartAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Fatalf("relay stopped: %v", err)
	}

	pipe.Wait()
}

// observe periodically reports subscriptions that are dropping events and
// the day's trending hashtags.
func observe(ctx context.Context, bus *pubsub.Bus, store *clickhouse.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			bus.LogDrops()

			trends, err := store.TopHashtags(ctx, 1, 5)
			if err != nil {
				log.Printf("failed to load trending hashtags: %v", err)
				continue
			}
			for _, trend := range trends {
				log.Printf("trending: #%s (%d uses)", trend.Tag, trend.Uses)
			}
		}
	}
}

// loadPolicy starts the configured policy plugin, falling back to accepting
// everything when none is configured or it cannot run.
func loadPolicy(cfg Config) policy.Policy {
	if cfg.PolicyCommand == "" {
		return policy.AllowAll{}
	}

	plugin, err := policy.NewPlugin(cfg.PolicyCommand, cfg.PolicyArgs)
	if err != nil {
		log.Printf("policy plugin %q unavailable, accepting everything: %v", cfg.PolicyCommand, err)
		return policy.AllowAll{}
	}
	return plugin
}

func loadEligibility(cfg Config, store *clickhouse.Store) pipeline.Eligibility {
	switch cfg.Eligibility {
	case "known":
		// an author is known once we have seen their relay list, or
		// recent activity of theirs through the firehose
		return pipeline.AdmitKnown(func(ctx context.Context, pubkey string) (bool, error) {
			if _, ok, err := store.RelayList(ctx, pubkey); err != nil || ok {
				return ok, err
			}

			events, err := store.AuthorActivity(ctx, pubkey, 90)
			return events > 0, err
		})

	case "", "any":
		return pipeline.AdmitAny

	default:
		log.Fatalf("unknown eligibility strategy %q", cfg.Eligibility)
		return nil
	}
}
