package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const defaultPublishTimeout = 10 * time.Second

// Publisher delivers events to remote relays, reusing connections
// across publishes.
type Publisher struct {
	pool    *nostr.SimplePool
	timeout time.Duration
	logs    bool
}

// PublisherOption configures a [Publisher].
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds how long a single publish may take per relay.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPublishLogs enables logging of failed publishes.
func WithPublishLogs() PublisherOption {
	return func(p *Publisher) { p.logs = true }
}

// NewPublisher returns a publisher whose relay connections live as long
// as the context.
func NewPublisher(ctx context.Context, opts ...PublisherOption) *Publisher {
	publisher := &Publisher{
		pool:    nostr.NewSimplePool(ctx),
		timeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(publisher)
	}
	return publisher
}

// Publish sends the event to all relays concurrently and returns how many
// accepted it. Per-relay failures don't stop the others.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event, urls []string) int {
	var wg sync.WaitGroup
	results := make(chan bool, len(urls))

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			results <- p.publishOne(ctx, event, url)
		}(url)
	}

	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	return accepted
}

func (p *Publisher) publishOne(ctx context.Context, event *nostr.Event, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	relay, err := p.pool.EnsureRelay(url)
	if err != nil {
		if p.logs {
			log.Printf("failed to connect to %s: %v", url, err)
		}
		return false
	}

	if err := relay.Publish(ctx, *event); err != nil {
		if p.logs {
			log.Printf("failed to publish %s to %s: %v", event.ID, url, err)
		}
		return false
	}
	return true
}
