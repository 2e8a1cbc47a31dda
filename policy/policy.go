// Package policy defines the event moderation capability: an external
// authority that approves or rejects events independently of protocol
// mechanics.
package policy

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Policy decides whether an event may enter the system.
// The reason is safe to show to clients verbatim. An error means the
// policy could not be evaluated, not that the event was rejected.
type Policy interface {
	Call(ctx context.Context, event *nostr.Event) (allowed bool, reason string, err error)
}

// AllowAll accepts every event. It's the fallback when no policy is
// configured or the configured one cannot run.
type AllowAll struct{}

func (AllowAll) Call(ctx context.Context, event *nostr.Event) (bool, string, error) {
	return true, "", nil
}

// Func adapts a function to the [Policy] interface.
type Func func(ctx context.Context, event *nostr.Event) (bool, string, error)

func (f Func) Call(ctx context.Context, event *nostr.Event) (bool, string, error) {
	return f(ctx, event)
}
