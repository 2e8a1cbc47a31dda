package pipeline

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream/reject"
)

// Eligibility decides whether an event may enter durable storage.
// Returning nil admits it; a classified [reject.Reason] rejects it with a
// client-safe explanation.
type Eligibility func(ctx context.Context, event *nostr.Event) error

// AdmitAny admits every event that passed the policy.
func AdmitAny(ctx context.Context, event *nostr.Event) error { return nil }

// AdmitKnown admits only events authored by a known identity, e.g. local
// accounts or followed authors.
func AdmitKnown(known func(ctx context.Context, pubkey string) (bool, error)) Eligibility {
	return func(ctx context.Context, event *nostr.Event) error {
		ok, err := known(ctx, event.PubKey)
		if err != nil {
			return fmt.Errorf("failed to check author %s: %w", event.PubKey, err)
		}

		if !ok {
			return reject.Blocked("only registered users can post")
		}
		return nil
	}
}
