// Package storage defines the narrow interfaces the relay and the ingestion
// pipeline require from a durable event store. Implementations live in
// subpackages (e.g. clickhouse).
package storage

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage: the store is closed")

// Writer persists events and processes deletions.
type Writer interface {
	// SaveEvent durably stores the event. Saving the same event twice
	// must not produce duplicates.
	SaveEvent(ctx context.Context, event *nostr.Event) error

	// ReplaceEvent stores the event and supersedes the author's previous
	// event of the same replaceable kind; for addressable kinds the d tag
	// scopes the replacement. An event older than the stored version is
	// dropped without error.
	ReplaceEvent(ctx context.Context, event *nostr.Event) error

	// DeleteEvents marks the events with the given IDs as deleted, but
	// only those authored by the given pubkey. It returns the number of
	// events actually deleted.
	DeleteEvents(ctx context.Context, author string, ids []string) (int64, error)
}

// Querier answers REQ and COUNT queries from stored events.
type Querier interface {
	// QueryEvents returns a stream of stored events matching any of the
	// filters, newest first, deduplicated by ID.
	QueryEvents(ctx context.Context, filters nostr.Filters) (bream.EventStream, error)

	// CountEvents returns how many stored events match the filters, and
	// whether the count is approximate.
	CountEvents(ctx context.Context, filters nostr.Filters) (int64, bool, error)
}

// Store is the full surface required by the relay.
type Store interface {
	Writer
	Querier
	Close() error
}
