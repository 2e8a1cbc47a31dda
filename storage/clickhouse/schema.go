package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are idempotent and applied in order at startup.
var migrations = []string{
	`CREATE DATABASE IF NOT EXISTS bream`,

	// The main event table. Rows are deduplicated by ID via the
	// ReplacingMergeTree engine, and deletions are soft (deleted = 1)
	// so queries must always filter on deleted = 0.
	`CREATE TABLE IF NOT EXISTS bream.events (
		id String,
		pubkey String,
		created_at UInt32,
		kind UInt16,
		content String,
		sig String,
		tags Array(Array(String)),
		tag_e Array(String),
		tag_p Array(String),
		tag_t Array(String),
		tag_d String,
		received_at UInt32,
		version UInt32,
		deleted UInt8 DEFAULT 0,
		INDEX idx_pubkey pubkey TYPE bloom_filter GRANULARITY 4,
		INDEX idx_kind kind TYPE set(1000) GRANULARITY 4,
		INDEX idx_created created_at TYPE minmax GRANULARITY 4
	) ENGINE = ReplacingMergeTree(version, deleted)
	ORDER BY (id, created_at)
	PRIMARY KEY (id)`,

	// Daily hashtag usage, pre-aggregated for the trends queries.
	`CREATE TABLE IF NOT EXISTS bream.hashtag_trends (
		tag String,
		day Date,
		uses UInt64
	) ENGINE = SummingMergeTree(uses)
	ORDER BY (day, tag)`,

	// Daily per-author activity counters.
	`CREATE TABLE IF NOT EXISTS bream.author_stats (
		pubkey String,
		day Date,
		events UInt64
	) ENGINE = SummingMergeTree(events)
	ORDER BY (pubkey, day)`,

	// Relay URLs referenced by ingested events, for relay discovery.
	`CREATE TABLE IF NOT EXISTS bream.seen_relays (
		url String,
		day Date,
		refs UInt64
	) ENGINE = SummingMergeTree(refs)
	ORDER BY (day, url)`,

	// The latest NIP-65 relay list of each author. The engine keeps the
	// row with the highest created_at, so replaying an older list is a no-op.
	`CREATE TABLE IF NOT EXISTS bream.relay_lists (
		pubkey String,
		created_at UInt32,
		read Array(String),
		write Array(String)
	) ENGINE = ReplacingMergeTree(created_at)
	ORDER BY (pubkey)
	PRIMARY KEY (pubkey)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
