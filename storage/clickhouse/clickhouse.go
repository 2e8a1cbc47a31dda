// Package clickhouse implements the storage interfaces on top of ClickHouse,
// with batched inserts tuned for high event throughput.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/nbd-wtf/go-nostr"
)

type Store struct {
	db *sql.DB

	batchSize     int
	flushInterval time.Duration
	batchChan     chan *nostr.Event
	stopBatch     chan struct{}
	batchDone     chan struct{}
}

type Config struct {
	// Connection string, e.g. "clickhouse://localhost:9000/bream"
	DSN string

	// Batch insertion settings
	BatchSize     int           // number of events to batch before inserting (default: 1000)
	FlushInterval time.Duration // max time to wait before flushing a batch (default: 1s)

	// Connection pool settings
	MaxOpenConns int // default: 10
	MaxIdleConns int // default: 5
}

func DefaultConfig() Config {
	return Config{
		DSN:           "clickhouse://localhost:9000/bream",
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
		MaxOpenConns:  10,
		MaxIdleConns:  5,
	}
}

// New opens the connection pool, verifies connectivity, applies the schema
// and starts the batch inserter.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	store := &Store{
		db:            db,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		batchChan:     make(chan *nostr.Event, cfg.BatchSize*2),
		stopBatch:     make(chan struct{}),
		batchDone:     make(chan struct{}),
	}

	go store.batchInserter()

	log.Printf("clickhouse store initialized (batch_size=%d, flush_interval=%s)",
		cfg.BatchSize, cfg.FlushInterval)

	return store, nil
}

// Close flushes the pending batch and shuts down the connection pool.
func (s *Store) Close() error {
	close(s.stopBatch)
	<-s.batchDone
	return s.db.Close()
}

// SaveEvent queues the event for batched insertion. It only blocks when the
// batch channel is full, in which case it falls back to a direct insert.
func (s *Store) SaveEvent(ctx context.Context, event *nostr.Event) error {
	select {
	case s.batchChan <- event:
		return nil
	default:
		log.Printf("batch channel full, falling back to direct insert for event %s", event.ID)
		return s.insertEvents(ctx, []*nostr.Event{event})
	}
}

// ReplaceEvent inserts the event after soft-deleting the author's older
// versions of the same kind. For addressable kinds the d tag scopes the
// replacement. When the store already holds a version at least as recent,
// the incoming event is dropped without error.
func (s *Store) ReplaceEvent(ctx context.Context, event *nostr.Event) error {
	conditions := "pubkey = ? AND kind = ? AND deleted = 0"
	args := []any{event.PubKey, uint16(event.Kind)}

	if nostr.IsAddressableKind(event.Kind) {
		conditions += " AND tag_d = ?"
		args = append(args, firstTagValue(event.Tags, "d"))
	}

	var newer int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count() FROM bream.events FINAL WHERE `+conditions+` AND created_at >= ?`,
		append(args, uint32(event.CreatedAt))...,
	).Scan(&newer)
	if err != nil {
		return fmt.Errorf("failed to check for a newer version of %s: %w", event.ID, err)
	}
	if newer > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`ALTER TABLE bream.events UPDATE deleted = 1 WHERE `+conditions,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede older versions of %s: %w", event.ID, err)
	}

	// replacements bypass the batch: the superseded rows are already gone
	return s.insertEvents(ctx, []*nostr.Event{event})
}

// DeleteEvents marks the events as deleted, but only those authored by the
// given pubkey. It returns how many rows were visible before the mutation.
func (s *Store) DeleteEvents(ctx context.Context, author string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, author)

	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT count() FROM bream.events FINAL
		WHERE id IN (%s) AND pubkey = ? AND deleted = 0
	`, placeholders), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deletable events: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		ALTER TABLE bream.events UPDATE deleted = 1
		WHERE id IN (%s) AND pubkey = ?
	`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	return count, nil
}

// Ping checks if the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
