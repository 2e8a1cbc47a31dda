package clickhouse

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// batchInserter continuously batches and inserts events.
func (s *Store) batchInserter() {
	defer close(s.batchDone)

	buffer := make([]*nostr.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}

		start := time.Now()
		if err := s.insertEvents(context.Background(), buffer); err != nil {
			log.Printf("batch insert error: %v", err)
		} else {
			log.Printf("inserted batch of %d events in %s", len(buffer), time.Since(start))
		}

		buffer = buffer[:0]
	}

	for {
		select {
		case <-s.stopBatch:
			flush()
			return

		case <-ticker.C:
			flush()

		case event := <-s.batchChan:
			buffer = append(buffer, event)
			if len(buffer) >= s.batchSize {
				flush()
			}
		}
	}
}

// insertEvents inserts the events in a single transaction.
func (s *Store) insertEvents(ctx context.Context, events []*nostr.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bream.events (
			id, pubkey, created_at, kind, content, sig,
			tags, tag_e, tag_p, tag_t, tag_d,
			received_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := uint32(time.Now().Unix())

	for _, event := range events {
		_, err := stmt.ExecContext(ctx,
			event.ID,
			event.PubKey,
			uint32(event.CreatedAt),
			uint16(event.Kind),
			event.Content,
			event.Sig,
			tagsToArrays(event.Tags),
			tagValues(event.Tags, "e"),
			tagValues(event.Tags, "p"),
			tagValues(event.Tags, "t"),
			firstTagValue(event.Tags, "d"),
			now, // received_at
			now, // version, used for deduplication
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// tagValues extracts all values for the given tag name.
func tagValues(tags nostr.Tags, name string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// firstTagValue returns the first value for the given tag name.
func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// tagsToArrays converts nostr.Tags to [][]string for the
// ClickHouse Array(Array(String)) column.
func tagsToArrays(tags nostr.Tags) [][]string {
	result := make([][]string, len(tags))
	for i, tag := range tags {
		result[i] = []string(tag)
	}
	return result
}
