package clickhouse

import (
	"context"
	"fmt"
	"time"
)

// Hashtag is an aggregated row of the trends table.
type Hashtag struct {
	Tag  string
	Uses uint64
}

// RecordHashtags bumps the daily usage counter of each hashtag.
func (s *Store) RecordHashtags(ctx context.Context, hashtags []string, at time.Time) error {
	if len(hashtags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bream.hashtag_trends (tag, day, uses) VALUES (?, ?, 1)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	day := at.UTC().Truncate(24 * time.Hour)
	for _, tag := range hashtags {
		if _, err := stmt.ExecContext(ctx, tag, day); err != nil {
			return fmt.Errorf("failed to record hashtag %q: %w", tag, err)
		}
	}

	return tx.Commit()
}

// TopHashtags returns the most used hashtags over the last days.
func (s *Store) TopHashtags(ctx context.Context, days int, limit int) ([]Hashtag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, sum(uses) AS total
		FROM bream.hashtag_trends
		WHERE day >= today() - ?
		GROUP BY tag
		ORDER BY total DESC
		LIMIT ?
	`, days, limit)
	if err != nil {
		return nil, fmt.Errorf("trends query failed: %w", err)
	}
	defer rows.Close()

	var trends []Hashtag
	for rows.Next() {
		var t Hashtag
		if err := rows.Scan(&t.Tag, &t.Uses); err != nil {
			return nil, fmt.Errorf("failed to scan trend: %w", err)
		}
		trends = append(trends, t)
	}
	return trends, rows.Err()
}

// BumpAuthor increments the daily event counter of the author.
func (s *Store) BumpAuthor(ctx context.Context, pubkey string, at time.Time) error {
	day := at.UTC().Truncate(24 * time.Hour)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bream.author_stats (pubkey, day, events) VALUES (?, ?, 1)`, pubkey, day)
	if err != nil {
		return fmt.Errorf("failed to bump author %s: %w", pubkey, err)
	}
	return nil
}

// AuthorActivity returns how many events the author published over the last days.
func (s *Store) AuthorActivity(ctx context.Context, pubkey string, days int) (uint64, error) {
	var events uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT sum(events) FROM bream.author_stats
		WHERE pubkey = ? AND day >= today() - ?
	`, pubkey, days).Scan(&events)
	if err != nil {
		return 0, fmt.Errorf("activity query failed: %w", err)
	}
	return events, nil
}

// RecordRelayURLs bumps the daily reference counter of each relay URL,
// feeding relay discovery.
func (s *Store) RecordRelayURLs(ctx context.Context, urls []string, at time.Time) error {
	if len(urls) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bream.seen_relays (url, day, refs) VALUES (?, ?, 1)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	day := at.UTC().Truncate(24 * time.Hour)
	for _, url := range urls {
		if _, err := stmt.ExecContext(ctx, url, day); err != nil {
			return fmt.Errorf("failed to record relay %q: %w", url, err)
		}
	}

	return tx.Commit()
}
