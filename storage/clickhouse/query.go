package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream"
)

// maxQueryLimit caps how many events a single filter can return.
const maxQueryLimit = 5000

// QueryEvents returns a stream of stored events matching any of the filters,
// newest first within each filter, deduplicated by ID across filters.
// Results are streamed row by row instead of being buffered in memory.
func (s *Store) QueryEvents(ctx context.Context, filters nostr.Filters) (bream.EventStream, error) {
	return &rowStream{
		ctx:     ctx,
		db:      s.db,
		filters: filters,
		seen:    make(map[string]struct{}),
	}, nil
}

// CountEvents returns the exact number of stored events matching the filters.
func (s *Store) CountEvents(ctx context.Context, filters nostr.Filters) (int64, bool, error) {
	var total int64
	for _, filter := range filters {
		if bream.IsImpossible(filter) {
			continue
		}
		where, args := buildConditions(filter)

		var count int64
		query := `SELECT count() FROM bream.events FINAL WHERE ` + where
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
			return 0, false, fmt.Errorf("count query failed: %w", err)
		}

		total += count
	}
	return total, false, nil
}

// buildQuery constructs the select query for a single filter. An
// unspecified limit is clamped to the maximum; callers must not pass
// LimitZero filters, which ask for no stored rows at all.
func buildQuery(filter nostr.Filter) (string, []any) {
	where, args := buildConditions(filter)

	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := `SELECT id, pubkey, created_at, kind, content, sig, tags FROM bream.events FINAL WHERE ` +
		where + fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	return query, args
}

// buildConditions translates the filter into a WHERE clause shared by the
// select and count queries. Soft-deleted rows are always excluded.
func buildConditions(filter nostr.Filter) (string, []any) {
	var conditions []string
	var args []any

	conditions = append(conditions, "deleted = 0")

	in := func(column string, values []string) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, placeholders))
		for _, v := range values {
			args = append(args, v)
		}
	}

	if len(filter.IDs) > 0 {
		in("id", filter.IDs)
	}

	if len(filter.Authors) > 0 {
		in("pubkey", filter.Authors)
	}

	if len(filter.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Kinds)), ",")
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders))
		for _, kind := range filter.Kinds {
			args = append(args, uint16(kind))
		}
	}

	if filter.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, uint32(*filter.Since))
	}

	if filter.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, uint32(*filter.Until))
	}

	for key, values := range filter.Tags {
		if len(values) == 0 {
			continue
		}

		switch key {
		case "e", "p", "t":
			// common tags have their own extracted column
			conditions = append(conditions, fmt.Sprintf("hasAny(tag_%s, ?)", key))
			args = append(args, values)

		case "d":
			in("tag_d", values)

		default:
			// fall back to scanning the raw tags array
			conditions = append(conditions, "arrayExists(t -> length(t) >= 2 AND t[1] = ? AND has(?, t[2]), tags)")
			args = append(args, key, values)
		}
	}

	if filter.Search != "" {
		for _, token := range strings.Fields(filter.Search) {
			conditions = append(conditions, "hasTokenCaseInsensitive(content, ?)")
			args = append(args, token)
		}
	}

	return strings.Join(conditions, " AND "), args
}

// rowStream is a [bream.EventStream] that walks the filters one at a time,
// scanning rows lazily and skipping IDs already returned by earlier filters.
type rowStream struct {
	ctx     context.Context
	db      *sql.DB
	filters nostr.Filters

	next int // index of the next filter to run
	rows *sql.Rows
	seen map[string]struct{}
}

func (s *rowStream) Next(ctx context.Context) (*nostr.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if s.rows == nil {
			if s.next >= len(s.filters) {
				return nil, io.EOF
			}

			filter := s.filters[s.next]
			s.next++

			// limit-zero filters ask for no stored rows, and filters
			// with a present-but-empty required set match nothing
			if filter.LimitZero || bream.IsImpossible(filter) {
				continue
			}

			query, args := buildQuery(filter)
			rows, err := s.db.QueryContext(s.ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", err)
			}
			s.rows = rows
		}

		for s.rows.Next() {
			event, err := scanEvent(s.rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan event: %w", err)
			}

			if _, dup := s.seen[event.ID]; dup {
				continue
			}
			s.seen[event.ID] = struct{}{}
			return event, nil
		}

		err := s.rows.Err()
		s.rows.Close()
		s.rows = nil

		if err != nil {
			return nil, fmt.Errorf("row iteration error: %w", err)
		}
	}
}

func (s *rowStream) Close() error {
	if s.rows != nil {
		return s.rows.Close()
	}
	return nil
}

func scanEvent(rows *sql.Rows) (*nostr.Event, error) {
	var event nostr.Event
	var createdAt uint32
	var kind uint16
	var tags [][]string

	err := rows.Scan(
		&event.ID,
		&event.PubKey,
		&createdAt,
		&kind,
		&event.Content,
		&event.Sig,
		&tags,
	)
	if err != nil {
		return nil, err
	}

	event.CreatedAt = nostr.Timestamp(createdAt)
	event.Kind = int(kind)
	event.Tags = make(nostr.Tags, len(tags))
	for i, tag := range tags {
		event.Tags[i] = nostr.Tag(tag)
	}

	return &event, nil
}
