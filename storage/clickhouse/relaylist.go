package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bream-house/bream/outbox"
)

// SaveRelayList stores the author's NIP-65 relay list, unless the stored
// one is newer: replaying an older list is a harmless no-op. The table
// engine additionally keeps only the row with the highest created_at.
func (s *Store) SaveRelayList(ctx context.Context, list outbox.RelayList) error {
	current, ok, err := s.RelayList(ctx, list.PubKey)
	if err != nil {
		return err
	}
	if ok && current.Newer(list) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bream.relay_lists (pubkey, created_at, read, write) VALUES (?, ?, ?, ?)
	`, list.PubKey, uint32(list.CreatedAt), list.Read, list.Write)
	if err != nil {
		return fmt.Errorf("failed to save relay list of %s: %w", list.PubKey, err)
	}
	return nil
}

// RelayList returns the latest known NIP-65 relay list of the author.
// It implements [outbox.ListSource]. A missing list is not an error:
// it returns an empty list with ok = false.
func (s *Store) RelayList(ctx context.Context, pubkey string) (outbox.RelayList, bool, error) {
	var list outbox.RelayList
	var createdAt uint32

	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, created_at, read, write
		FROM bream.relay_lists FINAL
		WHERE pubkey = ?
	`, pubkey).Scan(&list.PubKey, &createdAt, &list.Read, &list.Write)

	if errors.Is(err, sql.ErrNoRows) {
		return outbox.RelayList{}, false, nil
	}
	if err != nil {
		return outbox.RelayList{}, false, fmt.Errorf("failed to load relay list of %s: %w", pubkey, err)
	}

	list.CreatedAt = nostr.Timestamp(createdAt)
	return list, true, nil
}
