package store

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

var _ port.DedupStore = (*Store)(nil)

// ReclaimAfter is how long a recorded message may stay unprocessed before a
// redelivery of it is handled again.
const ReclaimAfter = 2 * time.Minute

// MarkSeen records an inbound provider message id. It returns false when the
// id was recorded before, i.e. the provider is redelivering, unless the
// earlier attempt never finished and is older than ReclaimAfter.
func (s *Store) MarkSeen(ctx context.Context, messageID, phone string, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO inbound_dedup (message_id, phone, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, phone, receivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE inbound_dedup SET received_at = ? WHERE message_id = ? AND processed_at IS NULL AND received_at < ?`),
		receivedAt.UTC(), messageID, receivedAt.Add(-ReclaimAfter).UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim inbound failed: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed stamps a recorded message as fully handled.
func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// PurgeDedup deletes records received before cutoff. Providers stop
// redelivering long before that.
func (s *Store) PurgeDedup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dedup failed: %w", err)
	}
	return res.RowsAffected()
}
