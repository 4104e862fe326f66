package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"tubarr/internal/domain"
)

var ErrNotFound = errors.New("subscription not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSubscription inserts or fully replaces a subscription record. The
// monotone fields (sequence_anchor, last_position) are never written here;
// they move only through SetAnchor and CommitSyncResult.
func (s *Store) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions
(id, source_url, display_name, season, enabled, start_number, start_offset, retention_mode, retention_value, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
display_name = excluded.display_name,
season = excluded.season,
enabled = excluded.enabled,
retention_mode = excluded.retention_mode,
retention_value = excluded.retention_value,
updated_at = excluded.updated_at`,
		sub.ID, sub.SourceURL, sub.DisplayName, sub.Season, boolToInt(sub.Enabled),
		sub.StartNumber, sub.StartOffset, string(sub.Retention.Mode), sub.Retention.Value,
		createdAt.Format(time.RFC3339Nano), updatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, source_url, display_name, season, enabled,
sequence_anchor, last_position, start_number, start_offset, retention_mode, retention_value, created_at, updated_at
FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_url, display_name, season, enabled,
sequence_anchor, last_position, start_number, start_offset, retention_mode, retention_value, created_at, updated_at
FROM subscriptions ORDER BY LOWER(display_name)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0, 8)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) HasSubscriptionByURL(ctx context.Context, url string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions WHERE source_url = ?", url).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetAnchor records the sequence anchor exactly once; later calls are no-ops
// so local numbering stays stable even if the remote listing is trimmed.
func (s *Store) SetAnchor(ctx context.Context, id string, anchor int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET sequence_anchor = ? WHERE id = ? AND sequence_anchor = 0",
		anchor, id)
	return err
}

// SeenItems returns the append-only de-duplication index for a subscription.
func (s *Store) SeenItems(ctx context.Context, id string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT remote_id FROM seen_items WHERE subscription_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{}, 64)
	for rows.Next() {
		var remoteID string
		if err := rows.Scan(&remoteID); err != nil {
			return nil, err
		}
		seen[remoteID] = struct{}{}
	}
	return seen, rows.Err()
}

// SeedSeenItems marks remote ids as seen without materializing them. Used at
// subscription creation when a start offset excludes earlier items.
func (s *Store) SeedSeenItems(ctx context.Context, id string, remoteIDs []string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, remoteID := range remoteIDs {
			if strings.TrimSpace(remoteID) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO seen_items
(subscription_id, remote_id, seen_at) VALUES (?, ?, ?)`, id, remoteID, now); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// CommitSyncResult durably records the outcome of a completed sync job in one
// transaction: materialized items, their seen ids, and the advanced position.
// last_position never moves backwards. If the commit fails nothing is
// considered materialized, so the next sync pass rediscovers the items.
func (s *Store) CommitSyncResult(ctx context.Context, id string, maxPosition int, items []domain.LocalItem) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		now := time.Now().UTC()
		nowStr := now.Format(time.RFC3339Nano)
		for _, item := range items {
			materialized := item.MaterializedAt
			if materialized.IsZero() {
				materialized = now
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO local_items
(subscription_id, remote_id, sequence_num, media_path, descriptor_path, materialized_at)
VALUES (?, ?, ?, ?, ?, ?)`,
				id, item.RemoteID, item.SequenceNum, item.MediaPath, item.DescriptorPath,
				materialized.Format(time.RFC3339Nano)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO seen_items
(subscription_id, remote_id, seen_at) VALUES (?, ?, ?)`, id, item.RemoteID, nowStr); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE subscriptions
SET last_position = MAX(last_position, ?), updated_at = ?
WHERE id = ?`, maxPosition, nowStr, id); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// ListLocalItems returns materialized items ordered by local sequence number
// descending (newest first).
func (s *Store) ListLocalItems(ctx context.Context, id string) ([]domain.LocalItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscription_id, remote_id, sequence_num, media_path, descriptor_path, materialized_at
FROM local_items WHERE subscription_id = ? ORDER BY sequence_num DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LocalItem, 0, 16)
	for rows.Next() {
		var item domain.LocalItem
		var descriptor sql.NullString
		var materialized string
		if err := rows.Scan(&item.SubscriptionID, &item.RemoteID, &item.SequenceNum,
			&item.MediaPath, &descriptor, &materialized); err != nil {
			return nil, err
		}
		if descriptor.Valid {
			item.DescriptorPath = descriptor.String
		}
		item.MaterializedAt = parseTime(materialized)
		items = append(items, item)
	}
	return items, rows.Err()
}

// RemoveLocalItem drops the materialized-item row after its artifacts were
// evicted. The matching seen_items row is untouched: retention never
// re-opens an id for download.
func (s *Store) RemoveLocalItem(ctx context.Context, id, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM local_items WHERE subscription_id = ? AND remote_id = ?", id, remoteID)
	return err
}

func (s *Store) CountSeenItems(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seen_items WHERE subscription_id = ?", id).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (domain.Subscription, error) {
	var sub domain.Subscription
	var enabled int
	var mode string
	var createdAt, updatedAt string
	err := row.Scan(&sub.ID, &sub.SourceURL, &sub.DisplayName, &sub.Season, &enabled,
		&sub.SequenceAnchor, &sub.LastPosition, &sub.StartNumber, &sub.StartOffset,
		&mode, &sub.Retention.Value, &createdAt, &updatedAt)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.Enabled = enabled != 0
	sub.Retention.Mode = domain.RetentionMode(mode)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}

func parseTime(value string) time.Time {
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		backoff := 50 * time.Millisecond * time.Duration(1<<i)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
	}
	return err
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
