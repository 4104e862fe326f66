// Package retention evicts old materialized items per subscription policy.
// Eviction removes artifacts and their local-item rows; the seen-item index
// is never touched, so evicted items are not re-downloaded.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"tubarr/internal/domain"
	"tubarr/internal/repository"
)

type Manager struct {
	store *repository.Store
	now   func() time.Time
}

func NewManager(store *repository.Store) *Manager {
	return NewManagerWithClock(store, func() time.Time { return time.Now().UTC() })
}

func NewManagerWithClock(store *repository.Store, now func() time.Time) *Manager {
	return &Manager{store: store, now: now}
}

// Apply enforces the subscription's retention policy and returns how many
// items were evicted. Artifact deletion is best-effort; a missing file does
// not block dropping the tracking row.
func (m *Manager) Apply(ctx context.Context, sub domain.Subscription) (int, error) {
	items, err := m.store.ListLocalItems(ctx, sub.ID)
	if err != nil {
		return 0, err
	}

	var victims []domain.LocalItem
	switch sub.Retention.Mode {
	case domain.KeepAll, "":
		return 0, nil
	case domain.KeepLastN:
		keep := sub.Retention.Value
		if keep <= 0 {
			return 0, nil
		}
		// items arrive newest-first by sequence number.
		if len(items) > keep {
			victims = items[keep:]
		}
	case domain.KeepLastDays:
		days := sub.Retention.Value
		if days <= 0 {
			return 0, nil
		}
		cutoff := m.now().AddDate(0, 0, -days)
		for _, item := range items {
			if item.MaterializedAt.Before(cutoff) {
				victims = append(victims, item)
			}
		}
	default:
		return 0, fmt.Errorf("unknown retention mode %q", sub.Retention.Mode)
	}

	evicted := 0
	for _, item := range victims {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		removeArtifact(item.MediaPath)
		removeArtifact(item.DescriptorPath)
		if item.MediaPath != "" {
			removeArtifact(strings.TrimSuffix(item.MediaPath, filepath.Ext(item.MediaPath)) + "-thumb.jpg")
		}
		if err := m.store.RemoveLocalItem(ctx, sub.ID, item.RemoteID); err != nil {
			log.Warn("failed to drop evicted item", "subscription", sub.ID, "item", item.RemoteID, "err", err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		log.Info("retention evicted items", "subscription", sub.ID, "count", evicted)
	}
	return evicted, nil
}

func removeArtifact(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove artifact", "path", path, "err", err)
	}
}
