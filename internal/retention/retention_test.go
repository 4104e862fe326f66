package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"tubarr/internal/domain"
	"tubarr/internal/repository"
	"tubarr/internal/retention"
	"tubarr/internal/storage"
)

func newTestStore(t *testing.T) (*repository.Store, string) {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return repository.New(db), dir
}

// materialize commits n items with real media and descriptor files, oldest
// first, one day apart ending at now.
func materialize(t *testing.T, store *repository.Store, dir, subID string, n int, now time.Time) []domain.LocalItem {
	t.Helper()
	ctx := context.Background()

	items := make([]domain.LocalItem, 0, n)
	for i := 1; i <= n; i++ {
		mediaPath := filepath.Join(dir, "item-"+strconv.Itoa(i)+".mp4")
		descriptorPath := filepath.Join(dir, "item-"+strconv.Itoa(i)+".nfo")
		for _, path := range []string{mediaPath, descriptorPath} {
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("write artifact: %v", err)
			}
		}
		items = append(items, domain.LocalItem{
			SubscriptionID: subID,
			RemoteID:       "vid-" + strconv.Itoa(i),
			SequenceNum:    i,
			MediaPath:      mediaPath,
			DescriptorPath: descriptorPath,
			MaterializedAt: now.AddDate(0, 0, i-n),
		})
	}
	if err := store.CommitSyncResult(ctx, subID, n, items); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return items
}

func saveSubscription(t *testing.T, store *repository.Store, policy domain.RetentionPolicy) domain.Subscription {
	t.Helper()
	sub := domain.Subscription{
		ID:          "sub-1",
		SourceURL:   "https://example.com/playlist",
		DisplayName: "Show",
		Season:      "01",
		Enabled:     true,
		StartNumber: 1,
		StartOffset: 1,
		Retention:   policy,
	}
	if err := store.SaveSubscription(context.Background(), sub); err != nil {
		t.Fatalf("save subscription: %v", err)
	}
	return sub
}

func TestKeepAllEvictsNothing(t *testing.T) {
	store, dir := newTestStore(t)
	sub := saveSubscription(t, store, domain.RetentionPolicy{Mode: domain.KeepAll})
	materialize(t, store, dir, sub.ID, 3, time.Now().UTC())

	m := retention.NewManager(store)
	evicted, err := m.Apply(context.Background(), sub)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if evicted != 0 {
		t.Errorf("evicted = %d, want 0", evicted)
	}
}

func TestKeepLastNEvictsOldestBySequence(t *testing.T) {
	store, dir := newTestStore(t)
	sub := saveSubscription(t, store, domain.RetentionPolicy{Mode: domain.KeepLastN, Value: 3})
	items := materialize(t, store, dir, sub.ID, 5, time.Now().UTC())

	m := retention.NewManager(store)
	evicted, err := m.Apply(context.Background(), sub)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	// Sequence numbers 1 and 2 go; 3..5 stay, files included.
	for i, item := range items {
		_, mediaErr := os.Stat(item.MediaPath)
		_, descriptorErr := os.Stat(item.DescriptorPath)
		if i < 2 {
			if !os.IsNotExist(mediaErr) || !os.IsNotExist(descriptorErr) {
				t.Errorf("item %d artifacts should be gone", item.SequenceNum)
			}
		} else {
			if mediaErr != nil || descriptorErr != nil {
				t.Errorf("item %d artifacts should remain", item.SequenceNum)
			}
		}
	}

	local, err := store.ListLocalItems(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("list local items: %v", err)
	}
	if len(local) != 3 {
		t.Errorf("tracked items = %d, want 3", len(local))
	}

	// The seen index must never shrink: evicted ids stay blocked.
	count, err := store.CountSeenItems(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("count seen: %v", err)
	}
	if count != 5 {
		t.Errorf("seen count = %d, want 5", count)
	}
}

func TestKeepLastDaysEvictsByAge(t *testing.T) {
	store, dir := newTestStore(t)
	sub := saveSubscription(t, store, domain.RetentionPolicy{Mode: domain.KeepLastDays, Value: 2})
	now := time.Now().UTC()
	materialize(t, store, dir, sub.ID, 5, now)

	m := retention.NewManagerWithClock(store, func() time.Time { return now })
	evicted, err := m.Apply(context.Background(), sub)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Items are a day apart ending now; the two oldest fall past the cutoff.
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
}

func TestEvictionIsBestEffortForMissingFiles(t *testing.T) {
	store, dir := newTestStore(t)
	sub := saveSubscription(t, store, domain.RetentionPolicy{Mode: domain.KeepLastN, Value: 1})
	items := materialize(t, store, dir, sub.ID, 3, time.Now().UTC())

	// Someone already deleted an artifact out from under us.
	if err := os.Remove(items[0].MediaPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	m := retention.NewManager(store)
	evicted, err := m.Apply(context.Background(), sub)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2 despite the missing file", evicted)
	}
}

func TestUnknownRetentionModeIsRejected(t *testing.T) {
	store, _ := newTestStore(t)
	sub := saveSubscription(t, store, domain.RetentionPolicy{Mode: "keep-some"})

	m := retention.NewManager(store)
	if _, err := m.Apply(context.Background(), sub); err == nil {
		t.Error("expected an error for an unknown retention mode")
	}
}
