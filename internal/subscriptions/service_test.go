package subscriptions_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tubarr/internal/domain"
	"tubarr/internal/jobs"
	"tubarr/internal/pipeline"
	"tubarr/internal/repository"
	"tubarr/internal/retention"
	"tubarr/internal/storage"
	"tubarr/internal/subscriptions"
)

type fakeLister struct {
	items []domain.RemoteItem
	err   error
}

func (f *fakeLister) Listing(ctx context.Context, sourceURL string) ([]domain.RemoteItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func remoteItem(id string, position int) domain.RemoteItem {
	return domain.RemoteItem{ID: id, Position: position, Title: "Video " + id, MediaRef: "https://example.com/watch/" + id}
}

func newTestService(t *testing.T) (*subscriptions.Service, *repository.Store, *jobs.Registry, *fakeLister, *int) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	store := repository.New(db)
	registry := jobs.NewRegistry(10)
	lister := &fakeLister{}
	notified := 0
	svc := subscriptions.NewService(store, lister, registry, retention.NewManager(store),
		func() { notified++ })
	return svc, store, registry, lister, &notified
}

func subscribe(t *testing.T, svc *subscriptions.Service, req subscriptions.SubscribeRequest) domain.Subscription {
	t.Helper()
	sub, err := svc.Subscribe(context.Background(), req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

func TestSubscribeValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, subscriptions.SubscribeRequest{}); !errors.Is(err, subscriptions.ErrMissingSourceURL) {
		t.Errorf("empty URL: got %v, want ErrMissingSourceURL", err)
	}

	bad := subscriptions.SubscribeRequest{
		SourceURL: "https://example.com/playlist",
		Retention: domain.RetentionPolicy{Mode: domain.KeepLastN},
	}
	if _, err := svc.Subscribe(ctx, bad); !errors.Is(err, subscriptions.ErrInvalidRetention) {
		t.Errorf("keep-last-n without value: got %v, want ErrInvalidRetention", err)
	}

	subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist", DisplayName: "Show"})
	if _, err := svc.Subscribe(ctx, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist"}); !errors.Is(err, subscriptions.ErrAlreadySubscribed) {
		t.Errorf("duplicate URL: got %v, want ErrAlreadySubscribed", err)
	}
}

func TestSubscribeDefaultsAndSeasonPadding(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{
		SourceURL: "https://example.com/playlist",
		Season:    "2",
	})
	if sub.Season != "02" {
		t.Errorf("season = %q, want zero-padded 02", sub.Season)
	}
	if sub.StartNumber != 1 || sub.StartOffset != 1 {
		t.Errorf("start number/offset = %d/%d, want 1/1", sub.StartNumber, sub.StartOffset)
	}
	if sub.Retention.Mode != domain.KeepAll {
		t.Errorf("retention mode = %s, want keep-all", sub.Retention.Mode)
	}
	if !sub.Enabled {
		t.Error("new subscriptions start enabled")
	}
}

func TestSubscribeSeedsSkippedItems(t *testing.T) {
	svc, store, _, lister, _ := newTestService(t)
	lister.items = []domain.RemoteItem{
		remoteItem("vid-1", 1), remoteItem("vid-2", 2), remoteItem("vid-3", 3), remoteItem("vid-4", 4),
	}

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{
		SourceURL:   "https://example.com/playlist",
		StartOffset: 3,
	})

	count, err := store.CountSeenItems(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("count seen: %v", err)
	}
	if count != 2 {
		t.Errorf("seeded seen = %d, want the 2 items before the offset", count)
	}
}

func TestSyncAssignsSequenceNumbersFromAnchor(t *testing.T) {
	svc, store, registry, lister, notified := newTestService(t)
	ctx := context.Background()

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{
		SourceURL:   "https://example.com/playlist",
		DisplayName: "Show",
		StartNumber: 5,
	})
	lister.items = []domain.RemoteItem{
		remoteItem("vid-a", 10), remoteItem("vid-b", 11), remoteItem("vid-c", 12),
	}

	jobID, err := svc.Sync(ctx, sub.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a queued job")
	}
	if *notified != 1 {
		t.Errorf("notify calls = %d, want 1", *notified)
	}

	job, ok := registry.Get(jobID)
	if !ok {
		t.Fatal("job missing from registry")
	}
	if job.Kind != domain.KindSeriesBatch || job.SubscriptionID != sub.ID {
		t.Errorf("job kind/subscription = %s/%s", job.Kind, job.SubscriptionID)
	}
	want := []int{5, 6, 7}
	if len(job.RemainingItems) != len(want) {
		t.Fatalf("items = %d, want %d", len(job.RemainingItems), len(want))
	}
	for i, item := range job.RemainingItems {
		if item.SequenceNum != want[i] {
			t.Errorf("item %d sequence = %d, want %d", i, item.SequenceNum, want[i])
		}
	}

	stored, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.SequenceAnchor != 10 {
		t.Errorf("anchor = %d, want 10 (first candidate position)", stored.SequenceAnchor)
	}
}

func TestSyncIsIdempotentWhileJobPending(t *testing.T) {
	svc, _, registry, lister, _ := newTestService(t)
	ctx := context.Background()

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist"})
	lister.items = []domain.RemoteItem{remoteItem("vid-a", 1)}

	first, err := svc.Sync(ctx, sub.ID)
	if err != nil || first == "" {
		t.Fatalf("first sync: job=%q err=%v", first, err)
	}

	// The batch has not committed, so its items are neither seen nor past
	// the watermark. A second pass must not double-queue them.
	second, err := svc.Sync(ctx, sub.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second != "" {
		t.Errorf("second sync queued job %s, want no-op", second)
	}
	if got := len(registry.List(jobs.Filter{})); got != 1 {
		t.Fatalf("jobs = %d, want 1", got)
	}

	// Once the pending job is terminal the items are rediscoverable.
	if !registry.Update(first, func(j *domain.Job) { j.Status = domain.StatusFailed }) {
		t.Fatal("failed to mark job terminal")
	}
	third, err := svc.Sync(ctx, sub.ID)
	if err != nil || third == "" {
		t.Fatalf("third sync: job=%q err=%v", third, err)
	}
}

func TestCompleteAdvancesWatermarkAndDeduplicates(t *testing.T) {
	svc, store, registry, lister, _ := newTestService(t)
	ctx := context.Background()

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist", StartNumber: 5})
	lister.items = []domain.RemoteItem{
		remoteItem("vid-a", 10), remoteItem("vid-b", 11), remoteItem("vid-c", 12),
	}

	jobID, err := svc.Sync(ctx, sub.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	job, _ := registry.Get(jobID)

	completed := make([]pipeline.CompletedItem, 0, len(job.RemainingItems))
	for _, item := range job.RemainingItems {
		completed = append(completed, pipeline.CompletedItem{Item: item, MediaPath: "/media/" + item.RemoteID + ".mp4"})
	}
	registry.Update(jobID, func(j *domain.Job) { j.Status = domain.StatusCompleted })
	svc.Complete(ctx, job, completed)

	stored, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.LastPosition != 12 {
		t.Errorf("last position = %d, want 12", stored.LastPosition)
	}

	// Same listing again: everything is seen, so the pass is a no-op.
	jobID, err = svc.Sync(ctx, sub.ID)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if jobID != "" {
		t.Errorf("expected no-op sync, got job %s", jobID)
	}

	// A new remote item continues local numbering from the same anchor.
	lister.items = append(lister.items, remoteItem("vid-d", 13))
	jobID, err = svc.Sync(ctx, sub.ID)
	if err != nil || jobID == "" {
		t.Fatalf("sync with new item: job=%q err=%v", jobID, err)
	}
	next, _ := registry.Get(jobID)
	if len(next.RemainingItems) != 1 || next.RemainingItems[0].SequenceNum != 8 {
		t.Errorf("new item = %+v, want single item with sequence 8", next.RemainingItems)
	}
}

func TestCompletePartialFailureUnderAdvances(t *testing.T) {
	svc, store, registry, lister, _ := newTestService(t)
	ctx := context.Background()

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist"})
	lister.items = []domain.RemoteItem{
		remoteItem("vid-a", 1), remoteItem("vid-b", 2), remoteItem("vid-c", 3),
	}

	jobID, err := svc.Sync(ctx, sub.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	job, _ := registry.Get(jobID)

	// Only the first item made it through.
	registry.Update(jobID, func(j *domain.Job) { j.Status = domain.StatusFailed })
	svc.Complete(ctx, job, []pipeline.CompletedItem{
		{Item: job.RemainingItems[0], MediaPath: "/media/vid-a.mp4"},
	})

	stored, _ := store.GetSubscription(ctx, sub.ID)
	if stored.LastPosition != 1 {
		t.Errorf("last position = %d, want 1 (never past completed work)", stored.LastPosition)
	}

	// The failed items are rediscovered on the next pass.
	nextID, err := svc.Sync(ctx, sub.ID)
	if err != nil || nextID == "" {
		t.Fatalf("resync: job=%q err=%v", nextID, err)
	}
	next, _ := registry.Get(nextID)
	if len(next.RemainingItems) != 2 {
		t.Fatalf("rediscovered = %d items, want 2", len(next.RemainingItems))
	}
	if next.RemainingItems[0].RemoteID != "vid-b" || next.RemainingItems[1].RemoteID != "vid-c" {
		t.Errorf("rediscovered items = %+v", next.RemainingItems)
	}
}

func TestSyncDisabledSubscription(t *testing.T) {
	svc, _, _, lister, _ := newTestService(t)
	ctx := context.Background()

	sub := subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/playlist"})
	lister.items = []domain.RemoteItem{remoteItem("vid-a", 1)}

	if err := svc.SetEnabled(ctx, sub.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := svc.Sync(ctx, sub.ID); !errors.Is(err, subscriptions.ErrSubscriptionDisabled) {
		t.Errorf("sync disabled: got %v, want ErrSubscriptionDisabled", err)
	}
}

func TestSyncAllSkipsDisabledAndContinuesPastErrors(t *testing.T) {
	svc, _, _, lister, _ := newTestService(t)
	ctx := context.Background()

	subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/a", DisplayName: "A"})
	disabled := subscribe(t, svc, subscriptions.SubscribeRequest{SourceURL: "https://example.com/b", DisplayName: "B"})
	if err := svc.SetEnabled(ctx, disabled.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	lister.items = []domain.RemoteItem{remoteItem("vid-a", 1)}

	queued, err := svc.SyncAll(ctx)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d jobs, want 1", len(queued))
	}
}

func TestSyncStartOffsetExcludesEarlierItems(t *testing.T) {
	svc, _, registry, lister, _ := newTestService(t)
	ctx := context.Background()

	lister.items = []domain.RemoteItem{
		remoteItem("vid-1", 1), remoteItem("vid-2", 2), remoteItem("vid-3", 3),
	}
	sub := subscribe(t, svc, subscriptions.SubscribeRequest{
		SourceURL:   "https://example.com/playlist",
		StartOffset: 3,
	})

	jobID, err := svc.Sync(ctx, sub.ID)
	if err != nil || jobID == "" {
		t.Fatalf("sync: job=%q err=%v", jobID, err)
	}
	job, _ := registry.Get(jobID)
	if len(job.RemainingItems) != 1 || job.RemainingItems[0].RemoteID != "vid-3" {
		t.Fatalf("items = %+v, want only vid-3", job.RemainingItems)
	}
	// The anchor is the first listed position, not the first candidate, so
	// the skipped items keep their numbers reserved.
	if job.RemainingItems[0].SequenceNum != 3 {
		t.Errorf("sequence = %d, want 3", job.RemainingItems[0].SequenceNum)
	}
}
