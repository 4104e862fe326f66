// Package subscriptions manages tracked remote collections and the
// incremental sync passes that turn new remote items into batch jobs.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tubarr/internal/domain"
	"tubarr/internal/jobs"
	"tubarr/internal/pipeline"
	"tubarr/internal/repository"
	"tubarr/internal/retention"
)

var (
	ErrMissingSourceURL     = errors.New("source URL cannot be empty")
	ErrAlreadySubscribed    = errors.New("already subscribed")
	ErrInvalidRetention     = errors.New("invalid retention policy")
	ErrSubscriptionDisabled = errors.New("subscription is disabled")
)

// Lister fetches the current remote listing for a source URL.
type Lister interface {
	Listing(ctx context.Context, sourceURL string) ([]domain.RemoteItem, error)
}

// SubscribeRequest carries the user-supplied subscription parameters. Zero
// values fall back to season 01, start number 1, offset 1, keep-all.
type SubscribeRequest struct {
	SourceURL   string
	DisplayName string
	Season      string
	StartNumber int
	StartOffset int
	Retention   domain.RetentionPolicy
}

type Service struct {
	store    *repository.Store
	lister   Lister
	registry *jobs.Registry
	retain   *retention.Manager
	notify   func()
}

func NewService(store *repository.Store, lister Lister, registry *jobs.Registry,
	retain *retention.Manager, notify func()) *Service {
	if notify == nil {
		notify = func() {}
	}
	return &Service{store: store, lister: lister, registry: registry, retain: retain, notify: notify}
}

// Subscribe registers a new tracked collection. When a start offset excludes
// earlier items their remote ids are seeded into the seen index right away,
// so a later offset change never resurrects them.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (domain.Subscription, error) {
	sourceURL := strings.TrimSpace(req.SourceURL)
	if sourceURL == "" {
		return domain.Subscription{}, ErrMissingSourceURL
	}
	if err := validateRetention(req.Retention); err != nil {
		return domain.Subscription{}, err
	}

	exists, err := s.store.HasSubscriptionByURL(ctx, sourceURL)
	if err != nil {
		return domain.Subscription{}, err
	}
	if exists {
		return domain.Subscription{}, ErrAlreadySubscribed
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = "Untitled Show"
	}
	startNumber := req.StartNumber
	if startNumber <= 0 {
		startNumber = 1
	}
	startOffset := req.StartOffset
	if startOffset <= 0 {
		startOffset = 1
	}
	policy := req.Retention
	if policy.Mode == "" {
		policy.Mode = domain.KeepAll
	}

	now := time.Now().UTC()
	sub := domain.Subscription{
		ID:          uuid.New().String(),
		SourceURL:   sourceURL,
		DisplayName: displayName,
		Season:      normalizeSeason(req.Season),
		Enabled:     true,
		StartNumber: startNumber,
		StartOffset: startOffset,
		Retention:   policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}

	if startOffset > 1 {
		if err := s.seedSkippedItems(ctx, sub); err != nil {
			// The position threshold in Sync still excludes these items, so
			// a failed seed only delays the bookkeeping.
			log.Warn("failed to seed skipped items", "subscription", sub.ID, "err", err)
		}
	}

	log.Info("subscribed", "subscription", sub.ID, "name", displayName, "url", sourceURL)
	return sub, nil
}

func (s *Service) seedSkippedItems(ctx context.Context, sub domain.Subscription) error {
	listing, err := s.lister.Listing(ctx, sub.SourceURL)
	if err != nil {
		return err
	}
	skipped := make([]string, 0, len(listing))
	for _, item := range listing {
		if item.Position < sub.StartOffset {
			skipped = append(skipped, item.ID)
		}
	}
	if len(skipped) == 0 {
		return nil
	}
	return s.store.SeedSeenItems(ctx, sub.ID, skipped)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Subscription, error) {
	return s.store.ListSubscriptions(ctx)
}

// Unsubscribe removes the subscription record. Materialized artifacts stay on
// disk; nothing here deletes media.
func (s *Service) Unsubscribe(ctx context.Context, id string) (bool, error) {
	return s.store.DeleteSubscription(ctx, id)
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	sub.Enabled = enabled
	sub.UpdatedAt = time.Now().UTC()
	return s.store.SaveSubscription(ctx, sub)
}

func (s *Service) UpdateRetention(ctx context.Context, id string, policy domain.RetentionPolicy) error {
	if err := validateRetention(policy); err != nil {
		return err
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	sub.Retention = policy
	sub.UpdatedAt = time.Now().UTC()
	return s.store.SaveSubscription(ctx, sub)
}

// Sync performs one incremental pass: diff the remote listing against the
// seen index and position watermark, assign local sequence numbers, and queue
// a single batch job for whatever is new. With nothing new it is a no-op and
// returns an empty job id.
func (s *Service) Sync(ctx context.Context, id string) (string, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}
	if !sub.Enabled {
		return "", ErrSubscriptionDisabled
	}
	// While a batch is still pending its items are not yet seen or committed;
	// a second pass would rediscover and double-queue them.
	if s.registry.HasActiveJob(sub.ID) {
		log.Debug("sync skipped, job already pending", "subscription", sub.ID)
		return "", nil
	}

	listing, err := s.lister.Listing(ctx, sub.SourceURL)
	if err != nil {
		return "", fmt.Errorf("fetch listing: %w", err)
	}
	seen, err := s.store.SeenItems(ctx, sub.ID)
	if err != nil {
		return "", err
	}

	// The anchor binds remote positions to local numbering exactly once, on
	// the first sync that sees a listing. It is never recomputed, so local
	// numbers stay stable even if the remote later drops earlier items.
	if sub.SequenceAnchor == 0 && len(listing) > 0 {
		anchor := listing[0].Position
		for _, item := range listing {
			if item.Position < anchor {
				anchor = item.Position
			}
		}
		if err := s.store.SetAnchor(ctx, sub.ID, anchor); err != nil {
			return "", err
		}
		sub.SequenceAnchor = anchor
	}

	candidates := selectCandidates(listing, seen, sub)
	if len(candidates) == 0 {
		log.Debug("nothing to sync", "subscription", sub.ID)
		return "", nil
	}

	items := make([]domain.WorkItem, 0, len(candidates))
	for _, candidate := range candidates {
		items = append(items, domain.WorkItem{
			RemoteID:    candidate.ID,
			Position:    candidate.Position,
			Title:       candidate.Title,
			MediaRef:    candidate.MediaRef,
			SequenceNum: sub.StartNumber + (candidate.Position - sub.SequenceAnchor),
		})
	}

	jobID := s.registry.Create(jobs.Spec{
		Kind:           domain.KindSeriesBatch,
		SubscriptionID: sub.ID,
		SourceURL:      sub.SourceURL,
		ShowName:       sub.DisplayName,
		Season:         sub.Season,
		Items:          items,
	})
	s.notify()
	log.Info("sync queued job", "subscription", sub.ID, "job", jobID, "items", len(items))
	return jobID, nil
}

// SyncAll runs a pass over every enabled subscription, continuing past
// per-subscription errors. Returns the job ids that were queued.
func (s *Service) SyncAll(ctx context.Context) ([]string, error) {
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	queued := make([]string, 0, len(subs))
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		jobID, err := s.Sync(ctx, sub.ID)
		if err != nil {
			log.Warn("sync failed", "subscription", sub.ID, "err", err)
			continue
		}
		if jobID != "" {
			queued = append(queued, jobID)
		}
	}
	return queued, nil
}

// Complete commits a terminal job's completed items in one transaction and
// then applies retention. It runs for failed and cancelled jobs too, so items
// that made it through are never re-downloaded; the position watermark only
// advances as far as the items that actually completed.
func (s *Service) Complete(ctx context.Context, job domain.Job, completed []pipeline.CompletedItem) {
	if job.SubscriptionID == "" || len(completed) == 0 {
		return
	}
	// The commit must survive job cancellation.
	ctx = context.WithoutCancel(ctx)

	maxPosition := 0
	items := make([]domain.LocalItem, 0, len(completed))
	for _, c := range completed {
		if c.Item.Position > maxPosition {
			maxPosition = c.Item.Position
		}
		items = append(items, domain.LocalItem{
			SubscriptionID: job.SubscriptionID,
			RemoteID:       c.Item.RemoteID,
			SequenceNum:    c.Item.SequenceNum,
			MediaPath:      c.MediaPath,
			DescriptorPath: c.DescriptorPath,
		})
	}

	if err := s.store.CommitSyncResult(ctx, job.SubscriptionID, maxPosition, items); err != nil {
		log.Error("failed to commit sync result", "subscription", job.SubscriptionID, "job", job.ID, "err", err)
		return
	}

	sub, err := s.store.GetSubscription(ctx, job.SubscriptionID)
	if err != nil {
		log.Warn("retention skipped", "subscription", job.SubscriptionID, "err", err)
		return
	}
	if _, err := s.retain.Apply(ctx, sub); err != nil {
		log.Warn("retention failed", "subscription", job.SubscriptionID, "err", err)
	}
}

// selectCandidates filters the listing down to genuinely new items, ordered
// by remote position. Seen ids never qualify again, and the position
// threshold is the watermark once anything materialized, the start offset
// before that.
func selectCandidates(listing []domain.RemoteItem, seen map[string]struct{}, sub domain.Subscription) []domain.RemoteItem {
	candidates := make([]domain.RemoteItem, 0, len(listing))
	for _, item := range listing {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		if sub.LastPosition > 0 {
			if item.Position <= sub.LastPosition {
				continue
			}
		} else if item.Position < sub.StartOffset {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Position < candidates[j].Position
	})
	return candidates
}

func validateRetention(policy domain.RetentionPolicy) error {
	switch policy.Mode {
	case "", domain.KeepAll:
		return nil
	case domain.KeepLastN, domain.KeepLastDays:
		if policy.Value <= 0 {
			return fmt.Errorf("%w: %s requires a positive value", ErrInvalidRetention, policy.Mode)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRetention, policy.Mode)
	}
}

// normalizeSeason zero-pads numeric seasons so labels sort: "2" becomes "02".
func normalizeSeason(season string) string {
	season = strings.TrimSpace(season)
	if season == "" {
		return "01"
	}
	if n, err := strconv.Atoi(season); err == nil {
		return fmt.Sprintf("%02d", n)
	}
	return season
}
