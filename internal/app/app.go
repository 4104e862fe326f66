// Package app wires the engine together: registry, scheduler, pipeline,
// media collaborators, subscription sync and the periodic sync timer.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"tubarr/internal/config"
	"tubarr/internal/domain"
	"tubarr/internal/jobs"
	"tubarr/internal/media"
	"tubarr/internal/pipeline"
	"tubarr/internal/repository"
	"tubarr/internal/retention"
	"tubarr/internal/scheduler"
	"tubarr/internal/subscriptions"
)

// Dependencies lets tests replace the external collaborators with fakes.
// Nil fields fall back to the real yt-dlp/ffmpeg implementations.
type Dependencies struct {
	Acquirer    pipeline.Acquirer
	Metadata    pipeline.MetadataExtractor
	Transcoder  pipeline.Transcoder
	Artwork     pipeline.ArtworkGenerator
	Descriptors pipeline.DescriptorWriter
	Publisher   pipeline.Publisher
}

// JobRequest describes a manually created job. With no items given for a
// single-item job, the source URL itself becomes the one work item.
type JobRequest struct {
	Kind      domain.JobKind
	SourceURL string
	ShowName  string
	Season    string
	Items     []domain.WorkItem
}

type App struct {
	config        config.Config
	configPath    string
	db            *sql.DB
	store         *repository.Store
	registry      *jobs.Registry
	scheduler     *scheduler.Scheduler
	subscriptions *subscriptions.Service
	cron          *cron.Cron
}

func New(cfg config.Config, configPath string, db *sql.DB) *App {
	return NewWithDependencies(cfg, configPath, db, Dependencies{})
}

func NewWithDependencies(cfg config.Config, configPath string, db *sql.DB, deps Dependencies) *App {
	acquirer := deps.Acquirer
	if acquirer == nil {
		acquirer = media.NewYtdlpClient(cfg)
	}
	metadata := deps.Metadata
	if metadata == nil {
		metadata = media.NewSidecarReader()
	}
	transcoder := deps.Transcoder
	if transcoder == nil {
		transcoder = media.NewFfmpegTranscoder(cfg)
	}
	artwork := deps.Artwork
	if artwork == nil {
		artwork = media.NewFrameArtwork(cfg)
	}
	descriptors := deps.Descriptors
	if descriptors == nil {
		descriptors = media.NewNFOWriter()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = media.NewLibraryPublisher(cfg)
	}

	store := repository.New(db)
	registry := jobs.NewRegistry(cfg.CompletedJobsLimit)
	retain := retention.NewManager(store)

	a := &App{
		config:     cfg,
		configPath: configPath,
		db:         db,
		store:      store,
		registry:   registry,
	}

	a.subscriptions = subscriptions.NewService(store, acquirer, registry, retain,
		func() { a.scheduler.Notify() })

	runner := pipeline.NewRunner(registry, acquirer, metadata, transcoder, artwork,
		descriptors, publisher,
		func(ctx context.Context, job domain.Job, completed []pipeline.CompletedItem) {
			a.subscriptions.Complete(ctx, job, completed)
		})
	a.scheduler = scheduler.New(registry, runner, cfg.WorkerLimit)

	if cfg.SyncIntervalMin > 0 {
		a.cron = cron.New()
		a.cron.AddFunc(fmt.Sprintf("@every %dm", cfg.SyncIntervalMin), func() {
			if _, err := a.subscriptions.SyncAll(context.Background()); err != nil {
				log.Warn("periodic sync failed", "err", err)
			}
		})
		a.cron.Start()
	}

	return a
}

func (a *App) Config() config.Config {
	return a.config
}

// CreateJob queues a manual job and wakes the scheduler.
func (a *App) CreateJob(req JobRequest) (string, error) {
	if !domain.ValidKind(req.Kind) {
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
	items := req.Items
	if len(items) == 0 && req.Kind == domain.KindSingleItem {
		items = []domain.WorkItem{{
			RemoteID:    req.SourceURL,
			Position:    1,
			Title:       req.ShowName,
			MediaRef:    req.SourceURL,
			SequenceNum: 1,
		}}
	}
	id := a.registry.Create(jobs.Spec{
		Kind:      req.Kind,
		SourceURL: req.SourceURL,
		ShowName:  req.ShowName,
		Season:    req.Season,
		Items:     items,
	})
	a.scheduler.Notify()
	return id, nil
}

func (a *App) Job(id string) (domain.Job, bool) {
	return a.registry.Get(id)
}

func (a *App) Jobs(filter jobs.Filter) []domain.Job {
	return a.registry.List(filter)
}

// WaitForJobs blocks until every listed job reaches a terminal status or the
// context ends. Jobs evicted from the registry count as settled.
func (a *App) WaitForJobs(ctx context.Context, ids []string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		settled := true
		for _, id := range ids {
			if job, ok := a.registry.Get(id); ok && !job.Status.Terminal() {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelJob requests cancellation; the scheduler tears down the job's context
// if it is already running.
func (a *App) CancelJob(id string) bool {
	return a.scheduler.Cancel(id)
}

// DeleteJob removes a terminal job from the registry.
func (a *App) DeleteJob(id string) bool {
	return a.registry.DeleteIfTerminal(id)
}

func (a *App) Subscribe(ctx context.Context, req subscriptions.SubscribeRequest) (domain.Subscription, error) {
	return a.subscriptions.Subscribe(ctx, req)
}

func (a *App) Unsubscribe(ctx context.Context, id string) (bool, error) {
	return a.subscriptions.Unsubscribe(ctx, id)
}

func (a *App) Subscription(ctx context.Context, id string) (domain.Subscription, error) {
	return a.subscriptions.Get(ctx, id)
}

func (a *App) Subscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return a.subscriptions.List(ctx)
}

func (a *App) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error {
	return a.subscriptions.SetEnabled(ctx, id, enabled)
}

func (a *App) UpdateRetention(ctx context.Context, id string, policy domain.RetentionPolicy) error {
	return a.subscriptions.UpdateRetention(ctx, id, policy)
}

func (a *App) Sync(ctx context.Context, id string) (string, error) {
	return a.subscriptions.Sync(ctx, id)
}

func (a *App) SyncAll(ctx context.Context) ([]string, error) {
	return a.subscriptions.SyncAll(ctx)
}

func (a *App) LocalItems(ctx context.Context, subscriptionID string) ([]domain.LocalItem, error) {
	return a.store.ListLocalItems(ctx, subscriptionID)
}

func (a *App) Close() error {
	if a.cron != nil {
		a.cron.Stop()
	}
	a.scheduler.Stop()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
