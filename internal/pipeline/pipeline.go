// Package pipeline drives a running job through its fixed stage sequence,
// invoking the external media collaborators and publishing progress through
// the job registry. Stage transitions are strictly forward; cancellation is
// cooperative and observed at stage and item boundaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"tubarr/internal/domain"
	"tubarr/internal/jobs"
)

var errCancelled = errors.New("job cancelled")

// Acquirer lists a remote collection and materializes single items locally
// (raw media plus metadata sidecar).
type Acquirer interface {
	Listing(ctx context.Context, sourceURL string) ([]domain.RemoteItem, error)
	Fetch(ctx context.Context, job domain.Job, item domain.WorkItem) (mediaPath string, err error)
}

// MetadataExtractor reads the sidecar written during acquisition.
type MetadataExtractor interface {
	Extract(ctx context.Context, mediaPath string) (domain.ItemMetadata, error)
}

// Transcoder converts raw media to the target codec, returning the new path.
type Transcoder interface {
	Transcode(ctx context.Context, mediaPath string) (string, error)
}

// ArtworkGenerator produces poster/thumbnail images next to the media file.
type ArtworkGenerator interface {
	Generate(ctx context.Context, mediaPath string) error
}

// DescriptorWriter writes the structured sidecar a media server consumes.
type DescriptorWriter interface {
	Write(ctx context.Context, job domain.Job, item domain.WorkItem, meta domain.ItemMetadata, mediaPath string) (string, error)
}

// Publisher moves one item's finished artifacts into the library and returns
// their final locations.
type Publisher interface {
	Publish(ctx context.Context, job domain.Job, item domain.WorkItem, mediaPath, descriptorPath string) (string, string, error)
}

// CompletedItem is one item that made it all the way through the pipeline.
type CompletedItem struct {
	Item           domain.WorkItem
	MediaPath      string
	DescriptorPath string
}

// CompletionFunc is invoked once a job reaches a terminal state, with the
// items that actually completed. Partially failed and cancelled jobs still
// report their completed items so subscription state can advance for them.
type CompletionFunc func(ctx context.Context, job domain.Job, completed []CompletedItem)

type Runner struct {
	registry    *jobs.Registry
	acquirer    Acquirer
	metadata    MetadataExtractor
	transcoder  Transcoder
	artwork     ArtworkGenerator
	descriptors DescriptorWriter
	publisher   Publisher
	onComplete  CompletionFunc
}

func NewRunner(registry *jobs.Registry, acquirer Acquirer, metadata MetadataExtractor,
	transcoder Transcoder, artwork ArtworkGenerator, descriptors DescriptorWriter,
	publisher Publisher, onComplete CompletionFunc) *Runner {
	return &Runner{
		registry:    registry,
		acquirer:    acquirer,
		metadata:    metadata,
		transcoder:  transcoder,
		artwork:     artwork,
		descriptors: descriptors,
		publisher:   publisher,
		onComplete:  onComplete,
	}
}

var stageDescriptions = map[domain.Stage]string{
	domain.StageWaiting:     "Waiting to start",
	domain.StageAcquiring:   "Acquiring media",
	domain.StageMetadata:    "Extracting metadata",
	domain.StageTranscoding: "Transcoding media",
	domain.StageArtwork:     "Generating artwork",
	domain.StageDescriptors: "Writing descriptors",
	domain.StagePublishing:  "Publishing to library",
	domain.StageDone:        "Processing completed",
}

// itemState tracks one work item across stages. published flips only once
// the item clears the publishing stage; anything less is not a completion.
type itemState struct {
	item           domain.WorkItem
	mediaPath      string
	descriptorPath string
	meta           domain.ItemMetadata
	failure        domain.FailureClass
	published      bool
}

func (s *itemState) alive() bool { return s.failure == "" }

// run-level outcome markers.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
)

// Run executes one job to a terminal state. The job must already be in
// running status; the scheduler owns admission and slot release.
func (r *Runner) Run(ctx context.Context, jobID string) {
	job, ok := r.registry.Get(jobID)
	if !ok {
		log.Error("job not found", "job", jobID)
		return
	}

	states := make([]*itemState, len(job.RemainingItems))
	for i, item := range job.RemainingItems {
		states[i] = &itemState{item: item}
	}

	result, failure := r.runStages(ctx, job, states)
	completed := completedItems(states)

	switch result {
	case outcomeCancelled:
		r.registry.Update(jobID, func(j *domain.Job) {
			j.Status = domain.StatusCancelled
			j.Messages = appendMessage(j.Messages, "Job cancelled")
		})
		log.Info("job cancelled", "job", jobID)
	case outcomeFailed:
		r.registry.Update(jobID, func(j *domain.Job) {
			j.Status = domain.StatusFailed
			j.Failure = failure
			j.Messages = appendMessage(j.Messages,
				fmt.Sprintf("Job failed (%s): %d of %d items completed", failure, len(completed), job.TotalItems))
		})
		log.Warn("job failed", "job", jobID, "class", failure, "completed", len(completed), "total", job.TotalItems)
	default:
		r.registry.Update(jobID, func(j *domain.Job) {
			j.Status = domain.StatusCompleted
			j.Stage = domain.StageDone
			j.Progress = 100
			j.Messages = appendMessage(j.Messages, "Job completed successfully")
		})
		log.Info("job completed", "job", jobID, "items", len(completed))
	}

	if r.onComplete != nil {
		snap, _ := r.registry.Get(jobID)
		r.onComplete(ctx, snap, completed)
	}
}

// runStages walks the per-kind stage list. It returns as soon as the job is
// cancelled or hits a batch-fatal error; soft per-item failures accumulate in
// states and surface as an overall failed status at the end.
func (r *Runner) runStages(ctx context.Context, job domain.Job, states []*itemState) (outcome, domain.FailureClass) {
	stages := domain.Stages(job.Kind)
	for _, stage := range stages {
		if stage == domain.StageWaiting || stage == domain.StageDone {
			continue
		}
		if r.cancelled(ctx, job.ID) {
			return outcomeCancelled, ""
		}
		r.enterStage(job.ID, stage)

		var err error
		switch stage {
		case domain.StageAcquiring:
			err = r.acquireStage(ctx, job, states)
		case domain.StageMetadata:
			err = r.metadataStage(ctx, job, states)
		case domain.StageTranscoding:
			err = r.transcodeStage(ctx, job, states)
		case domain.StageArtwork:
			err = r.artworkStage(ctx, job, states)
		case domain.StageDescriptors:
			err = r.descriptorStage(ctx, job, states)
		case domain.StagePublishing:
			err = r.publishStage(ctx, job, states)
		}
		if err != nil {
			if r.cancelled(ctx, job.ID) {
				return outcomeCancelled, ""
			}
			class := classOf(err)
			r.stageMessage(job.ID, stage, fmt.Sprintf("Stage failed: %v", err))
			return outcomeFailed, class
		}
	}

	// Per-item soft failures still fail the job overall; completed items
	// were retained and published above.
	if class := worstItemFailure(states); class != "" {
		return outcomeFailed, class
	}
	return outcomeCompleted, ""
}

func (r *Runner) acquireStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	if total == 0 {
		r.stageMessage(job.ID, domain.StageAcquiring, "No items to acquire")
		return nil
	}
	failures := 0
	for i, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		r.setCurrent(job.ID, state.item.Label(job.Season))
		path, err := r.acquirer.Fetch(ctx, job, state.item)
		if err != nil {
			state.failure = domain.FailureAcquisition
			failures++
			r.stageMessage(job.ID, domain.StageAcquiring,
				fmt.Sprintf("Failed to acquire %s: %v", state.item.Label(job.Season), err))
		} else {
			state.mediaPath = path
			r.stageMessage(job.ID, domain.StageAcquiring,
				fmt.Sprintf("Acquired %s", state.item.Label(job.Season)))
		}
		r.setStageProgress(job.ID, percent(i+1, total))
	}
	if failures == total {
		return &stageError{class: domain.FailureAcquisition, msg: "all items failed to acquire"}
	}
	return nil
}

func (r *Runner) metadataStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	for i, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		if state.alive() {
			meta, err := r.metadata.Extract(ctx, state.mediaPath)
			if err != nil {
				// The sidecar came out of acquisition; a missing or broken
				// one counts against that stage's collaborator.
				state.failure = domain.FailureAcquisition
				r.stageMessage(job.ID, domain.StageMetadata,
					fmt.Sprintf("No usable metadata for %s: %v", state.item.Label(job.Season), err))
			} else {
				state.meta = meta
			}
		}
		r.setStageProgress(job.ID, percent(i+1, total))
	}
	return nil
}

// transcodeStage is the canonical item-consuming stage: it pops
// remaining_items, advances processed_items and is the only place overall
// progress is derived while running.
func (r *Runner) transcodeStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	if total == 0 {
		r.registry.Update(job.ID, func(j *domain.Job) {
			j.Progress = 100
			j.Messages = appendMessage(j.Messages, stagePrefix(domain.StageTranscoding)+" No items to process")
		})
		return nil
	}
	for _, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		label := state.item.Label(job.Season)
		r.registry.Update(job.ID, func(j *domain.Job) {
			if len(j.RemainingItems) > 0 {
				j.RemainingItems = j.RemainingItems[1:]
			}
			j.CurrentItem = label
		})
		if !state.alive() {
			continue
		}
		out, err := r.transcoder.Transcode(ctx, state.mediaPath)
		if err != nil {
			state.failure = domain.FailureTranscode
			r.stageMessage(job.ID, domain.StageTranscoding,
				fmt.Sprintf("Failed to transcode %s: %v", label, err))
			continue
		}
		state.mediaPath = out
		r.registry.Update(job.ID, func(j *domain.Job) {
			j.ProcessedItems++
			j.Progress = percent(j.ProcessedItems, j.TotalItems)
			j.StageProgress = percent(j.ProcessedItems, j.TotalItems)
			j.Messages = appendMessage(j.Messages,
				fmt.Sprintf("%s Transcoded %s (%d/%d)", stagePrefix(domain.StageTranscoding), label, j.ProcessedItems, j.TotalItems))
		})
	}
	return nil
}

// artworkStage degrades gracefully: artwork is cosmetic, so per-item failures
// are logged and the job can still reach done.
func (r *Runner) artworkStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	for i, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		if !state.alive() {
			continue
		}
		if err := r.artwork.Generate(ctx, state.mediaPath); err != nil {
			r.stageMessage(job.ID, domain.StageArtwork,
				fmt.Sprintf("Artwork failed for %s (continuing): %v", state.item.Label(job.Season), err))
			log.Warn("artwork generation failed", "job", job.ID, "item", state.item.RemoteID, "err", err)
		}
		r.setStageProgress(job.ID, percent(i+1, total))
	}
	return nil
}

func (r *Runner) descriptorStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	for i, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		if state.alive() {
			path, err := r.descriptors.Write(ctx, job, state.item, state.meta, state.mediaPath)
			if err != nil {
				// Media-server integration depends on the descriptor, so the
				// item is lost even though its media file exists.
				state.failure = domain.FailureDescriptor
				r.stageMessage(job.ID, domain.StageDescriptors,
					fmt.Sprintf("Failed to write descriptor for %s: %v", state.item.Label(job.Season), err))
			} else {
				state.descriptorPath = path
			}
		}
		r.setStageProgress(job.ID, percent(i+1, total))
	}
	return nil
}

func (r *Runner) publishStage(ctx context.Context, job domain.Job, states []*itemState) error {
	total := len(states)
	published := 0
	for i, state := range states {
		if r.cancelled(ctx, job.ID) {
			return errCancelled
		}
		if state.alive() && state.mediaPath != "" {
			mediaPath, descriptorPath, err := r.publisher.Publish(ctx, job, state.item, state.mediaPath, state.descriptorPath)
			if err != nil {
				return &stageError{class: domain.FailurePublish,
					msg: fmt.Sprintf("publish %s: %v", state.item.Label(job.Season), err)}
			}
			state.mediaPath = mediaPath
			state.descriptorPath = descriptorPath
			state.published = true
			published++
		}
		r.setStageProgress(job.ID, percent(i+1, total))
	}
	if published == 0 {
		r.stageMessage(job.ID, domain.StagePublishing, "Nothing to publish")
		return nil
	}
	r.stageMessage(job.ID, domain.StagePublishing, fmt.Sprintf("Published %d items", published))
	return nil
}

// cancelled is the cooperative checkpoint: context cancellation (scheduler
// shutdown or operator cancel of a running job) or the registry flag.
func (r *Runner) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	job, ok := r.registry.Get(jobID)
	return ok && job.CancelRequested
}

func (r *Runner) enterStage(jobID string, stage domain.Stage) {
	r.registry.Update(jobID, func(j *domain.Job) {
		j.Stage = stage
		j.StageProgress = 0
		j.CurrentItem = ""
		j.Messages = appendMessage(j.Messages, stagePrefix(stage)+" Starting")
	})
}

func (r *Runner) stageMessage(jobID string, stage domain.Stage, text string) {
	r.registry.Append(jobID, stagePrefix(stage)+" "+text)
}

func (r *Runner) setStageProgress(jobID string, value int) {
	r.registry.Update(jobID, func(j *domain.Job) {
		j.StageProgress = value
	})
}

func (r *Runner) setCurrent(jobID, label string) {
	r.registry.Update(jobID, func(j *domain.Job) {
		j.CurrentItem = label
	})
}

func stagePrefix(stage domain.Stage) string {
	if desc, ok := stageDescriptions[stage]; ok {
		return "[" + desc + "]"
	}
	return "[" + string(stage) + "]"
}

func appendMessage(messages []domain.Message, text string) []domain.Message {
	return append(messages, domain.Message{Time: time.Now().UTC(), Text: text})
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// completedItems returns only items that cleared publishing. A merely
// acquired or transcoded item must stay rediscoverable by the next sync
// pass, so it never counts as completed.
func completedItems(states []*itemState) []CompletedItem {
	completed := make([]CompletedItem, 0, len(states))
	for _, state := range states {
		if state.alive() && state.published {
			completed = append(completed, CompletedItem{
				Item:           state.item,
				MediaPath:      state.mediaPath,
				DescriptorPath: state.descriptorPath,
			})
		}
	}
	return completed
}

// worstItemFailure picks the classification reported for a partially failed
// job. Artwork never fails a job.
func worstItemFailure(states []*itemState) domain.FailureClass {
	var class domain.FailureClass
	for _, state := range states {
		switch state.failure {
		case domain.FailureAcquisition, domain.FailureTranscode, domain.FailureDescriptor:
			if class == "" {
				class = state.failure
			}
		}
	}
	return class
}

type stageError struct {
	class domain.FailureClass
	msg   string
}

func (e *stageError) Error() string { return e.msg }

func classOf(err error) domain.FailureClass {
	var se *stageError
	if errors.As(err, &se) {
		return se.class
	}
	return domain.FailureAcquisition
}
