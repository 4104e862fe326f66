// Package jobs holds the in-memory job table. The registry is the only
// structure mutated by multiple workers concurrently; every read and write
// goes through its lock and callers only ever see snapshot copies.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tubarr/internal/domain"
)

// snapshotMessageLimit caps the message tail returned by Get.
const snapshotMessageLimit = 200

// Spec describes a job to be created.
type Spec struct {
	Kind           domain.JobKind
	SubscriptionID string
	SourceURL      string
	ShowName       string
	Season         string
	Items          []domain.WorkItem
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status domain.JobStatus
	Kind   domain.JobKind
}

type Registry struct {
	mu             sync.Mutex
	jobs           map[string]*domain.Job
	order          []string
	completedLimit int
}

func NewRegistry(completedJobsLimit int) *Registry {
	if completedJobsLimit <= 0 {
		completedJobsLimit = 10
	}
	return &Registry{
		jobs:           make(map[string]*domain.Job),
		completedLimit: completedJobsLimit,
	}
}

// Create registers a new queued job and returns its id. Once more than the
// configured limit of terminal jobs exist, the oldest terminal jobs are
// evicted; non-terminal jobs are never evicted.
func (r *Registry) Create(spec Spec) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New().String(),
		Kind:           spec.Kind,
		SubscriptionID: spec.SubscriptionID,
		SourceURL:      spec.SourceURL,
		ShowName:       spec.ShowName,
		Season:         spec.Season,
		Status:         domain.StatusQueued,
		Stage:          domain.StageWaiting,
		TotalItems:     len(spec.Items),
		RemainingItems: append([]domain.WorkItem(nil), spec.Items...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job.Messages = append(job.Messages, domain.Message{Time: now, Text: "Job queued"})

	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.evictTerminalLocked()
	return job.ID
}

// Get returns a snapshot of the job, capping messages at the most recent 200.
func (r *Registry) Get(id string) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return snapshot(job, snapshotMessageLimit), true
}

// List returns snapshots in creation order. Messages are omitted, matching
// the listing surface.
func (r *Registry) List(filter Filter) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Job, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		s := snapshot(job, 0)
		s.Messages = nil
		out = append(out, s)
	}
	return out
}

// Update applies a mutation under the registry lock and bumps UpdatedAt,
// keeping it non-decreasing. Returns false for unknown ids.
func (r *Registry) Update(id string, mutate func(*domain.Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	mutate(job)
	bump(job)
	return true
}

// Append adds one message to the job log.
func (r *Registry) Append(id, text string) bool {
	return r.Update(id, func(job *domain.Job) {
		job.Messages = append(job.Messages, domain.Message{Time: time.Now().UTC(), Text: text})
	})
}

// RequestCancel flips cancel_requested false -> true on a non-terminal job.
// Returns false if the job is missing, terminal, or already flagged.
func (r *Registry) RequestCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() || job.CancelRequested {
		return false
	}
	job.CancelRequested = true
	job.Messages = append(job.Messages, domain.Message{Time: time.Now().UTC(), Text: "Cancellation requested"})
	bump(job)
	return true
}

// HasActiveJob reports whether a non-terminal job exists for a subscription.
func (r *Registry) HasActiveJob(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.SubscriptionID == subscriptionID && !job.Status.Terminal() {
			return true
		}
	}
	return false
}

// DeleteIfTerminal removes a job only once it has reached a terminal status.
func (r *Registry) DeleteIfTerminal(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || !job.Status.Terminal() {
		return false
	}
	r.removeLocked(id)
	return true
}

// AdmitOldest transitions the oldest admissible queued job to running and
// returns its snapshot. Queued jobs with cancel_requested are moved straight
// to cancelled without running. Jobs whose subscription appears in busy are
// skipped: at most one job per subscription runs at a time.
func (r *Registry) AdmitOldest(busy map[string]struct{}) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		job := r.jobs[id]
		if job.Status != domain.StatusQueued {
			continue
		}
		if job.CancelRequested {
			job.Status = domain.StatusCancelled
			job.Messages = append(job.Messages, domain.Message{Time: time.Now().UTC(), Text: "Job cancelled before start"})
			bump(job)
			continue
		}
		if job.SubscriptionID != "" {
			if _, running := busy[job.SubscriptionID]; running {
				continue
			}
		}
		job.Status = domain.StatusRunning
		job.Stage = domain.StageWaiting
		job.Messages = append(job.Messages, domain.Message{Time: time.Now().UTC(), Text: "Job started"})
		bump(job)
		return snapshot(job, 0), true
	}
	return domain.Job{}, false
}

func (r *Registry) removeLocked(id string) {
	delete(r.jobs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) evictTerminalLocked() {
	terminal := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= r.completedLimit {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})
	for _, job := range terminal[:len(terminal)-r.completedLimit] {
		r.removeLocked(job.ID)
	}
}

func bump(job *domain.Job) {
	now := time.Now().UTC()
	if now.Before(job.UpdatedAt) {
		now = job.UpdatedAt
	}
	job.UpdatedAt = now
}

func snapshot(job *domain.Job, messageLimit int) domain.Job {
	s := *job
	s.RemainingItems = append([]domain.WorkItem(nil), job.RemainingItems...)
	messages := job.Messages
	if messageLimit > 0 && len(messages) > messageLimit {
		messages = messages[len(messages)-messageLimit:]
	}
	s.Messages = append([]domain.Message(nil), messages...)
	return s
}
