// Package scheduler admits queued jobs into a fixed-size worker pool. FIFO by
// creation time, at most one running job per subscription, cooperative
// cancellation through a per-job context.
package scheduler

import (
	"context"
	"sync"
	"time"

	"tubarr/internal/domain"
	"tubarr/internal/jobs"
)

type JobRunner interface {
	Run(ctx context.Context, jobID string)
}

type Scheduler struct {
	registry *jobs.Registry
	runner   JobRunner
	wakeCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	busySubs map[string]struct{}
	cancels  map[string]context.CancelFunc
}

func New(registry *jobs.Registry, runner JobRunner, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		registry: registry,
		runner:   runner,
		wakeCh:   make(chan struct{}, workers*2),
		cancel:   cancel,
		busySubs: make(map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s
}

// Notify wakes an idle worker; safe to call from anywhere, never blocks.
func (s *Scheduler) Notify() {
	if s == nil {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Stop cancels all in-flight work and waits for the workers to drain.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	s.Notify()
	s.wg.Wait()
}

// Cancel flags a job for cancellation. A queued job is moved straight to
// cancelled on the next admission pass; a running job's context is cancelled
// so in-flight external processes terminate, and the worker observes the flag
// at its next checkpoint. Returns false for unknown or terminal jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	if !s.registry.RequestCancel(jobID) {
		return false
	}
	s.mu.Lock()
	if cancelJob, running := s.cancels[jobID]; running {
		cancelJob()
	}
	s.mu.Unlock()
	s.Notify()
	return true
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		job, runCtx, ok := s.claim(ctx)
		if !ok {
			if err := s.waitForWork(ctx); err != nil {
				return
			}
			continue
		}

		s.runner.Run(runCtx, job.ID)
		s.release(job)
		s.Notify()
	}
}

func (s *Scheduler) claim(ctx context.Context) (domain.Job, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.registry.AdmitOldest(s.busySubs)
	if !ok {
		return domain.Job{}, nil, false
	}
	if job.SubscriptionID != "" {
		s.busySubs[job.SubscriptionID] = struct{}{}
	}
	runCtx, cancelJob := context.WithCancel(ctx)
	s.cancels[job.ID] = cancelJob
	return job, runCtx, true
}

func (s *Scheduler) release(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.SubscriptionID != "" {
		delete(s.busySubs, job.SubscriptionID)
	}
	if cancelJob, ok := s.cancels[job.ID]; ok {
		cancelJob()
		delete(s.cancels, job.ID)
	}
}

func (s *Scheduler) waitForWork(ctx context.Context) error {
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wakeCh:
		return nil
	case <-timer.C:
		return nil
	}
}
