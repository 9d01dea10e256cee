// Package scheduler runs discovery jobs on a bounded worker pool. Workers
// share nothing but the repository: each claims a PENDING job, runs the
// probe under the job deadline, and hands the findings to the reconciler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/internal/normalizer"
	"github.com/edgescope/edgescope/internal/probes"
	"github.com/edgescope/edgescope/internal/reconciler"
	"github.com/edgescope/edgescope/pkg/types"
)

type Scheduler struct {
	cfg        config.SchedulerConfig
	probesCfg  config.ProbesConfig
	repo       core.Repository
	registry   core.ProbeRegistry
	normalizer *normalizer.Normalizer
	reconciler *reconciler.Reconciler
	logger     *logger.Logger
	metrics    core.Telemetry

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func New(cfg config.SchedulerConfig, probesCfg config.ProbesConfig, repo core.Repository, registry core.ProbeRegistry,
	norm *normalizer.Normalizer, rec *reconciler.Reconciler, log *logger.Logger, metrics core.Telemetry) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		probesCfg:  probesCfg,
		repo:       repo,
		registry:   registry,
		normalizer: norm,
		reconciler: rec,
		logger:     log.WithComponent("scheduler"),
		metrics:    metrics,
	}
}

func (s *Scheduler) Workers() int {
	return s.cfg.Workers
}

// Start sweeps orphaned RUNNING jobs, then launches the worker pool.
// It refuses to accept jobs when the repository is unreachable.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository unreachable, refusing to accept jobs: %w", err)
	}

	swept, err := s.repo.SweepStaleJobs(ctx, s.cfg.StaleJobGrace)
	if err != nil {
		return fmt.Errorf("sweeping stale jobs: %w", err)
	}
	if len(swept) > 0 {
		s.logger.Warnw("Failed orphaned jobs from a previous run",
			"count", len(swept),
			"job_ids", swept,
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			s.runWorker(runCtx, worker)
			return nil
		})
	}

	if s.metrics != nil {
		s.metrics.RecordActiveWorkers(s.cfg.Workers)
	}
	s.logger.Infow("Scheduler started",
		"workers", s.cfg.Workers,
		"poll_interval", s.cfg.QueuePollInterval.String(),
		"job_timeout", s.cfg.JobTimeout.String(),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	group := s.group
	s.started = false
	s.mu.Unlock()

	cancel()
	err := group.Wait()

	if s.metrics != nil {
		s.metrics.RecordActiveWorkers(0)
	}
	s.logger.Infow("Scheduler stopped")
	return err
}

// runWorker claims and processes jobs until the context is cancelled.
// An empty queue is idle time, not an error.
func (s *Scheduler) runWorker(ctx context.Context, id int) {
	log := s.logger.WithFields("worker", id)
	ticker := time.NewTicker(s.cfg.QueuePollInterval)
	defer ticker.Stop()

	for {
		job, err := s.repo.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorw("Failed to claim job", "error", err.Error())
		} else if job != nil {
			s.process(ctx, job)
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// process runs one claimed job to a terminal status. Probe execution is
// bounded by the job deadline; a probe failure of any kind leaves the
// inventory untouched.
func (s *Scheduler) process(ctx context.Context, job *types.DiscoveryJob) {
	log := s.logger.WithJobID(job.ID).WithFields(
		"job_type", job.JobType,
		"target", job.Target,
		"organization_id", job.OrganizationID,
	)
	start := time.Now()

	probe, err := s.registry.Get(job.JobType)
	if err != nil {
		s.fail(ctx, log, job, start, fmt.Errorf("no probe for job type %s: %w", job.JobType, err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	var result *types.DiscoveryResult
	err = probes.RetryTransient(jobCtx, s.probesCfg, log, func() error {
		var execErr error
		result, execErr = probe.Execute(jobCtx, job.Target, job.Configuration)
		return execErr
	})
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("job deadline %s exceeded: %w", s.cfg.JobTimeout, err)
		}
		s.fail(ctx, log, job, start, err)
		return
	}

	batch := s.normalizer.Normalize(jobCtx, result)
	summary, err := s.reconciler.Reconcile(jobCtx, job, batch)
	if err != nil {
		s.fail(ctx, log, job, start, fmt.Errorf("reconciling findings: %w", err))
		return
	}

	logs := completionLog(batch, summary)
	if err := s.repo.CompleteJob(ctx, job.ID, logs); err != nil {
		log.Errorw("Failed to mark job completed", "error", err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.RecordJob(job.JobType, time.Since(start).Seconds(), true)
	}
	log.Infow("Job completed",
		"assets_created", summary.AssetsCreated,
		"assets_updated", summary.AssetsUpdated,
		"dropped_findings", len(batch.Dropped),
		"duration", time.Since(start).String(),
	)
}

// fail marks the job FAILED. The terminal write uses the scheduler's
// context so a job-deadline expiry cannot also lose the status update.
func (s *Scheduler) fail(ctx context.Context, log *logger.Logger, job *types.DiscoveryJob, start time.Time, cause error) {
	var pe *types.ProbeError
	permanent := errors.As(cause, &pe) && !pe.Transient()

	if err := s.repo.FailJob(ctx, job.ID, cause.Error()); err != nil {
		log.Errorw("Failed to mark job failed",
			"cause", cause.Error(),
			"error", err.Error(),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordJob(job.JobType, time.Since(start).Seconds(), false)
	}
	log.Warnw("Job failed",
		"error", cause.Error(),
		"permanent", permanent,
		"duration", time.Since(start).String(),
	)
}

// completionLog summarizes a job's contribution for the durable job log.
func completionLog(batch *types.NormalizedBatch, summary *reconciler.Summary) string {
	return fmt.Sprintf(
		"assets: %d new, %d updated; ports: %d new, %d updated; technologies: %d new, %d updated; vulnerabilities: %d new, %d seen; dropped findings: %d\n",
		summary.AssetsCreated, summary.AssetsUpdated,
		summary.PortsCreated, summary.PortsUpdated,
		summary.TechnologiesCreated, summary.TechnologiesUpdated,
		summary.VulnerabilitiesNew, summary.VulnerabilitiesSeen,
		len(batch.Dropped),
	)
}
