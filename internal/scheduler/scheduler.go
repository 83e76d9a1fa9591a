package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"livecast/internal/model"
)

// JobLister finds jobs by status.
type JobLister interface {
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.BroadcastJob, error)
}

// Starter launches a job run in the background unless one is already in flight.
type Starter interface {
	Start(jobID, tenantID string) bool
	InFlight(jobID string) bool
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Resumer periodically picks up jobs left in running by a previous process
// (and, optionally, pending jobs nobody triggered) and starts them again.
type Resumer struct {
	jobs    JobLister
	runner  Starter
	pending bool
	cron    *cron.Cron
	log     *zap.Logger
}

// NewResumer schedules the resume pass with a cron spec such as "@every 1m".
func NewResumer(jobs JobLister, runner Starter, spec string, includePending bool, log *zap.Logger) (*Resumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resumer{
		jobs:    jobs,
		runner:  runner,
		pending: includePending,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log.Named("resumer"),
	}
	if _, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error("resume pass failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("resume schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start runs the schedule in its own goroutine.
func (r *Resumer) Start() {
	r.cron.Start()
	r.log.Info("resumer started", zap.Bool("include_pending", r.pending))
}

// Stop halts the schedule; the returned context is done once a running pass finishes.
func (r *Resumer) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce starts every resumable job that is not already in flight and returns
// how many were started.
func (r *Resumer) RunOnce(ctx context.Context) (int, error) {
	statuses := []model.JobStatus{model.JobRunning}
	if r.pending {
		statuses = append(statuses, model.JobPending)
	}
	jobs, err := r.jobs.ListJobsByStatus(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, j := range jobs {
		if r.runner.InFlight(j.ID) {
			continue
		}
		if r.runner.Start(j.ID, j.TenantID) {
			started++
			r.log.Info("job resumed", zap.String("job", j.ID), zap.String("tenant", j.TenantID), zap.String("status", string(j.Status)))
		}
	}
	return started, nil
}
