package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"livecast/internal/model"
)

// Runner keeps at most one Engine.Run in flight per job in this process.
// A trigger for a job that is already running joins that run.
type Runner struct {
	engine *Engine
	ctx    context.Context
	log    *zap.Logger

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewRunner binds background runs to ctx; cancelling it stops them at the next
// send or tick and leaves them resumable.
func NewRunner(ctx context.Context, engine *Engine, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		engine:   engine,
		ctx:      ctx,
		log:      log.Named("runner"),
		inflight: make(map[string]bool),
	}
}

// Start runs the job in the background. It returns false when a run for
// jobID is already in flight.
func (r *Runner) Start(jobID, tenantID string) bool {
	r.mu.Lock()
	if r.inflight[jobID] {
		r.mu.Unlock()
		return false
	}
	r.inflight[jobID] = true
	r.mu.Unlock()

	done := r.launch(jobID, tenantID)
	go func() {
		if res := <-done; res.Err != nil {
			job, _ := res.Val.(model.BroadcastJob)
			r.log.Warn("job run ended with error", zap.String("job", jobID), zap.String("status", string(job.Status)), zap.Error(res.Err))
		}
	}()
	return true
}

// RunWait runs the job, or joins the run in flight, and blocks until it returns
// or ctx ends. The run itself is bound to the Runner's context, so a caller
// that stops waiting leaves it going.
func (r *Runner) RunWait(ctx context.Context, jobID, tenantID string) (model.BroadcastJob, error) {
	select {
	case res := <-r.launch(jobID, tenantID):
		job, _ := res.Val.(model.BroadcastJob)
		return job, res.Err
	case <-ctx.Done():
		return model.BroadcastJob{}, ctx.Err()
	}
}

func (r *Runner) launch(jobID, tenantID string) <-chan singleflight.Result {
	r.wg.Add(1)
	out := make(chan singleflight.Result, 1)
	ch := r.group.DoChan(jobID, func() (any, error) {
		r.setInFlight(jobID, true)
		defer r.setInFlight(jobID, false)
		return r.engine.Run(r.ctx, jobID, tenantID)
	})
	go func() {
		defer r.wg.Done()
		res := <-ch
		if res.Shared {
			r.log.Debug("joined in-flight run", zap.String("job", jobID))
		}
		out <- res
	}()
	return out
}

// InFlight reports whether jobID is running in this process.
func (r *Runner) InFlight(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[jobID]
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) setInFlight(jobID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.inflight[jobID] = true
	} else {
		delete(r.inflight, jobID)
	}
}
