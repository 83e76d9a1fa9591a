// Package broadcast runs resumable product-by-group broadcast jobs.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"livecast/internal/model"
	"livecast/internal/render"
	"livecast/internal/scheduler"
	"livecast/internal/sender"
)

// JobStore persists jobs and their checkpoints.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*model.BroadcastJob, error)
	JobStatus(ctx context.Context, id string) (model.JobStatus, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	SaveProgress(ctx context.Context, job *model.BroadcastJob) error
	CompleteJob(ctx context.Context, job *model.BroadcastJob) (bool, error)
	UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, lastError string, from ...model.JobStatus) (bool, error)
}

// Catalog returns products aligned with ids; unknown ids yield nil entries.
type Catalog interface {
	ProductsByIDs(ctx context.Context, tenantID string, ids []string) ([]*model.Product, error)
}

// TransportResolver picks the outbound transport of a tenant.
type TransportResolver interface {
	Resolve(ctx context.Context, tenantID string) (sender.Transport, error)
}

// SendLogger records every send attempt.
type SendLogger interface {
	LogSend(ctx context.Context, l model.SendLog) error
}

type Options struct {
	// Tick is the step of every wait between sends; pause and cancel are polled on every tick.
	Tick time.Duration
	// SendTimeout bounds a single send.
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	return o
}

type Engine struct {
	jobs      JobStore
	catalog   Catalog
	transport TransportResolver
	logs      SendLogger
	opts      Options
	log       *zap.Logger

	// second is the length of one delay second; tests shorten it.
	second time.Duration
}

// NewEngine builds an engine; logs may be nil.
func NewEngine(jobs JobStore, catalog Catalog, transport TransportResolver, logs SendLogger, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		jobs:      jobs,
		catalog:   catalog,
		transport: transport,
		logs:      logs,
		opts:      opts.withDefaults(),
		log:       log.Named("broadcast"),
		second:    time.Second,
	}
}

// Run starts or resumes job jobID from its persisted checkpoint and blocks until
// it completes, is paused or cancelled, or ctx ends. Send failures are absorbed
// into the job counters; only setup faults return ErrConfiguration and leave the
// job in error. The returned job carries the last known state.
func (e *Engine) Run(ctx context.Context, jobID, tenantID string) (model.BroadcastJob, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return model.BroadcastJob{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Finished() {
		return *job, nil
	}
	if tenantID != "" && job.TenantID != tenantID {
		return *job, configError("job %s belongs to tenant %s, not %s", jobID, job.TenantID, tenantID)
	}
	log := e.log.With(zap.String("job", job.ID), zap.String("tenant", job.TenantID))

	transport, err := e.transport.Resolve(ctx, job.TenantID)
	if err != nil {
		return e.fail(ctx, job, log, fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	products, err := e.catalog.ProductsByIDs(ctx, job.TenantID, job.Definition.ProductIDs)
	if err != nil {
		return e.fail(ctx, job, log, fmt.Errorf("%w: load products: %v", ErrConfiguration, err))
	}

	ok, err := e.jobs.MarkRunning(ctx, job.ID)
	if err != nil {
		return *job, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	if !ok {
		// Finished between load and start.
		if cur, err := e.jobs.GetJob(ctx, job.ID); err == nil {
			job = cur
		}
		return *job, nil
	}
	job.Status = model.JobRunning
	job.LastError = ""
	log.Info("job started",
		zap.Int("product", job.Progress.CurrentProductIndex),
		zap.Int("group", job.Progress.CurrentGroupIndex),
		zap.Int("units", job.TotalUnits()))

	if err := e.loop(ctx, job, products, transport, log); err != nil {
		return *job, err
	}
	if job.Status != model.JobRunning {
		log.Info("job halted", zap.String("status", string(job.Status)),
			zap.Int("sent", job.Progress.SentMessages), zap.Int("errors", job.Progress.ErrorMessages))
		return *job, nil
	}

	job.Progress.CurrentProductIndex = len(products)
	job.Progress.CurrentGroupIndex = 0
	job.Progress.CountdownSeconds = 0
	job.Progress.IsWaitingForNextProduct = false
	done, err := e.jobs.CompleteJob(ctx, job)
	if err != nil {
		return *job, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !done {
		// Paused or cancelled right after the last send; keep the final checkpoint.
		if err := e.jobs.SaveProgress(ctx, job); err != nil {
			log.Warn("save final checkpoint", zap.Error(err))
		}
		job.Status, _ = e.jobs.JobStatus(ctx, job.ID)
		return *job, nil
	}
	log.Info("job completed", zap.Int("sent", job.Progress.SentMessages), zap.Int("errors", job.Progress.ErrorMessages))
	return *job, nil
}

// loop walks the (product, group) matrix from the checkpoint. It returns nil
// with job.Status updated when the job was halted externally.
func (e *Engine) loop(ctx context.Context, job *model.BroadcastJob, products []*model.Product, transport sender.Transport, log *zap.Logger) error {
	def := job.Definition
	prog := &job.Progress

	for pi := prog.CurrentProductIndex; pi < len(products); pi++ {
		if prog.IsWaitingForNextProduct {
			if prog.CountdownSeconds > 0 {
				log.Info("resuming countdown", zap.Int("seconds", prog.CountdownSeconds))
				if halted, err := e.countdown(ctx, job, e.seconds(prog.CountdownSeconds)); halted || err != nil {
					return err
				}
			}
			prog.IsWaitingForNextProduct = false
			prog.CountdownSeconds = 0
		}

		product := products[pi]
		if product == nil {
			log.Warn("product not found, skipping", zap.Int("index", pi), zap.String("product", def.ProductIDs[pi]))
			prog.CurrentProductIndex = pi + 1
			prog.CurrentGroupIndex = 0
			if err := e.checkpoint(ctx, job); err != nil {
				return err
			}
			continue
		}

		text := render.Message(def.MessageTemplate, product)
		for gi := prog.CurrentGroupIndex; gi < len(def.GroupIDs); gi++ {
			if e.halted(ctx, job) {
				return nil
			}
			groupID := def.GroupIDs[gi]
			if err := e.send(ctx, job, transport, product, groupID, text); ctx.Err() != nil {
				// Shutting down: leave the checkpoint on this group so a resume retries it.
				return ctx.Err()
			} else if err != nil {
				prog.ErrorMessages++
				log.Warn("send failed", zap.String("product", product.ID), zap.String("group", groupID), zap.Error(err))
			} else {
				prog.SentMessages++
			}
			prog.CurrentProductIndex = pi
			prog.CurrentGroupIndex = gi + 1
			if err := e.checkpoint(ctx, job); err != nil {
				return err
			}

			if gi < len(def.GroupIDs)-1 {
				d := e.scale(scheduler.Delay(def.PerGroupDelaySeconds, def.UseRandomDelay, def.MinGroupDelaySeconds, def.MaxGroupDelaySeconds))
				if !scheduler.CountdownWait(ctx, d, e.opts.Tick, nil, func() bool { return e.halted(ctx, job) }) {
					// Either halted (job.Status is set) or shutting down; the checkpoint already points past this group.
					return ctx.Err()
				}
			}
		}

		prog.CurrentProductIndex = pi + 1
		prog.CurrentGroupIndex = 0
		if pi == len(products)-1 {
			break
		}
		wait := time.Duration(def.PerProductDelayMinutes) * 60 * e.second
		if wait > 0 {
			prog.IsWaitingForNextProduct = true
			prog.CountdownSeconds = e.toSeconds(wait)
		}
		if err := e.checkpoint(ctx, job); err != nil {
			return err
		}
		if wait > 0 {
			if halted, err := e.countdown(ctx, job, wait); halted || err != nil {
				return err
			}
			prog.IsWaitingForNextProduct = false
			prog.CountdownSeconds = 0
		}
	}
	return nil
}

// countdown waits d between products, persisting the remaining seconds on every
// tick. It reports halted when the job was paused or cancelled meanwhile.
func (e *Engine) countdown(ctx context.Context, job *model.BroadcastJob, d time.Duration) (bool, error) {
	var saveErr error
	done := scheduler.CountdownWait(ctx, d, e.opts.Tick,
		func(remaining time.Duration) {
			job.Progress.CountdownSeconds = e.toSeconds(remaining)
			if err := e.checkpoint(ctx, job); err != nil {
				saveErr = err
			}
		},
		func() bool { return saveErr != nil || e.halted(ctx, job) },
	)
	if saveErr != nil {
		return false, saveErr
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !done, nil
}

// halted polls the stored status and records it on job when an operator paused
// or cancelled the job.
func (e *Engine) halted(ctx context.Context, job *model.BroadcastJob) bool {
	st, err := e.jobs.JobStatus(ctx, job.ID)
	if err != nil {
		e.log.Warn("poll job status", zap.String("job", job.ID), zap.Error(err))
		return false
	}
	if st == model.JobRunning {
		return false
	}
	job.Status = st
	return true
}

func (e *Engine) send(ctx context.Context, job *model.BroadcastJob, transport sender.Transport, p *model.Product, groupID, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	msgID, err := transport.SendGroupMessage(sendCtx, groupID, text, p.ImageURL)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", e.opts.SendTimeout, err)
		}
		err = &SendError{TenantID: job.TenantID, JobID: job.ID, ProductID: p.ID, GroupID: groupID, Err: err}
	}
	e.record(ctx, job, p.ID, groupID, text, msgID, err)
	return err
}

func (e *Engine) record(ctx context.Context, job *model.BroadcastJob, productID, groupID, text, msgID string, sendErr error) {
	if e.logs == nil {
		return
	}
	entry := model.SendLog{
		TS:             time.Now().UTC(),
		TenantID:       job.TenantID,
		JobID:          job.ID,
		ProductID:      productID,
		GroupID:        groupID,
		Status:         "sent",
		MessagePreview: render.Preview(text, 80),
		MessageID:      msgID,
	}
	if sendErr != nil {
		entry.Status = "failed"
		entry.Error = sendErr.Error()
	}
	if err := e.logs.LogSend(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Warn("write send log", zap.String("job", job.ID), zap.Error(err))
	}
}

func (e *Engine) checkpoint(ctx context.Context, job *model.BroadcastJob) error {
	if err := e.jobs.SaveProgress(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("checkpoint job %s: %w", job.ID, err)
	}
	return nil
}

// fail moves the job to error for a setup fault and returns err.
func (e *Engine) fail(ctx context.Context, job *model.BroadcastJob, log *zap.Logger, err error) (model.BroadcastJob, error) {
	log.Error("job setup failed", zap.Error(err))
	ok, uerr := e.jobs.UpdateJobStatus(ctx, job.ID, model.JobError, err.Error(),
		model.JobPending, model.JobRunning, model.JobPaused, model.JobError)
	if uerr != nil {
		log.Error("mark job error", zap.Error(uerr))
	}
	if ok {
		job.Status = model.JobError
		job.LastError = err.Error()
	}
	return *job, err
}

// scale converts a scheduler delay, counted in wall seconds, to e.second.
func (e *Engine) scale(d time.Duration) time.Duration {
	return time.Duration(int64(d/time.Second)) * e.second
}

func (e *Engine) seconds(n int) time.Duration {
	return time.Duration(n) * e.second
}

func (e *Engine) toSeconds(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(e.second)))
}
