package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"livecast/internal/broadcast"
	"livecast/internal/model"
)

type jobView struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Status         model.JobStatus `json:"status"`
	JobData        model.JobData   `json:"job_data"`
	ProcessedItems int             `json:"processed_items"`
	CurrentIndex   int             `json:"current_index"`
	TotalItems     int             `json:"total_items"`
	LastError      string          `json:"last_error,omitempty"`
	Running        bool            `json:"running"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func (a *API) viewJob(j *model.BroadcastJob) jobView {
	return jobView{
		ID:             j.ID,
		TenantID:       j.TenantID,
		Status:         j.Status,
		JobData:        j.Data(),
		ProcessedItems: j.Progress.SentMessages + j.Progress.ErrorMessages,
		CurrentIndex:   j.Progress.CurrentProductIndex,
		TotalItems:     j.TotalUnits(),
		LastError:      j.LastError,
		Running:        a.Runner.InFlight(j.ID),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

type createJobReq struct {
	TenantID string `json:"tenant_id"`
	model.JobDefinition
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch {
	case req.TenantID == "":
		writeErr(w, http.StatusBadRequest, "tenant_id required")
		return
	case len(req.ProductIDs) == 0 || len(req.GroupIDs) == 0:
		writeErr(w, http.StatusBadRequest, "productIds and groupIds required")
		return
	case req.MessageTemplate == "":
		writeErr(w, http.StatusBadRequest, "messageTemplate required")
		return
	case req.PerGroupDelaySeconds < 0 || req.PerProductDelayMinutes < 0 || req.MinGroupDelaySeconds < 0 || req.MaxGroupDelaySeconds < 0:
		writeErr(w, http.StatusBadRequest, "delays must not be negative")
		return
	}
	job, err := a.Jobs.CreateJob(r.Context(), req.TenantID, req.JobDefinition)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a.viewJob(job))
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := a.Jobs.ListJobs(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, a.viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, jobCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.viewJob(job))
}

func (a *API) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	a.setJobStatus(w, r, model.JobPaused, model.JobPending, model.JobRunning)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	a.setJobStatus(w, r, model.JobCancelled, model.JobPending, model.JobRunning, model.JobPaused, model.JobError)
}

// setJobStatus writes an operator status change; the running engine picks it
// up at its next send or countdown tick.
func (a *API) setJobStatus(w http.ResponseWriter, r *http.Request, to model.JobStatus, from ...model.JobStatus) {
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, jobCode(err), err.Error())
		return
	}
	ok, err := a.Jobs.UpdateJobStatus(r.Context(), id, to, "", from...)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusConflict, "job is "+string(job.Status))
		return
	}
	job.Status = to
	writeJSON(w, http.StatusOK, a.viewJob(job))
}

type runJobReq struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
	Wait     bool   `json:"wait"`
}

// handleRunJob starts or resumes a job. It answers 202 right away with the
// current counters, or 200 with the final ones when wait is set.
func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req runJobReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.JobID == "" || req.TenantID == "" {
		writeErr(w, http.StatusBadRequest, "job_id and tenant_id required")
		return
	}
	job, err := a.Jobs.GetJob(r.Context(), req.JobID)
	if err != nil {
		writeErr(w, jobCode(err), err.Error())
		return
	}
	if job.TenantID != req.TenantID {
		writeErr(w, http.StatusUnprocessableEntity, "job does not belong to tenant")
		return
	}
	if job.Status.Finished() {
		writeJSON(w, http.StatusOK, a.viewJob(job))
		return
	}

	if req.Wait {
		final, err := a.Runner.RunWait(r.Context(), req.JobID, req.TenantID)
		if err != nil {
			writeErr(w, jobCode(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a.viewJob(&final))
		return
	}

	if _, err := a.Transports.Resolve(r.Context(), req.TenantID); err != nil {
		msg := broadcast.ErrConfiguration.Error() + ": " + err.Error()
		if _, uerr := a.Jobs.UpdateJobStatus(r.Context(), job.ID, model.JobError, msg,
			model.JobPending, model.JobPaused, model.JobError); uerr != nil {
			a.Log.Warn("mark job error", zap.String("job", job.ID), zap.Error(uerr))
		}
		writeErr(w, http.StatusUnprocessableEntity, msg)
		return
	}

	started := a.Runner.Start(req.JobID, req.TenantID)
	a.Log.Info("job triggered", zap.String("job", req.JobID), zap.String("tenant", req.TenantID), zap.Bool("started", started))
	writeJSON(w, http.StatusAccepted, a.viewJob(job))
}

// jobCode maps a job store or engine error to an HTTP status.
func jobCode(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrConfiguration):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
