package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus tracks the lifecycle of a tenant's WhatsApp connection.
type SessionStatus string

const (
	StatusUninitialized SessionStatus = "uninitialized"
	StatusInitializing  SessionStatus = "initializing"
	StatusQRPending     SessionStatus = "qr_pending"
	StatusAuthenticated SessionStatus = "authenticated"
	StatusOnline        SessionStatus = "online"
	StatusOffline       SessionStatus = "offline"
	StatusAuthFailed    SessionStatus = "auth_failed"
	StatusError         SessionStatus = "error"
)

// Terminal reports whether the status needs an explicit Connect to leave it.
func (s SessionStatus) Terminal() bool {
	return s == StatusAuthFailed || s == StatusError
}

// Pairing reports whether the session is still waiting for the first login.
func (s SessionStatus) Pairing() bool {
	return s == StatusInitializing || s == StatusQRPending
}

// Identity is the WhatsApp account a session is logged in as.
type Identity struct {
	ExternalID   string `json:"external_id" db:"external_id"` // device JID
	DisplayPhone string `json:"display_phone" db:"display_phone"`
}

// Session is the per-tenant connection record.
type Session struct {
	TenantID         string        `json:"tenant_id" db:"tenant_id"`
	Status           SessionStatus `json:"status" db:"status"`
	QRPayload        string        `json:"qr,omitempty" db:"qr_payload"`
	Identity         *Identity     `json:"identity,omitempty"`
	LastError        string        `json:"last_error,omitempty" db:"last_error"`
	LastTransitionAt time.Time     `json:"last_transition_at" db:"last_transition_at"`
	HasClient        bool          `json:"has_client" db:"-"`
}

// JobStatus is the lifecycle state of a broadcast job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// Finished reports whether a job can no longer make progress.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobCancelled
}

// Halted reports whether an operator asked the running job to stop.
func (s JobStatus) Halted() bool {
	return s == JobPaused || s == JobCancelled
}

// JobDefinition is fixed when the job is created.
type JobDefinition struct {
	ProductIDs             []string `json:"productIds"`
	GroupIDs               []string `json:"groupIds"`
	MessageTemplate        string   `json:"messageTemplate"`
	PerGroupDelaySeconds   int      `json:"perGroupDelaySeconds"`
	PerProductDelayMinutes int      `json:"perProductDelayMinutes"`
	UseRandomDelay         bool     `json:"useRandomDelay"`
	MinGroupDelaySeconds   int      `json:"minGroupDelaySeconds"`
	MaxGroupDelaySeconds   int      `json:"maxGroupDelaySeconds"`
}

// JobProgress is the mutable checkpoint. (CurrentProductIndex, CurrentGroupIndex)
// always names the next unit of work that has not been sent yet.
type JobProgress struct {
	CurrentProductIndex     int  `json:"currentProductIndex"`
	CurrentGroupIndex       int  `json:"currentGroupIndex"`
	SentMessages            int  `json:"sentMessages"`
	ErrorMessages           int  `json:"errorMessages"`
	CountdownSeconds        int  `json:"countdownSeconds"`
	IsWaitingForNextProduct bool `json:"isWaitingForNextProduct"`
}

// JobData is the persisted job_data document: definition and checkpoint side by side.
type JobData struct {
	JobDefinition
	JobProgress
}

// BroadcastJob fans one rendered message per product out to every target group.
type BroadcastJob struct {
	ID             string        `json:"id" db:"id"`
	TenantID       string        `json:"tenant_id" db:"tenant_id"`
	Status         JobStatus     `json:"status" db:"status"`
	Definition     JobDefinition `json:"-"`
	Progress       JobProgress   `json:"-"`
	ProcessedItems int           `json:"processed_items" db:"processed_items"`
	CurrentIndex   int           `json:"current_index" db:"current_index"`
	LastError      string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// Data returns the job_data document for the job.
func (j *BroadcastJob) Data() JobData {
	return JobData{JobDefinition: j.Definition, JobProgress: j.Progress}
}

// TotalUnits is the number of (product, group) sends the job will attempt.
func (j *BroadcastJob) TotalUnits() int {
	return len(j.Definition.ProductIDs) * len(j.Definition.GroupIDs)
}

// Product is the catalog entry rendered into a broadcast message.
type Product struct {
	ID       string  `json:"id" db:"id"`
	TenantID string  `json:"tenant_id" db:"tenant_id"`
	Code     string  `json:"code" db:"code"`
	Name     string  `json:"name" db:"name"`
	Price    float64 `json:"price" db:"price"`
	Color    string  `json:"color" db:"color"`
	Size     string  `json:"size" db:"size"`
	ImageURL string  `json:"image_url,omitempty" db:"image_url"`
}

// Messaging providers a tenant can broadcast through.
const (
	ProviderZAPI    = "zapi"
	ProviderSession = "session"
)

// Credentials select and authenticate the outbound messaging provider of a tenant.
type Credentials struct {
	TenantID    string `json:"tenant_id" db:"tenant_id"`
	Provider    string `json:"provider" db:"provider"`
	BaseURL     string `json:"base_url,omitempty" db:"base_url"`
	InstanceID  string `json:"instance_id,omitempty" db:"instance_id"`
	Token       string `json:"-" db:"token"`
	ClientToken string `json:"-" db:"client_token"`
}

// SendLog keeps an audit row for every broadcast send attempt.
type SendLog struct {
	ID             int64     `json:"id" db:"id"`
	TS             time.Time `json:"ts" db:"ts"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	JobID          string    `json:"job_id" db:"job_id"`
	ProductID      string    `json:"product_id" db:"product_id"`
	GroupID        string    `json:"group_id" db:"group_id"`
	Status         string    `json:"status" db:"status"` // sent|failed
	Error          string    `json:"error,omitempty" db:"error"`
	MessagePreview string    `json:"message_preview" db:"message_preview"`
	MessageID      string    `json:"message_id,omitempty" db:"message_id"`
}
