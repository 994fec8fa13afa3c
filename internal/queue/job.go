package queue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs across queues. Lower values are served first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
	PriorityBulk     Priority = "BULK"
)

// allPriorities in scheduling order.
var allPriorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBulk,
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusPaused     Status = "PAUSED"
	StatusCancelled  Status = "CANCELLED"
	StatusRetrying   Status = "RETRYING"
)

// Terminal reports whether the status ends the job lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type names what a job does and selects its handler.
type Type string

const (
	TypeChapterDownload Type = "CHAPTER_DOWNLOAD"
	TypeMangaDownload   Type = "MANGA_DOWNLOAD"
	TypeCoverDownload   Type = "COVER_DOWNLOAD"
	TypePageDownload    Type = "PAGE_DOWNLOAD"
	TypeBulkDownload    Type = "BULK_DOWNLOAD"
	TypeHealthCheck     Type = "HEALTH_CHECK"
	TypeProviderTest    Type = "PROVIDER_TEST"
	TypeOrganizeLibrary Type = "ORGANIZE_LIBRARY"
)

// IsDownload reports whether the type counts against the download
// concurrency cap.
func (t Type) IsDownload() bool {
	switch t {
	case TypeChapterDownload, TypeMangaDownload, TypeCoverDownload, TypePageDownload, TypeBulkDownload:
		return true
	}
	return false
}

// IsHealthClass reports whether the type counts against the health-check
// concurrency cap.
func (t Type) IsHealthClass() bool {
	return t == TypeHealthCheck || t == TypeProviderTest
}

// defaultTimeout returns the per-type timeout applied when a job is
// created without one.
func (t Type) defaultTimeout() int {
	switch t {
	case TypeChapterDownload:
		return 600
	case TypeMangaDownload:
		return 1800
	case TypeCoverDownload:
		return 60
	case TypePageDownload:
		return 120
	case TypeBulkDownload:
		return 3600
	case TypeHealthCheck, TypeProviderTest:
		return 120
	case TypeOrganizeLibrary:
		return 1800
	default:
		return 300
	}
}

const defaultMaxRetries = 3

// Payload carries the type-specific job parameters. Metadata holds
// anything a worker needs beyond the fixed fields and is where workers
// record structured results.
type Payload struct {
	ProviderName string         `json:"provider_name,omitempty"`
	MangaID      string         `json:"manga_id,omitempty"`
	ChapterID    string         `json:"chapter_id,omitempty"`
	Quality      string         `json:"quality,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	TimeoutS    int        `json:"timeout_s"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Payload     Payload    `json:"payload"`
	OperationID string     `json:"operation_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewJob builds a PENDING job with the type's default timeout and retry
// budget.
func NewJob(t Type, p Priority, payload Payload) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   p,
		Status:     StatusPending,
		MaxRetries: defaultMaxRetries,
		TimeoutS:   t.defaultTimeout(),
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// TimedOut reports whether a still-running job has outlived its timeout.
// Advisory only; the run harness enforces the deadline by context.
func (j *Job) TimedOut() bool {
	if j.StartedAt == nil || j.Status.Terminal() {
		return false
	}
	return time.Since(*j.StartedAt) > time.Duration(j.TimeoutS)*time.Second
}

// clone deep-copies the job so callers can't race the queue's copy.
func (j *Job) clone() *Job {
	out := *j
	if j.DependsOn != nil {
		out.DependsOn = append([]string(nil), j.DependsOn...)
	}
	if j.Payload.Metadata != nil {
		out.Payload.Metadata = make(map[string]any, len(j.Payload.Metadata))
		for k, v := range j.Payload.Metadata {
			out.Payload.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// title renders a human-readable operation title for the job.
func (j *Job) title() string {
	switch j.Type {
	case TypeChapterDownload:
		return "Download chapter " + j.Payload.ChapterID
	case TypeMangaDownload:
		return "Download manga " + j.Payload.MangaID
	case TypeCoverDownload:
		return "Download cover for " + j.Payload.MangaID
	case TypePageDownload:
		return "Download page for chapter " + j.Payload.ChapterID
	case TypeBulkDownload:
		return "Bulk download"
	case TypeHealthCheck:
		return "Health check " + j.Payload.ProviderName
	case TypeProviderTest:
		return "Provider test " + j.Payload.ProviderName
	case TypeOrganizeLibrary:
		return "Organize library"
	default:
		return string(j.Type)
	}
}
