// Package progress tracks hierarchical long-running operations and fans
// their lifecycle events out to persistence, WebSocket clients, and
// in-process handlers. Operations form a tree: bulk parents aggregate the
// progress of their children and complete automatically once every child
// reaches a terminal status.
package progress

import (
	"time"
)

// Status is an operation lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EventType classifies a progress event.
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventCancelled EventType = "CANCELLED"
	EventWarning   EventType = "WARNING"
)

// Operation is one tracked unit of work.
type Operation struct {
	ID                  string         `json:"id"`
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Status              Status         `json:"status"`
	Progress            float64        `json:"progress"`
	ProcessedItems      int            `json:"processed_items"`
	SuccessfulItems     int            `json:"successful_items"`
	FailedItems         int            `json:"failed_items"`
	TotalItems          int            `json:"total_items,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	ParentID            string         `json:"parent_id,omitempty"`
	ChildIDs            []string       `json:"child_ids,omitempty"`
	UserID              string         `json:"user_id,omitempty"`
	SessionID           string         `json:"session_id,omitempty"`
	Cancellable         bool           `json:"cancellable"`
	Warnings            []string       `json:"warnings,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// clone returns a deep copy safe to hand outside the tracker lock.
func (o *Operation) clone() *Operation {
	cp := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	if o.EstimatedCompletion != nil {
		t := *o.EstimatedCompletion
		cp.EstimatedCompletion = &t
	}
	if len(o.ChildIDs) > 0 {
		cp.ChildIDs = append([]string(nil), o.ChildIDs...)
	}
	if len(o.Warnings) > 0 {
		cp.Warnings = append([]string(nil), o.Warnings...)
	}
	if len(o.Metadata) > 0 {
		cp.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Event is one emitted progress notification.
type Event struct {
	OperationID   string         `json:"operation_id"`
	OperationType string         `json:"operation_type"`
	Type          EventType      `json:"event_type"`
	Progress      float64        `json:"progress_percentage"`
	CurrentStep   string         `json:"current_step,omitempty"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
}
