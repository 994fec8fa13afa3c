// Package worker implements the job handlers behind the queue: downloads,
// provider health checks, and library organization. Handlers contain only
// per-type logic; the queue's run harness owns status transitions, timeout
// enforcement, and terminal progress events, so workers report milestones
// through the job's operation and return plain errors.
package worker

import (
	"context"
	"time"

	"github.com/toshokan-dev/toshokan/internal/progress"
)

// Sink receives downloaded artifacts. File layout and naming are the
// sink's concern; workers only stream bytes into it.
type Sink interface {
	WritePage(ctx context.Context, mangaID, chapterID string, page int, data []byte) error
	WriteCover(ctx context.Context, mangaID string, data []byte) error
}

// Discard drops every artifact. Used when no storage backend is wired.
type Discard struct{}

func (Discard) WritePage(context.Context, string, string, int, []byte) error { return nil }
func (Discard) WriteCover(context.Context, string, []byte) error             { return nil }

// HealthSink receives check outcomes, typically the health monitor.
type HealthSink interface {
	ReportCheck(provider string, success bool, latency time.Duration)
}

// Milestone helpers tolerate a nil tracker and jobs without operations so
// workers stay usable in isolation.

func progressStep(tr *progress.Tracker, opID string, pct float64, step, message string) {
	if tr == nil || opID == "" {
		return
	}
	_ = tr.UpdateProgress(opID, pct, step, message)
}

func progressItems(tr *progress.Tracker, opID string, processed, successful, failed int, step string) {
	if tr == nil || opID == "" {
		return
	}
	_ = tr.UpdateItems(opID, processed, successful, failed, step)
}

func progressTotal(tr *progress.Tracker, opID string, total int) {
	if tr == nil || opID == "" {
		return
	}
	_ = tr.SetTotal(opID, total)
}

func progressWarn(tr *progress.Tracker, opID, warning string) {
	if tr == nil || opID == "" {
		return
	}
	_ = tr.AddWarning(opID, warning)
}
