package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/queue"
)

type fakeOrganizer struct {
	scanned  int
	scanErr  error
	plan     *Plan
	planErr  error
	moved    int
	updated  int
	applyErr error
	cleaned  int
	cleanErr error
}

func (f *fakeOrganizer) Scan(context.Context) (int, error) { return f.scanned, f.scanErr }

func (f *fakeOrganizer) Plan(context.Context) (*Plan, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	if f.plan == nil {
		return &Plan{}, nil
	}
	return f.plan, nil
}

func (f *fakeOrganizer) Apply(context.Context, *Plan) (int, int, error) {
	return f.moved, f.updated, f.applyErr
}

func (f *fakeOrganizer) Cleanup(context.Context) (int, error) { return f.cleaned, f.cleanErr }

func TestOrganizeRecordsResults(t *testing.T) {
	org := &fakeOrganizer{
		scanned: 42,
		plan:    &Plan{Moves: 7, MetadataWrites: 3},
		moved:   7,
		updated: 3,
		cleaned: 2,
	}
	tracker := progress.NewTracker(progress.Config{}, zap.NewNop())

	// Handlers run on the emitting goroutine, so a plain slice is safe.
	var steps []string
	tracker.OnEvent(func(ev *progress.Event) {
		if ev.CurrentStep != "" {
			steps = append(steps, ev.CurrentStep)
		}
	})

	w := NewOrganizationWorker(org, tracker, zap.NewNop())
	job := queue.NewJob(queue.TypeOrganizeLibrary, queue.PriorityLow, queue.Payload{})
	job.OperationID = tracker.StartOperation(string(job.Type), "organize library")

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle organize: %v", err)
	}

	raw, ok := job.Payload.Metadata["organize_results"]
	if !ok {
		t.Fatal("expected organize_results in job metadata")
	}
	results := raw.(map[string]any)
	want := map[string]int{
		"scanned": 42, "planned_moves": 7, "moved": 7, "metadata_updated": 3, "cleaned": 2,
	}
	for key, n := range want {
		if got, _ := results[key].(int); got != n {
			t.Fatalf("results[%q] = %v, want %d", key, results[key], n)
		}
	}

	wantSteps := []string{"scan", "plan", "move", "metadata", "finalize"}
	if len(steps) != len(wantSteps) {
		t.Fatalf("milestones %v, want %v", steps, wantSteps)
	}
	for i, s := range wantSteps {
		if steps[i] != s {
			t.Fatalf("milestone %d = %q, want %q", i, steps[i], s)
		}
	}

	op, err := tracker.Operation(job.OperationID)
	if err != nil {
		t.Fatalf("operation lookup: %v", err)
	}
	if op.Status != progress.StatusRunning || op.Progress != 100 {
		t.Fatalf("expected running operation at 100%%, got %s at %v", op.Status, op.Progress)
	}
}

func TestOrganizeStageErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name string
		org  *fakeOrganizer
		want string
	}{
		{"scan", &fakeOrganizer{scanErr: boom}, "scan library"},
		{"plan", &fakeOrganizer{planErr: boom}, "plan organization"},
		{"apply", &fakeOrganizer{applyErr: boom}, "apply organization plan"},
		{"cleanup", &fakeOrganizer{cleanErr: boom}, "cleanup"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewOrganizationWorker(tc.org, nil, zap.NewNop())
			job := queue.NewJob(queue.TypeOrganizeLibrary, queue.PriorityLow, queue.Payload{})
			err := w.Handle(context.Background(), job)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("expected wrapped cause, got %v", err)
			}
		})
	}
}

func TestNewOrganizationWorkerDefaults(t *testing.T) {
	w := NewOrganizationWorker(nil, nil, nil)
	job := queue.NewJob(queue.TypeOrganizeLibrary, queue.PriorityLow, queue.Payload{})
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("no-op organizer must succeed: %v", err)
	}
	results := job.Payload.Metadata["organize_results"].(map[string]any)
	if got, _ := results["scanned"].(int); got != 0 {
		t.Fatalf("expected empty scan, got %v", results["scanned"])
	}
}

func TestFSOrganizerScan(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"a/one.cbz", "a/two.cbz", "b/cover.jpg"} {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	org := &FSOrganizer{Root: root}
	n, err := org.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 3 {
		t.Fatalf("scanned %d files, want 3", n)
	}

	empty := &FSOrganizer{}
	if n, err := empty.Scan(context.Background()); err != nil || n != 0 {
		t.Fatalf("rootless scan = %d, %v", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := org.Scan(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
