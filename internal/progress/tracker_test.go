package progress

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recorder collects emitted events in order.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestTracker() (*Tracker, *recorder, *fakeClock) {
	t := NewTracker(Config{}, zap.NewNop())
	clock := newFakeClock()
	t.now = clock.Now
	rec := &recorder{}
	t.OnEvent(rec.handle)
	return t, rec, clock
}

func TestOperationLifecycle(t *testing.T) {
	tr, rec, _ := newTestTracker()

	id := tr.StartOperation("download_chapter", "One Piece ch. 1100", WithUser("u1"))
	if err := tr.UpdateProgress(id, 40, "downloading", "page 8 of 20"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tr.CompleteOperation(id, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	op, err := tr.Operation(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusCompleted || op.Progress != 100 {
		t.Fatalf("final op = %s/%.0f, want COMPLETED/100", op.Status, op.Progress)
	}
	if op.CompletedAt == nil {
		t.Fatal("terminal operation must have completed_at")
	}

	want := []EventType{EventStarted, EventProgress, EventCompleted}
	if got := rec.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event order = %v, want %v", got, want)
	}
	for _, ev := range rec.all() {
		if ev.UserID != "u1" {
			t.Fatalf("event missing user tag: %+v", ev)
		}
	}
}

func TestUpdateItemsComputesProgress(t *testing.T) {
	tr, _, _ := newTestTracker()

	id := tr.StartOperation("download_manga", "Berserk", WithTotal(50))
	if err := tr.UpdateItems(id, 25, 24, 1, "chapters"); err != nil {
		t.Fatalf("update items: %v", err)
	}

	op, _ := tr.Operation(id)
	if op.Progress != 50 {
		t.Fatalf("progress = %.1f, want 50", op.Progress)
	}
	if op.ProcessedItems != 25 || op.SuccessfulItems != 24 || op.FailedItems != 1 {
		t.Fatalf("items = %d/%d/%d", op.ProcessedItems, op.SuccessfulItems, op.FailedItems)
	}
}

func TestEstimatedCompletion(t *testing.T) {
	tr, _, clock := newTestTracker()

	id := tr.StartOperation("download_manga", "Vagabond")
	clock.Advance(time.Minute)
	if err := tr.UpdateProgress(id, 25, "", ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	op, _ := tr.Operation(id)
	if op.EstimatedCompletion == nil {
		t.Fatal("want ETA after progress > 0")
	}
	// 25% in 1 minute leaves 3 minutes.
	want := clock.Now().Add(3 * time.Minute)
	if !op.EstimatedCompletion.Equal(want) {
		t.Fatalf("eta = %v, want %v", op.EstimatedCompletion, want)
	}
}

func TestBulkParentAggregation(t *testing.T) {
	tr, _, _ := newTestTracker()

	parent := tr.StartBulkOperation("bulk_download", "3 series", 3)
	c1, err := tr.AddChildOperation(parent, "download_manga", "a")
	if err != nil {
		t.Fatalf("add child: %v", err)
	}
	c2, _ := tr.AddChildOperation(parent, "download_manga", "b")
	c3, _ := tr.AddChildOperation(parent, "download_manga", "c")

	_ = tr.UpdateProgress(c1, 100, "", "")
	_ = tr.UpdateProgress(c2, 50, "", "")
	_ = tr.UpdateProgress(c3, 0, "", "")

	op, _ := tr.Operation(parent)
	if op.Progress != 50 {
		t.Fatalf("parent progress = %.1f, want mean 50", op.Progress)
	}

	_ = tr.CompleteOperation(c1, "")
	_ = tr.FailOperation(c2, "boom")

	op, _ = tr.Operation(parent)
	if op.ProcessedItems != 2 || op.SuccessfulItems != 1 || op.FailedItems != 1 {
		t.Fatalf("parent items = %d/%d/%d, want 2/1/1",
			op.ProcessedItems, op.SuccessfulItems, op.FailedItems)
	}
	if op.Status.Terminal() {
		t.Fatal("parent must stay running while a child is active")
	}
}

func TestBulkCompletesWithWarnings(t *testing.T) {
	tr, rec, _ := newTestTracker()

	parent := tr.StartBulkOperation("bulk_download", "3 series", 3)
	c1, _ := tr.AddChildOperation(parent, "download_manga", "a")
	c2, _ := tr.AddChildOperation(parent, "download_manga", "b")
	c3, _ := tr.AddChildOperation(parent, "download_manga", "c")

	_ = tr.CompleteOperation(c1, "")
	_ = tr.CompleteOperation(c2, "")
	_ = tr.FailOperation(c3, "boom")

	op, _ := tr.Operation(parent)
	if op.Status != StatusCompleted {
		t.Fatalf("parent status = %s, want COMPLETED", op.Status)
	}
	if op.Progress != 100 {
		t.Fatalf("parent progress = %.1f, want 100", op.Progress)
	}
	if len(op.Warnings) == 0 || !strings.Contains(op.Warnings[0], "warnings") {
		t.Fatalf("want 'with warnings' message, got %v", op.Warnings)
	}

	var final *Event
	for _, ev := range rec.all() {
		if ev.OperationID == parent && ev.Type == EventCompleted {
			final = ev
		}
	}
	if final == nil || !strings.Contains(final.Message, "warnings") {
		t.Fatalf("parent completion event = %+v", final)
	}
}

func TestBulkAllFailed(t *testing.T) {
	tr, _, _ := newTestTracker()

	parent := tr.StartBulkOperation("bulk_download", "2 series", 2)
	c1, _ := tr.AddChildOperation(parent, "download_manga", "a")
	c2, _ := tr.AddChildOperation(parent, "download_manga", "b")

	_ = tr.FailOperation(c1, "x")
	_ = tr.FailOperation(c2, "y")

	op, _ := tr.Operation(parent)
	if op.Status != StatusFailed {
		t.Fatalf("parent status = %s, want FAILED", op.Status)
	}
}

func TestBulkWaitsForDeclaredTotal(t *testing.T) {
	tr, _, _ := newTestTracker()

	parent := tr.StartBulkOperation("bulk_download", "2 series", 2)
	c1, _ := tr.AddChildOperation(parent, "download_manga", "a")
	_ = tr.CompleteOperation(c1, "")

	// First child done, second not added yet: parent must stay open.
	op, _ := tr.Operation(parent)
	if op.Status.Terminal() {
		t.Fatal("parent finished before all declared children were added")
	}

	c2, _ := tr.AddChildOperation(parent, "download_manga", "b")
	_ = tr.CompleteOperation(c2, "")

	op, _ = tr.Operation(parent)
	if op.Status != StatusCompleted {
		t.Fatalf("parent status = %s, want COMPLETED", op.Status)
	}
}

func TestCancelCascades(t *testing.T) {
	tr, rec, _ := newTestTracker()

	parent := tr.StartBulkOperation("bulk_download", "3 series", 3)
	c1, _ := tr.AddChildOperation(parent, "download_manga", "a")
	c2, _ := tr.AddChildOperation(parent, "download_manga", "b")
	c3, _ := tr.AddChildOperation(parent, "download_manga", "c")
	_ = tr.CompleteOperation(c1, "")

	if err := tr.CancelOperation(parent); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, id := range []string{parent, c2, c3} {
		op, _ := tr.Operation(id)
		if op.Status != StatusCancelled {
			t.Fatalf("op %s = %s, want CANCELLED", id, op.Status)
		}
	}
	// Completed child is left untouched.
	op, _ := tr.Operation(c1)
	if op.Status != StatusCompleted {
		t.Fatalf("completed child = %s, want COMPLETED", op.Status)
	}

	cancelled := 0
	for _, ev := range rec.all() {
		if ev.Type == EventCancelled {
			cancelled++
		}
	}
	if cancelled != 3 {
		t.Fatalf("cancelled events = %d, want 3", cancelled)
	}
}

func TestCancelNotCancellable(t *testing.T) {
	tr, _, _ := newTestTracker()

	id := tr.StartOperation("health_check", "check", NotCancellable())
	if err := tr.CancelOperation(id); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("want ErrNotCancellable, got %v", err)
	}
}

func TestWarnings(t *testing.T) {
	tr, rec, _ := newTestTracker()

	id := tr.StartOperation("download_manga", "x")
	if err := tr.AddWarning(id, "cover unavailable"); err != nil {
		t.Fatalf("warn: %v", err)
	}

	op, _ := tr.Operation(id)
	if len(op.Warnings) != 1 || op.Warnings[0] != "cover unavailable" {
		t.Fatalf("warnings = %v", op.Warnings)
	}
	evs := rec.all()
	last := evs[len(evs)-1]
	if last.Type != EventWarning || last.Message != "cover unavailable" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	ev := &Event{
		OperationID:   "op-1",
		OperationType: "download_chapter",
		Type:          EventProgress,
		Progress:      37.5,
		CurrentStep:   "downloading",
		Message:       "page 3 of 8",
		Metadata:      map[string]any{"provider": "mangafire"},
		Timestamp:     now,
		UserID:        "u1",
		SessionID:     "s1",
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", back.Timestamp, ev.Timestamp)
	}
	back.Timestamp = ev.Timestamp
	if !reflect.DeepEqual(*ev, back) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", *ev, back)
	}
}

// failingStore always errors; events must still reach handlers.
type failingStore struct{}

func (failingStore) SaveOperation(context.Context, *Operation) error {
	return errors.New("db gone")
}
func (failingStore) SaveEvent(context.Context, *Event) error {
	return errors.New("db gone")
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	tr, rec, _ := newTestTracker()
	tr.SetStore(failingStore{})

	id := tr.StartOperation("download_chapter", "x")
	_ = tr.CompleteOperation(id, "done")

	if got := rec.types(); len(got) != 2 {
		t.Fatalf("handler events = %v, want STARTED+COMPLETED", got)
	}
}

func TestCleanupTrimsOldest(t *testing.T) {
	tr, _, clock := newTestTracker()
	tr.cfg.MaxCompleted = 2

	var ids []string
	for i := 0; i < 4; i++ {
		id := tr.StartOperation("download_chapter", "x")
		_ = tr.CompleteOperation(id, "")
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}
	running := tr.StartOperation("download_chapter", "active")

	tr.cleanup()

	for _, id := range ids[:2] {
		if _, err := tr.Operation(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("oldest op %s should be trimmed, got %v", id, err)
		}
	}
	for _, id := range ids[2:] {
		if _, err := tr.Operation(id); err != nil {
			t.Fatalf("newest finished op %s should survive: %v", id, err)
		}
	}
	if _, err := tr.Operation(running); err != nil {
		t.Fatalf("running op must never be trimmed: %v", err)
	}
}

func TestOperationsFilter(t *testing.T) {
	tr, _, _ := newTestTracker()

	a := tr.StartOperation("download_chapter", "a", WithUser("u1"))
	b := tr.StartOperation("health_check", "b")
	_ = tr.CompleteOperation(b, "")
	_ = a

	if got := len(tr.Operations(Filter{Type: "download_chapter"})); got != 1 {
		t.Fatalf("type filter = %d, want 1", got)
	}
	if got := len(tr.Operations(Filter{Active: true})); got != 1 {
		t.Fatalf("active filter = %d, want 1", got)
	}
	if got := len(tr.Operations(Filter{UserID: "u1"})); got != 1 {
		t.Fatalf("user filter = %d, want 1", got)
	}
	if got := len(tr.Operations(Filter{})); got != 2 {
		t.Fatalf("no filter = %d, want 2", got)
	}
}
