package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/provider"
	"github.com/toshokan-dev/toshokan/internal/queue"
)

// DownloadWorker executes every download-class job type.
type DownloadWorker struct {
	registry *agent.Registry
	tracker  *progress.Tracker
	sink     Sink
	logger   *zap.Logger
}

// NewDownloadWorker builds a download worker. A nil sink discards
// artifacts; a nil tracker skips milestones.
func NewDownloadWorker(registry *agent.Registry, tracker *progress.Tracker, sink Sink, logger *zap.Logger) *DownloadWorker {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadWorker{
		registry: registry,
		tracker:  tracker,
		sink:     sink,
		logger:   logger.Named("worker.download"),
	}
}

// Register binds the worker to all download job types.
func (w *DownloadWorker) Register(q *queue.Queue) {
	for _, t := range []queue.Type{
		queue.TypeChapterDownload,
		queue.TypeMangaDownload,
		queue.TypeCoverDownload,
		queue.TypePageDownload,
		queue.TypeBulkDownload,
	} {
		q.RegisterHandler(t, w)
	}
}

// Handle dispatches on the job type.
func (w *DownloadWorker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.TypeChapterDownload:
		return w.chapter(ctx, job)
	case queue.TypeMangaDownload:
		return w.manga(ctx, job)
	case queue.TypeCoverDownload:
		return w.cover(ctx, job)
	case queue.TypePageDownload:
		return w.page(ctx, job)
	case queue.TypeBulkDownload:
		return w.bulk(ctx, job)
	default:
		return fmt.Errorf("download worker cannot handle %s", job.Type)
	}
}

func (w *DownloadWorker) chapter(ctx context.Context, job *queue.Job) error {
	ag, err := w.registry.Get(job.Payload.ProviderName)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", job.Payload.ProviderName, err)
	}
	op := job.OperationID

	progressStep(w.tracker, op, 5, "metadata", "fetching manga metadata")
	manga, err := ag.MangaDetails(ctx, job.Payload.MangaID)
	if err != nil {
		return fmt.Errorf("fetch manga metadata: %w", err)
	}

	progressStep(w.tracker, op, 15, "pages", "resolving page list")
	pages, err := ag.Pages(ctx, job.Payload.MangaID, job.Payload.ChapterID)
	if err != nil {
		return fmt.Errorf("resolve pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("chapter %s has no pages", job.Payload.ChapterID)
	}
	progressTotal(w.tracker, op, len(pages))

	referer := ag.Descriptor().BaseURL
	successful, failed := 0, 0
	for i, pageURL := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, derr := ag.DownloadPage(ctx, pageURL, referer)
		if derr != nil {
			if errors.Is(derr, context.Canceled) {
				return derr
			}
			failed++
			progressWarn(w.tracker, op, fmt.Sprintf("page %d failed: %v", i+1, derr))
			progressItems(w.tracker, op, i+1, successful, failed, fmt.Sprintf("page %d of %d", i+1, len(pages)))
			continue
		}
		if serr := w.sink.WritePage(ctx, job.Payload.MangaID, job.Payload.ChapterID, i+1, data); serr != nil {
			return fmt.Errorf("store page %d: %w", i+1, serr)
		}
		successful++
		progressItems(w.tracker, op, i+1, successful, failed, fmt.Sprintf("page %d of %d", i+1, len(pages)))
	}

	progressStep(w.tracker, op, 100, "finalize",
		fmt.Sprintf("downloaded %q chapter %s", manga.Title, job.Payload.ChapterID))
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(pages))
	}
	return nil
}

func (w *DownloadWorker) manga(ctx context.Context, job *queue.Job) error {
	ag, err := w.registry.Get(job.Payload.ProviderName)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", job.Payload.ProviderName, err)
	}
	op := job.OperationID

	progressStep(w.tracker, op, 2, "metadata", "fetching manga metadata")
	manga, err := ag.MangaDetails(ctx, job.Payload.MangaID)
	if err != nil {
		return fmt.Errorf("fetch manga metadata: %w", err)
	}

	progressStep(w.tracker, op, 5, "chapters", "listing chapters")
	chapters, err := w.allChapters(ctx, ag, job.Payload.MangaID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	if len(chapters) == 0 {
		return fmt.Errorf("manga %s has no chapters", job.Payload.MangaID)
	}
	progressTotal(w.tracker, op, len(chapters))

	successful, failed := 0, 0
	for i, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if derr := w.downloadChapterPages(ctx, ag, job.Payload.MangaID, ch.ID); derr != nil {
			if errors.Is(derr, context.Canceled) {
				return derr
			}
			failed++
			progressWarn(w.tracker, op, fmt.Sprintf("chapter %s failed: %v", ch.ID, derr))
		} else {
			successful++
		}
		progressItems(w.tracker, op, i+1, successful, failed, fmt.Sprintf("chapter %d of %d", i+1, len(chapters)))
	}

	progressStep(w.tracker, op, 100, "finalize",
		fmt.Sprintf("downloaded %q: %d chapters, %d failed", manga.Title, successful, failed))
	if successful == 0 {
		return fmt.Errorf("all %d chapters failed", len(chapters))
	}
	return nil
}

func (w *DownloadWorker) cover(ctx context.Context, job *queue.Job) error {
	ag, err := w.registry.Get(job.Payload.ProviderName)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", job.Payload.ProviderName, err)
	}
	op := job.OperationID

	progressStep(w.tracker, op, 10, "cover", "downloading cover")
	data, err := ag.DownloadCover(ctx, job.Payload.MangaID)
	if err != nil {
		return fmt.Errorf("download cover: %w", err)
	}
	if err := w.sink.WriteCover(ctx, job.Payload.MangaID, data); err != nil {
		return fmt.Errorf("store cover: %w", err)
	}
	progressStep(w.tracker, op, 100, "finalize", "cover stored")
	return nil
}

func (w *DownloadWorker) page(ctx context.Context, job *queue.Job) error {
	ag, err := w.registry.Get(job.Payload.ProviderName)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", job.Payload.ProviderName, err)
	}
	pageURL := strField(job.Payload.Metadata, "page_url")
	if pageURL == "" {
		return errors.New("page download requires metadata page_url")
	}
	referer := strField(job.Payload.Metadata, "referer")
	if referer == "" {
		referer = ag.Descriptor().BaseURL
	}
	number := intField(job.Payload.Metadata, "page_number", 1)
	op := job.OperationID

	progressStep(w.tracker, op, 10, "download", fmt.Sprintf("downloading page %d", number))
	data, err := ag.DownloadPage(ctx, pageURL, referer)
	if err != nil {
		return fmt.Errorf("download page: %w", err)
	}
	if err := w.sink.WritePage(ctx, job.Payload.MangaID, job.Payload.ChapterID, number, data); err != nil {
		return fmt.Errorf("store page: %w", err)
	}
	progressStep(w.tracker, op, 100, "finalize", "page stored")
	return nil
}

func (w *DownloadWorker) bulk(ctx context.Context, job *queue.Job) error {
	items := itemsField(job.Payload.Metadata)
	if len(items) == 0 {
		return errors.New("bulk download requires metadata items")
	}
	op := job.OperationID
	progressTotal(w.tracker, op, len(items))

	successful, failed := 0, 0
	for i, item := range items {
		// Cancellation is honored between items so a long bulk run stops
		// promptly.
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.bulkItem(ctx, item)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			progressWarn(w.tracker, op, fmt.Sprintf("item %d failed: %v", i+1, err))
		} else {
			successful++
		}
		progressItems(w.tracker, op, i+1, successful, failed, fmt.Sprintf("item %d of %d", i+1, len(items)))
	}

	if successful == 0 {
		return fmt.Errorf("all %d items failed", len(items))
	}
	return nil
}

func (w *DownloadWorker) bulkItem(ctx context.Context, item map[string]any) error {
	providerName := strField(item, "provider_name")
	mangaID := strField(item, "manga_id")
	chapterID := strField(item, "chapter_id")
	if providerName == "" || mangaID == "" || chapterID == "" {
		return errors.New("item requires provider_name, manga_id and chapter_id")
	}
	ag, err := w.registry.Get(providerName)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", providerName, err)
	}
	return w.downloadChapterPages(ctx, ag, mangaID, chapterID)
}

// downloadChapterPages fetches and stores every page of one chapter,
// failing on the first error.
func (w *DownloadWorker) downloadChapterPages(ctx context.Context, ag *agent.Agent, mangaID, chapterID string) error {
	pages, err := ag.Pages(ctx, mangaID, chapterID)
	if err != nil {
		return fmt.Errorf("resolve pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("chapter %s has no pages", chapterID)
	}
	referer := ag.Descriptor().BaseURL
	for i, pageURL := range pages {
		data, err := ag.DownloadPage(ctx, pageURL, referer)
		if err != nil {
			return fmt.Errorf("download page %d: %w", i+1, err)
		}
		if err := w.sink.WritePage(ctx, mangaID, chapterID, i+1, data); err != nil {
			return fmt.Errorf("store page %d: %w", i+1, err)
		}
	}
	return nil
}

// allChapters drains the paginated chapter listing.
func (w *DownloadWorker) allChapters(ctx context.Context, ag *agent.Agent, mangaID string) ([]provider.Chapter, error) {
	var out []provider.Chapter
	for page := 1; ; page++ {
		cp, err := ag.Chapters(ctx, mangaID, page, 100)
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Chapters...)
		if !cp.HasMore || len(cp.Chapters) == 0 {
			return out, nil
		}
	}
}

// Metadata accessors. JSON-decoded payloads carry float64 numbers and
// []any lists; in-process constructed payloads may use native types.

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string, fallback int) int {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func itemsField(m map[string]any) []map[string]any {
	if m == nil {
		return nil
	}
	switch v := m["items"].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if item, ok := e.(map[string]any); ok {
				out = append(out, item)
			}
		}
		return out
	default:
		return nil
	}
}
