package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes artifacts under a root directory: one directory per
// manga, chapters nested inside, pages numbered with an extension sniffed
// from the payload.
type FileSink struct {
	root string
}

// NewFileSink builds a sink rooted at dir. Directories are created on
// first write.
func NewFileSink(dir string) *FileSink {
	return &FileSink{root: dir}
}

func (s *FileSink) WritePage(_ context.Context, mangaID, chapterID string, page int, data []byte) error {
	dir := filepath.Join(s.root, pathSafe(mangaID), pathSafe(chapterID))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create chapter dir: %w", err)
	}
	name := fmt.Sprintf("%03d%s", page, sniffExt(data))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0640); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	return nil
}

func (s *FileSink) WriteCover(_ context.Context, mangaID string, data []byte) error {
	dir := filepath.Join(s.root, pathSafe(mangaID))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create manga dir: %w", err)
	}
	name := "cover" + sniffExt(data)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0640); err != nil {
		return fmt.Errorf("write cover: %w", err)
	}
	return nil
}

// pathSafe turns a provider-supplied id into a single path element.
// Separators are flattened and ids that would escape the root are masked.
func pathSafe(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, string(os.PathSeparator), "_")
	if id == "" || id == "." || id == ".." {
		return "_"
	}
	return id
}

// sniffExt maps the payload's detected content type to a file extension,
// defaulting to .bin for anything unrecognized.
func sniffExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
