package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const (
	deckFile  = "deck.md"
	imagesDir = "images"
)

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// DeckWriter bundles a finished job into <outputDir>/<name>.zip holding a
// markdown deck and the page images it references.
type DeckWriter struct {
	logger    *slog.Logger
	outputDir string
	now       func() time.Time
}

func NewDeckWriter(logger *slog.Logger, outputDir string) *DeckWriter {
	return &DeckWriter{logger: logger, outputDir: outputDir, now: time.Now}
}

func (w *DeckWriter) OutputDir() string { return w.outputDir }

// SafeName reduces a label to a file name. Empty results become "deck".
func SafeName(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".zip")
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "deck"
	}
	return name
}

type slide struct {
	number int
	item   domain.Item
	image  string
}

// DefaultBundleName is the job name followed by the first block of its
// id, so jobs sharing a name do not overwrite each other's bundle.
func DefaultBundleName(job domain.Job) string {
	id := string(job.ID)
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	if id == "" {
		return SafeName(job.Name)
	}
	return SafeName(job.Name) + "-" + id
}

// Export writes every item with a description or an image. It returns
// domain.ErrNothingToExport when no item produced anything.
func (w *DeckWriter) Export(ctx context.Context, job domain.Job, opts domain.ExportOptions) (string, int, error) {
	var slides []slide
	for _, it := range job.Items {
		if it.Description == "" && it.ImagePath == "" {
			continue
		}
		s := slide{number: len(slides) + 1, item: it}
		if it.ImagePath != "" {
			if _, err := os.Stat(it.ImagePath); err != nil {
				w.logger.Warn("page image missing, exporting without it",
					"job_id", job.ID, "item_index", it.Index, "error", err)
			} else {
				s.image = fmt.Sprintf("%s/slide_%03d%s", imagesDir, s.number, imageExt(it.ImagePath))
			}
		}
		slides = append(slides, s)
	}
	if len(slides) == 0 {
		return "", 0, domain.ErrNothingToExport
	}

	name := SafeName(opts.Name)
	if opts.Name == "" {
		name = DefaultBundleName(job)
	}
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.outputDir, name+".zip")
	part := path + ".part"

	if err := w.writeBundle(ctx, part, job, slides, opts.IncludeNotes); err != nil {
		_ = os.Remove(part)
		return "", 0, err
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return "", 0, fmt.Errorf("finalize bundle: %w", err)
	}

	w.logger.Info("deck exported", "job_id", job.ID, "path", path, "pages", len(slides))
	return path, len(slides), nil
}

func (w *DeckWriter) writeBundle(ctx context.Context, path string, job domain.Job, slides []slide, notes bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	modified := w.now()

	deck, err := zw.CreateHeader(&zip.FileHeader{Name: deckFile, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return fmt.Errorf("add %s: %w", deckFile, err)
	}
	if _, err := io.WriteString(deck, renderDeck(job, slides, notes)); err != nil {
		return fmt.Errorf("write %s: %w", deckFile, err)
	}

	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.image == "" {
			continue
		}
		if err := addFile(zw, s.image, s.item.ImagePath, modified); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	return f.Close()
}

// addFile stores images without recompressing them.
func addFile(zw *zip.Writer, name, src string, modified time.Time) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modified})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}

// renderDeck produces Marp-compatible markdown: slides separated by ---,
// speaker notes in HTML comments.
func renderDeck(job domain.Job, slides []slide, notes bool) string {
	var b strings.Builder
	b.WriteString("---\nmarp: true\n---\n\n")
	fmt.Fprintf(&b, "# %s\n", job.Name)

	for _, s := range slides {
		b.WriteString("\n---\n\n")
		title := fmt.Sprintf("Slide %d", s.number)
		if s.item.Segment != "" {
			title += ": " + s.item.Segment
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		if s.image != "" {
			fmt.Fprintf(&b, "![shot %s](%s)\n\n", s.item.ShotNumber, s.image)
		}
		if s.item.Description != "" {
			b.WriteString(s.item.Description)
			b.WriteString("\n")
		}
		if notes && s.item.Narration != "" {
			fmt.Fprintf(&b, "\n<!--\n%s\n-->\n", strings.ReplaceAll(s.item.Narration, "-->", "--&gt;"))
		}
	}
	return b.String()
}

func imageExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ".png"
	}
	return ext
}
