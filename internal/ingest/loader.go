package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/ledongthuc/pdf"
)

// MinParagraphChars is the length a paragraph must exceed to be indexed.
const MinParagraphChars = 50

// ErrUnsupported is returned by LoadFile for extensions without an extractor.
var ErrUnsupported = errors.New("unsupported document type")

// Page is the extracted text of one page. Plain-text files are a single page.
type Page struct {
	Number int
	Text   string
}

type extractor func(path string) ([]Page, error)

var extractors = map[string]extractor{
	".pdf":      extractPDF,
	".txt":      extractText,
	".md":       extractText,
	".markdown": extractText,
}

// SupportedExtensions returns the file extensions LoadDir picks up.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extractors))
	for ext := range extractors {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Supported reports whether path has an extension LoadDir handles.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Loader turns a corpus directory into index input.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader logging to slog.Default().
func NewLoader() *Loader {
	return &Loader{logger: slog.Default()}
}

// LoadDir reads every supported file directly under dir, in name order.
// Files that fail to parse are logged and skipped. The document id of each
// chunk is the file's base name.
func (l *Loader) LoadDir(dir string) ([]retrieval.ChunkInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading corpus directory: %w", err)
	}

	var out []retrieval.ChunkInput
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		chunks, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			l.logger.Warn("skipping document", "file", e.Name(), "error", err)
			continue
		}
		if len(chunks) == 0 {
			l.logger.Warn("document has no indexable text", "file", e.Name())
			continue
		}
		out = append(out, chunks...)
	}
	l.logger.Info("corpus loaded", "dir", dir, "chunks", len(out))
	return out, nil
}

// LoadFile extracts the chunks of a single document.
func LoadFile(path string) ([]retrieval.ChunkInput, error) {
	ext, ok := extractors[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}
	pages, err := ext(path)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", filepath.Base(path), err)
	}
	return Chunk(filepath.Base(path), pages), nil
}

// Chunk splits pages into paragraph chunks for documentID.
func Chunk(documentID string, pages []Page) []retrieval.ChunkInput {
	var out []retrieval.ChunkInput
	for _, p := range pages {
		for _, para := range SplitParagraphs(p.Text) {
			out = append(out, retrieval.ChunkInput{DocumentID: documentID, Page: p.Number, Text: para})
		}
	}
	return out
}

// SplitParagraphs splits text on blank lines and keeps trimmed paragraphs
// longer than MinParagraphChars.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.ToValidUTF8(strings.TrimSpace(para), "\uFFFD")
		if len([]rune(para)) > MinParagraphChars {
			out = append(out, para)
		}
	}
	return out
}

func extractText(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []Page{{Number: 1, Text: string(data)}}, nil
}

func extractPDF(path string) (pages []Page, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}
