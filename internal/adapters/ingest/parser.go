package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// MaxScriptSize bounds how much of an upload is read.
const MaxScriptSize = 20 << 20

// Parser turns uploaded script documents into page inputs. Plain text
// goes through the LLM when one is attached.
type Parser struct {
	logger *slog.Logger

	mu  sync.RWMutex
	llm domain.LLMProvider
}

func NewParser(logger *slog.Logger, llm domain.LLMProvider) *Parser {
	return &Parser{logger: logger, llm: llm}
}

// SetLLM swaps the text provider after a settings change.
func (p *Parser) SetLLM(llm domain.LLMProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.llm = llm
}

func (p *Parser) provider() domain.LLMProvider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.llm
}

// Parse dispatches on the file extension. Pages without narration are
// dropped; a script left with none is rejected.
func (p *Parser) Parse(ctx context.Context, filename string, r io.Reader) ([]domain.ItemInput, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".json", ".csv", ".xlsx", ".txt", ".md":
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, ext)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxScriptSize+1))
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	if len(data) > MaxScriptSize {
		return nil, fmt.Errorf("script larger than %d bytes", MaxScriptSize)
	}

	var pages []domain.ItemInput
	switch ext {
	case ".json":
		pages, err = parseJSON(data)
	case ".csv":
		pages, err = parseCSV(data)
	case ".xlsx":
		pages, err = p.parseXLSX(ctx, data)
	default:
		pages, err = p.parseText(ctx, string(data), ext == ".md")
	}
	if err != nil {
		return nil, err
	}

	pages = clean(pages)
	if len(pages) == 0 {
		return nil, domain.ErrNoNarration
	}
	p.logger.Info("script parsed", "filename", filename, "pages", len(pages))
	return pages, nil
}

// rawPage accepts shot numbers written as either strings or numbers.
type rawPage struct {
	ShotNumber flexString `json:"shot_number"`
	Segment    string     `json:"segment"`
	Narration  string     `json:"narration"`
	VisualHint string     `json:"visual_hint"`
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("shot_number must be a string or number")
	}
	*f = flexString(n.String())
	return nil
}

func (r rawPage) input() domain.ItemInput {
	return domain.ItemInput{
		ShotNumber: string(r.ShotNumber),
		Segment:    r.Segment,
		Narration:  r.Narration,
		VisualHint: r.VisualHint,
	}
}

// decodePages reads either a bare array or an object with a pages field.
func decodePages(data []byte) ([]domain.ItemInput, error) {
	data = bytes.TrimSpace(data)
	var raw []rawPage
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Pages []rawPage `json:"pages"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		raw = wrapped.Pages
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	pages := make([]domain.ItemInput, len(raw))
	for i, r := range raw {
		pages[i] = r.input()
	}
	return pages, nil
}

func parseJSON(data []byte) ([]domain.ItemInput, error) {
	pages, err := decodePages(data)
	if err != nil {
		return nil, fmt.Errorf("parse json script: %w", err)
	}
	return pages, nil
}

// clean normalises text to NFKC, trims it and drops pages whose narration
// is empty or a "/" placeholder. Missing shot numbers are numbered by
// their position in the result.
func clean(pages []domain.ItemInput) []domain.ItemInput {
	out := pages[:0]
	for _, pg := range pages {
		pg.ShotNumber = normalize(pg.ShotNumber)
		pg.Segment = normalize(pg.Segment)
		pg.Narration = normalize(pg.Narration)
		pg.VisualHint = normalize(pg.VisualHint)
		if pg.Narration == "" || pg.Narration == "/" {
			continue
		}
		if pg.VisualHint == "/" {
			pg.VisualHint = ""
		}
		if pg.ShotNumber == "" {
			pg.ShotNumber = strconv.Itoa(len(out) + 1)
		}
		out = append(out, pg)
	}
	return out
}

func normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
