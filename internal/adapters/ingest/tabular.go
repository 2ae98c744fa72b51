package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

type column int

const (
	colShot column = iota
	colSegment
	colNarration
	colVisual
)

// headerAliases maps normalised header cells to page fields. The Chinese
// names are the column titles used by the production script template.
var headerAliases = map[string]column{
	"shot":        colShot,
	"shot_number": colShot,
	"shot number": colShot,
	"page":        colShot,
	"镜号":          colShot,
	"页码":          colShot,
	"segment":     colSegment,
	"section":     colSegment,
	"环节":          colSegment,
	"narration":   colNarration,
	"script":      colNarration,
	"讲稿":          colNarration,
	"旁白":          colNarration,
	"visual_hint": colVisual,
	"visual hint": colVisual,
	"visual":      colVisual,
	"画面":          colVisual,
	"画面描述":        colVisual,
}

var errNoHeader = fmt.Errorf("%w: no narration column in header", domain.ErrNoNarration)

// mapRows locates the first row that names a narration column and reads
// every following row through that mapping.
func mapRows(rows [][]string) ([]domain.ItemInput, error) {
	for h, header := range rows {
		cols := make(map[column]int)
		for i, name := range header {
			if c, ok := headerAliases[strings.ToLower(normalize(name))]; ok {
				if _, seen := cols[c]; !seen {
					cols[c] = i
				}
			}
		}
		if _, ok := cols[colNarration]; !ok {
			continue
		}

		var pages []domain.ItemInput
		for _, row := range rows[h+1:] {
			pages = append(pages, domain.ItemInput{
				ShotNumber: cell(row, cols, colShot),
				Segment:    cell(row, cols, colSegment),
				Narration:  cell(row, cols, colNarration),
				VisualHint: cell(row, cols, colVisual),
			})
		}
		return pages, nil
	}
	return nil, errNoHeader
}

func cell(row []string, cols map[column]int, c column) string {
	i, ok := cols[c]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseCSV(data []byte) ([]domain.ItemInput, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv script: %w", err)
	}
	pages, err := mapRows(rows)
	if err != nil {
		return nil, fmt.Errorf("parse csv script: %w", err)
	}
	return pages, nil
}

// parseXLSX reads the first sheet. A sheet without a recognisable header
// is flattened to text and handed to the LLM when one is attached.
func (p *Parser) parseXLSX(ctx context.Context, data []byte) ([]domain.ItemInput, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx script: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx script has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	pages, err := mapRows(rows)
	if err == nil {
		return pages, nil
	}
	if !errors.Is(err, errNoHeader) || p.provider() == nil {
		return nil, fmt.Errorf("parse xlsx script: %w", err)
	}
	return p.extractWithLLM(ctx, rowsToText(rows))
}

func rowsToText(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		blank := true
		for _, c := range row {
			if strings.TrimSpace(c) != "" {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	return b.String()
}
