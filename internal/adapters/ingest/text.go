package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const extractPrompt = `You split scripts into presentation pages.
The content below may be a table flattened to text, plain prose or loosely sectioned notes.
For every page or shot extract:
- shot_number: the shot or page number if present, as a string
- segment: the section name if present
- narration: the spoken script text (required, the most important field)
- visual_hint: any description of what should be on screen, if present

Rules:
1. Without explicit page boundaries, split by paragraph or logical unit.
2. Skip metadata rows such as titles, authors and header rows.
3. Skip empty rows and rows containing only "/".

Return only a JSON array, no commentary, for example:
[{"shot_number": "1", "segment": "Opening", "narration": "Hello everyone...", "visual_hint": "title card"}]

===== SCRIPT =====
%s
===== END =====`

var (
	jsonArrayRe = regexp.MustCompile(`\[[\s\S]*\]`)
	headingRe   = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
)

// parseText asks the LLM for page boundaries and falls back to splitting
// on blank lines when no LLM is attached or its answer is unusable.
func (p *Parser) parseText(ctx context.Context, text string, markdown bool) ([]domain.ItemInput, error) {
	if p.provider() != nil {
		pages, err := p.extractWithLLM(ctx, text)
		if err == nil && len(clean(append([]domain.ItemInput(nil), pages...))) > 0 {
			return pages, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("llm extraction failed, splitting paragraphs", "error", err)
	}
	return splitParagraphs(text, markdown), nil
}

func (p *Parser) extractWithLLM(ctx context.Context, text string) ([]domain.ItemInput, error) {
	llm := p.provider()
	if llm == nil {
		return nil, fmt.Errorf("no llm configured")
	}
	out, err := llm.GenerateText(ctx, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}
	body := stripFences(out)
	pages, err := decodePages([]byte(body))
	if err != nil {
		match := jsonArrayRe.FindString(body)
		if match == "" {
			return nil, fmt.Errorf("llm extraction returned no json array")
		}
		if pages, err = decodePages([]byte(match)); err != nil {
			return nil, fmt.Errorf("llm extraction: %w", err)
		}
	}
	return pages, nil
}

// stripFences removes a surrounding ``` block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.Join(lines, "\n")
}

// splitParagraphs makes one page per blank-line separated block. In
// markdown, a heading names the segment of the blocks that follow it.
func splitParagraphs(text string, markdown bool) []domain.ItemInput {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		pages   []domain.ItemInput
		segment string
		block   []string
	)
	flush := func() {
		if len(block) == 0 {
			return
		}
		pages = append(pages, domain.ItemInput{
			Segment:   segment,
			Narration: strings.Join(block, "\n"),
		})
		block = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if markdown {
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				flush()
				segment = strings.TrimSpace(m[1])
				continue
			}
		}
		block = append(block, trimmed)
	}
	flush()
	return pages
}
