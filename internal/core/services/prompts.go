package services

import (
	"strings"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const DefaultDescriptionPrompt = `You are designing one slide of a presentation that accompanies a narrated script.

Segment: {{segment}}
Shot: {{shot_number}}
Narration:
{{narration}}

Visual hint: {{visual_hint}}

Describe the slide in a few sentences: a short title, the key points shown as text, and the illustration that should fill the rest of the page. Reply with the description only.`

const DefaultImagePrompt = `A professional 16:9 presentation slide. Illustrations and text share the page roughly half and half; use a detailed, concrete illustration rather than plain icons or text boxes.

Slide content:
{{description}}

Visual hint: {{visual_hint}}`

// Prompts holds the templates used by the pipeline. Placeholders:
// {{narration}}, {{visual_hint}}, {{segment}}, {{shot_number}}, {{description}}.
type Prompts struct {
	Description string
	Image       string
}

func DefaultPrompts() Prompts {
	return Prompts{Description: DefaultDescriptionPrompt, Image: DefaultImagePrompt}
}

func (p Prompts) withDefaults() Prompts {
	if strings.TrimSpace(p.Description) == "" {
		p.Description = DefaultDescriptionPrompt
	}
	if strings.TrimSpace(p.Image) == "" {
		p.Image = DefaultImagePrompt
	}
	return p
}

// RenderPrompt substitutes page fields into tmpl. Missing optional fields
// render as "none".
func RenderPrompt(tmpl string, in domain.ItemInput, description string) string {
	orNone := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "none"
		}
		return s
	}
	return strings.NewReplacer(
		"{{narration}}", in.Narration,
		"{{visual_hint}}", orNone(in.VisualHint),
		"{{segment}}", orNone(in.Segment),
		"{{shot_number}}", orNone(in.ShotNumber),
		"{{description}}", description,
	).Replace(tmpl)
}
