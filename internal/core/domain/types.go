package domain

import (
	"context"
	"io"
)

// StageKind names one transformation pass over a job's items.
type StageKind string

const (
	StageDescribe   StageKind = "describe"
	StageIllustrate StageKind = "illustrate"
)

// ImageProvider defines the interface for image generation services
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// LLMProvider defines the interface for LLM services
type LLMProvider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Describer turns a page's input fields into a slide description.
type Describer interface {
	Describe(ctx context.Context, in ItemInput) (string, error)
}

// Illustrator renders a described page and returns an artifact reference.
type Illustrator interface {
	Illustrate(ctx context.Context, jobID JobID, item Item) (string, error)
}

// Ingester turns an uploaded document into ordered page inputs.
type Ingester interface {
	Parse(ctx context.Context, filename string, r io.Reader) ([]ItemInput, error)
}

// ExportOptions controls how a finished job is written out.
type ExportOptions struct {
	Name         string `json:"output_name"`
	IncludeNotes bool   `json:"include_notes"`
}

// Exporter persists a completed job and returns the output path
// along with the number of pages written.
type Exporter interface {
	Export(ctx context.Context, job Job, opts ExportOptions) (string, int, error)
}
