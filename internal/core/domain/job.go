package domain

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type JobID string

type ItemID string

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// CanStart reports whether a fresh run may begin from this status.
func (s JobStatus) CanStart() bool {
	return s == JobStatusPending || s == JobStatusError
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// HasEnded reports whether a run stops in this status. Unlike IsTerminal it
// includes ERROR, from which a job may be started again.
func (s JobStatus) HasEnded() bool {
	return s.IsTerminal() || s == JobStatusError
}

// ItemStatus tracks one page through the stages.
// A stage's success status is the pending status of the next stage.
type ItemStatus string

const (
	ItemStatusPending      ItemStatus = "pending"
	ItemStatusDescribing   ItemStatus = "describing"
	ItemStatusDescribed    ItemStatus = "described"
	ItemStatusIllustrating ItemStatus = "illustrating"
	ItemStatusIllustrated  ItemStatus = "illustrated"
	ItemStatusError        ItemStatus = "error"
)

// IsRunning reports whether a unit currently owns the item.
func (s ItemStatus) IsRunning() bool {
	return s == ItemStatusDescribing || s == ItemStatusIllustrating
}

// ItemInput holds the fields fixed when a job is created.
type ItemInput struct {
	ShotNumber string `json:"shot_number"`
	Segment    string `json:"segment"`
	Narration  string `json:"narration"`
	VisualHint string `json:"visual_hint"`
}

// Item is one script page.
type Item struct {
	ID    ItemID `json:"id"`
	Index int    `json:"index"`
	ItemInput

	Status      ItemStatus `json:"status"`
	Description string     `json:"description"`
	ImagePath   string     `json:"image_path"`
	Error       string     `json:"error_message"`
}

// Job is a batch of items sharing one lifecycle.
type Job struct {
	ID             JobID     `json:"id"`
	Name           string    `json:"name"`
	Status         JobStatus `json:"status"`
	Items          []Item    `json:"pages"`
	CompletedCount int       `json:"completed_pages"`
	CurrentPhase   string    `json:"current_phase"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorMessage   string    `json:"error_message"`
	OutputPath     string    `json:"output_path"`
}

// NewJob builds a pending job whose items carry ordinals 0..n-1.
func NewJob(name string, inputs []ItemInput, now time.Time) Job {
	if name == "" {
		name = DefaultJobName
	}
	items := make([]Item, len(inputs))
	for i, in := range inputs {
		if in.ShotNumber == "" {
			in.ShotNumber = strconv.Itoa(i + 1)
		}
		items[i] = Item{
			ID:        NewItemID(),
			Index:     i,
			ItemInput: in,
			Status:    ItemStatusPending,
		}
	}
	return Job{
		ID:        NewJobID(),
		Name:      name,
		Status:    JobStatusPending,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const DefaultJobName = "untitled"

func (j Job) TotalItems() int {
	return len(j.Items)
}

// Progress is CompletedCount over the item count, 0 for an empty job.
func (j Job) Progress() float64 {
	if len(j.Items) == 0 {
		return 0
	}
	return float64(j.CompletedCount) / float64(len(j.Items))
}

// ProgressPercent rounds Progress to one decimal place.
func (j Job) ProgressPercent() float64 {
	return math.Round(j.Progress()*1000) / 10
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	cp := j
	cp.Items = make([]Item, len(j.Items))
	copy(cp.Items, j.Items)
	return cp
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidStartState = errors.New("invalid start state")
	ErrEmptyItems        = errors.New("item list is empty")
	ErrJobRunning        = errors.New("job is running")
	ErrJobNotCompleted   = errors.New("job is not completed")
	ErrJobFinished       = errors.New("job already finished")
	ErrNothingToExport   = errors.New("no generated pages to export")
	ErrPoolClosed        = errors.New("worker pool closed")
	ErrQueueFull         = errors.New("scheduling queue full")
	ErrUnsupportedFormat = errors.New("unsupported script format")
	ErrNoNarration       = errors.New("script has no narration")
)
