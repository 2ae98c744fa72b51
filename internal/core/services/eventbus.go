package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
	EventTypeItem     EventType = "item"
)

type Event struct {
	JobID     string    `json:"job_id"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"` // JSON payload
	Timestamp int64     `json:"timestamp"`
}

// StatusPayload is the body of a status event. Settled marks the last
// event of a run: the job has ended and no unit will report on it again.
type StatusPayload struct {
	Status       domain.JobStatus `json:"status"`
	Phase        string           `json:"phase"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Settled      bool             `json:"settled,omitempty"`
}

// ProgressPayload is the body of a progress event.
type ProgressPayload struct {
	Stage     domain.StageKind `json:"stage"`
	Phase     string           `json:"phase"`
	Completed int              `json:"completed_pages"`
	Done      int              `json:"done"`
	Total     int              `json:"total"`
	Progress  float64          `json:"progress"`
}

// ItemPayload is the body of an item event.
type ItemPayload struct {
	Index  int               `json:"index"`
	Status domain.ItemStatus `json:"status"`
	Error  string            `json:"error_message,omitempty"`
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: JobID
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific job
func (b *EventBus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job. Slow subscribers
// lose events rather than stall the publisher.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.JobID]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID, "type", e.Type)
		}
	}
}

// PublishJSON marshals payload into an event for jobID.
func (b *EventBus) PublishJSON(jobID domain.JobID, typ EventType, payload any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to encode event", "job_id", jobID, "type", typ, "error", err)
		return
	}
	b.Publish(Event{
		JobID:     string(jobID),
		Type:      typ,
		Data:      string(data),
		Timestamp: time.Now().Unix(),
	})
}

// PublishStatus emits the job's status and phase.
func (b *EventBus) PublishStatus(job domain.Job) {
	b.PublishJSON(job.ID, EventTypeStatus, NewStatusPayload(job, false))
}

// PublishSettled emits the final status of a run.
func (b *EventBus) PublishSettled(job domain.Job) {
	b.PublishJSON(job.ID, EventTypeStatus, NewStatusPayload(job, true))
}

func NewStatusPayload(job domain.Job, settled bool) StatusPayload {
	return StatusPayload{
		Status:       job.Status,
		Phase:        job.CurrentPhase,
		ErrorMessage: job.ErrorMessage,
		Settled:      settled,
	}
}
