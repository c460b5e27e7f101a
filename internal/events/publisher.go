package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"edgeonboard/internal/model"
)

// NATS subjects for fleet lifecycle events.
const (
	SubjectDeviceEnrolled = "fleet.device.enrolled"
	SubjectTaskQueued     = "fleet.task.queued"
	SubjectTaskCompleted  = "fleet.task.completed"
)

// Conn is the subset of nats.Conn the publisher needs. *nats.Conn satisfies
// it; tests substitute a recording mock.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the envelope published for every fleet event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id"`
	TaskID    int64           `json:"task_id,omitempty"`
	TaskType  model.TaskType  `json:"task_type,omitempty"`
	Status    model.TaskStatus `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher emits fleet events to NATS. A nil Publisher is valid and drops
// every event, so callers never need to guard for a missing event bus.
type Publisher struct {
	nc     Conn
	logger *slog.Logger
}

// NewPublisher creates a publisher over nc.
func NewPublisher(nc Conn, logger *slog.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// DeviceEnrolled publishes a device enrollment event.
func (p *Publisher) DeviceEnrolled(deviceID string) {
	p.publish(SubjectDeviceEnrolled, Event{
		Type:     "device.enrolled",
		DeviceID: deviceID,
	})
}

// TaskQueued publishes a task creation event.
func (p *Publisher) TaskQueued(task *model.Task) {
	p.publish(SubjectTaskQueued, Event{
		Type:     "task.queued",
		DeviceID: task.DeviceID,
		TaskID:   task.ID,
		TaskType: task.Type,
	})
}

// TaskCompleted publishes a terminal task outcome event.
func (p *Publisher) TaskCompleted(task *model.Task) {
	p.publish(SubjectTaskCompleted, Event{
		Type:     "task.completed",
		DeviceID: task.DeviceID,
		TaskID:   task.ID,
		TaskType: task.Type,
		Status:   task.Status,
	})
}

func (p *Publisher) publish(subject string, event Event) {
	if p == nil || p.nc == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		// Event publishing is best effort; the request that triggered the
		// event has already committed.
		p.logger.Error("Failed to publish event", "subject", subject, "error", err)
	}
}
