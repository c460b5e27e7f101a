// Package tasks implements the asynchronous command dispatch protocol:
// admin enqueue, device poll with at-most-once-per-cycle delivery, and
// terminal outcome reporting.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edgeonboard/internal/events"
	"edgeonboard/internal/metrics"
	"edgeonboard/internal/model"
	"edgeonboard/internal/store"
)

var (
	// ErrUnknownTaskType indicates the type is not in the recognized set.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrBadPayload indicates the payload failed schema validation.
	ErrBadPayload = errors.New("invalid task payload")
)

// DefaultPollLimit bounds the page of tasks a single poll can return.
const DefaultPollLimit = 5

// Service is the server-side dispatch service over the task store.
type Service struct {
	tasks     store.TaskStore
	pub       *events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	pollLimit int
}

// NewService creates a dispatch service. pub may be nil.
func NewService(tasks store.TaskStore, pub *events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		tasks:     tasks,
		pub:       pub,
		metrics:   m,
		logger:    logger,
		pollLimit: DefaultPollLimit,
	}
}

// SetPollLimit overrides the per-poll page size.
func (s *Service) SetPollLimit(limit int) {
	if limit > 0 {
		s.pollLimit = limit
	}
}

// Enqueue validates and inserts a QUEUED task. The owning device does not
// have to exist yet; the task stays dormant until the device polls.
func (s *Service) Enqueue(ctx context.Context, deviceID string, typ model.TaskType, payload []byte) (*model.Task, error) {
	if !model.IsKnownTaskType(typ) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, typ)
	}
	if err := validatePayload(typ, payload); err != nil {
		return nil, err
	}

	task, err := s.tasks.EnqueueTask(ctx, deviceID, typ, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}

	s.metrics.TasksQueuedTotal.Inc()
	s.pub.TaskQueued(task)
	s.logger.Info("Task queued", "task_id", task.ID, "device_id", deviceID, "type", typ)
	return task, nil
}

// Poll hands the device its next page of work; returned tasks are RUNNING.
func (s *Service) Poll(ctx context.Context, deviceID string) ([]*model.Task, error) {
	tasks, err := s.tasks.PollTasks(ctx, deviceID, s.pollLimit)
	if err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	s.metrics.TasksPolledTotal.Add(float64(len(tasks)))
	return tasks, nil
}

// Report records a terminal outcome for a task owned by deviceID.
func (s *Service) Report(ctx context.Context, deviceID string, taskID int64, status model.TaskStatus, result []byte) (*model.Task, error) {
	task, err := s.tasks.ReportTask(ctx, deviceID, taskID, status, result)
	if err != nil {
		return nil, err
	}

	s.metrics.TaskReportsTotal.WithLabelValues(string(status)).Inc()
	s.pub.TaskCompleted(task)
	s.logger.Info("Task reported", "task_id", taskID, "device_id", deviceID, "status", status)
	return task, nil
}

// List returns all tasks for a device, oldest first.
func (s *Service) List(ctx context.Context, deviceID string) ([]*model.Task, error) {
	return s.tasks.ListTasks(ctx, deviceID)
}

// RunRequeueSweep periodically returns tasks stuck in RUNNING longer than
// staleAfter to the queue. It blocks until ctx is cancelled. Tasks go stale
// when a device crashes mid-execution and never reports; without the sweep
// they would stay RUNNING forever.
func (s *Service) RunRequeueSweep(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Requeue sweep started", "interval", interval, "stale_after", staleAfter)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Requeue sweep stopped")
			return
		case <-ticker.C:
			n, err := s.tasks.RequeueStale(ctx, time.Now().Add(-staleAfter))
			if err != nil {
				s.logger.Error("Requeue sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.metrics.TasksRequeuedTotal.Add(float64(n))
				s.logger.Warn("Requeued stale tasks", "count", n)
			}
		}
	}
}
