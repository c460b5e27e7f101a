package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"edgeonboard/internal/model"
)

// Memory is a thread-safe in-memory implementation of DeviceStore and
// TaskStore for development and tests. A single mutex guards both tables,
// which also serializes the poll read-then-mark step per store.
type Memory struct {
	mu      sync.Mutex
	devices map[string]*model.Device
	tasks   map[int64]*model.Task
	nextID  int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*model.Device),
		tasks:   make(map[int64]*model.Task),
		nextID:  1,
		now:     time.Now,
	}
}

func copyDevice(d *model.Device) *model.Device {
	cp := *d
	return &cp
}

func copyTask(t *model.Task) *model.Task {
	cp := *t
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.Result = append(json.RawMessage(nil), t.Result...)
	return &cp
}

func (m *Memory) CreateDevice(_ context.Context, id, pairingCode string) (*model.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.devices[id]; ok {
		// Hello is idempotent: an attacker who learns a device ID must not
		// be able to reset its pairing code or state.
		return copyDevice(existing), false, nil
	}

	now := m.now().UTC()
	dev := &model.Device{
		ID:          id,
		PairingCode: pairingCode,
		State:       model.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.devices[id] = dev
	return copyDevice(dev), true, nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(dev), nil
}

func (m *Memory) ClaimDevice(_ context.Context, id, pairingCode, token string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if dev.State != model.StatePending {
		return nil, ErrWrongState
	}
	if dev.PairingCode != pairingCode {
		return nil, ErrBadSecret
	}

	dev.State = model.StateClaimed
	dev.EnrollmentToken = token
	dev.UpdatedAt = m.now().UTC()
	return copyDevice(dev), nil
}

func (m *Memory) EnrollDevice(_ context.Context, id, token string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if dev.State != model.StateClaimed {
		return nil, ErrWrongState
	}
	if dev.EnrollmentToken != token {
		return nil, ErrBadSecret
	}

	dev.State = model.StateEnrolled
	dev.UpdatedAt = m.now().UTC()
	return copyDevice(dev), nil
}

func (m *Memory) TouchDevice(_ context.Context, id string, inventory json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	dev.LastSeenAt = &now
	if inventory != nil {
		dev.Inventory = append(json.RawMessage(nil), inventory...)
	}
	dev.UpdatedAt = now
	return nil
}

func (m *Memory) ListDevices(_ context.Context) ([]*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]*model.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, copyDevice(dev))
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (m *Memory) EnqueueTask(_ context.Context, deviceID string, typ model.TaskType, payload json.RawMessage) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	task := &model.Task{
		ID:        m.nextID,
		DeviceID:  deviceID,
		Type:      typ,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    model.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextID++
	m.tasks[task.ID] = task
	return copyTask(task), nil
}

func (m *Memory) PollTasks(_ context.Context, deviceID string, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make([]*model.Task, 0)
	for _, task := range m.tasks {
		if task.DeviceID == deviceID && task.Status == model.TaskQueued {
			queued = append(queued, task)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}

	now := m.now().UTC()
	out := make([]*model.Task, 0, len(queued))
	for _, task := range queued {
		task.Status = model.TaskRunning
		task.UpdatedAt = now
		out = append(out, copyTask(task))
	}
	return out, nil
}

func (m *Memory) ReportTask(_ context.Context, deviceID string, taskID int64, status model.TaskStatus, result json.RawMessage) (*model.Task, error) {
	if status != model.TaskDone && status != model.TaskFailed {
		return nil, ErrBadStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}
	if task.Status != model.TaskRunning {
		return nil, ErrBadStatus
	}

	task.Status = status
	task.Result = append(json.RawMessage(nil), result...)
	task.UpdatedAt = m.now().UTC()
	return copyTask(task), nil
}

func (m *Memory) ListTasks(_ context.Context, deviceID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]*model.Task, 0)
	for _, task := range m.tasks {
		if task.DeviceID == deviceID {
			tasks = append(tasks, copyTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (m *Memory) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	now := m.now().UTC()
	for _, task := range m.tasks {
		if task.Status == model.TaskRunning && task.UpdatedAt.Before(cutoff) {
			task.Status = model.TaskQueued
			task.UpdatedAt = now
			requeued++
		}
	}
	return requeued, nil
}
