package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"edgeonboard/internal/model"
)

// Sentinel errors shared by all store implementations. Callers check them
// with errors.Is; HTTP handlers map them to status codes.
var (
	// ErrNotFound indicates no record exists for the given identifier.
	ErrNotFound = errors.New("record not found")

	// ErrWrongState indicates the record exists but is not in the state
	// required for the requested transition.
	ErrWrongState = errors.New("wrong state for transition")

	// ErrBadSecret indicates a pairing code or enrollment token mismatch.
	ErrBadSecret = errors.New("secret mismatch")

	// ErrWrongDevice indicates a task does not belong to the claimed device.
	ErrWrongDevice = errors.New("task does not belong to device")

	// ErrBadStatus indicates a disallowed task status transition.
	ErrBadStatus = errors.New("invalid status transition")
)

// DeviceStore is the durable registry of device records. It is the single
// source of truth for enrollment state transitions; every transition method
// checks its preconditions and mutates nothing on failure.
type DeviceStore interface {
	// CreateDevice handles a device hello. If no record exists for id, a
	// PENDING record is created with the supplied pairing code and created
	// is true. If a record already exists the call is a no-op on the stored
	// record (the existing pairing code and state are never overwritten)
	// and created is false.
	CreateDevice(ctx context.Context, id, pairingCode string) (dev *model.Device, created bool, err error)

	// GetDevice returns the record for id, or ErrNotFound.
	GetDevice(ctx context.Context, id string) (*model.Device, error)

	// ClaimDevice moves a PENDING device to CLAIMED, storing token as its
	// enrollment token. Fails with ErrWrongState if the device has left
	// PENDING, ErrBadSecret if pairingCode does not match exactly.
	ClaimDevice(ctx context.Context, id, pairingCode, token string) (*model.Device, error)

	// EnrollDevice moves a CLAIMED device to ENROLLED. Fails with
	// ErrWrongState if the device is not CLAIMED, ErrBadSecret if token
	// does not match the stored enrollment token exactly. Called only after
	// certificate issuance has succeeded.
	EnrollDevice(ctx context.Context, id, token string) (*model.Device, error)

	// TouchDevice records a heartbeat: updates last-seen and, when
	// inventory is non-nil, the stored inventory snapshot.
	TouchDevice(ctx context.Context, id string, inventory json.RawMessage) error

	// ListDevices returns all device records ordered by creation time.
	ListDevices(ctx context.Context) ([]*model.Device, error)
}

// TaskStore is the durable queue of per-device commands and their outcomes.
type TaskStore interface {
	// EnqueueTask inserts a QUEUED task. The device does not need to exist
	// yet; the task stays dormant until the device polls.
	EnqueueTask(ctx context.Context, deviceID string, typ model.TaskType, payload json.RawMessage) (*model.Task, error)

	// PollTasks returns up to limit of the oldest QUEUED tasks for the
	// device and atomically transitions each returned task to RUNNING. The
	// read and the mark-down are serialized per device so two concurrent
	// polls never both receive the same task.
	PollTasks(ctx context.Context, deviceID string, limit int) ([]*model.Task, error)

	// ReportTask records a terminal outcome and result for a RUNNING task.
	// status must be DONE or FAILED. Fails with ErrWrongDevice if the task
	// belongs to a different device.
	ReportTask(ctx context.Context, deviceID string, taskID int64, status model.TaskStatus, result json.RawMessage) (*model.Task, error)

	// ListTasks returns all tasks for a device, oldest first.
	ListTasks(ctx context.Context, deviceID string) ([]*model.Task, error)

	// RequeueStale returns RUNNING tasks last updated before cutoff to
	// QUEUED and reports how many were requeued. Recovers tasks stranded by
	// a device crash mid-execution.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}
