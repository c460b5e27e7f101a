package model

import (
	"encoding/json"
	"time"
)

// DeviceState is the enrollment state of a device record.
// States only ever move forward: PENDING -> CLAIMED -> ENROLLED.
type DeviceState string

const (
	StatePending  DeviceState = "PENDING"
	StateClaimed  DeviceState = "CLAIMED"
	StateEnrolled DeviceState = "ENROLLED"
)

// Device is the registry record for a single edge device.
//
// PairingCode and EnrollmentToken are secrets: they are compared with exact
// string equality and must never appear in admin API responses or logs.
type Device struct {
	ID              string          `json:"device_id"`
	PairingCode     string          `json:"-"`
	State           DeviceState     `json:"state"`
	EnrollmentToken string          `json:"-"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"`
	Inventory       json.RawMessage `json:"inventory,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TaskStatus is the dispatch status of a queued task.
// Transitions are monotonic: QUEUED -> RUNNING -> {DONE, FAILED}.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
)

// TaskType identifies the host-side applier a task is executed by.
type TaskType string

const (
	TaskSetProxy        TaskType = "SET_PROXY"
	TaskApplyNetplan    TaskType = "APPLY_NETPLAN"
	TaskPatchLXDNetwork TaskType = "PATCH_LXD_NETWORK"
	TaskMicrok8sAddons  TaskType = "MICROK8S_ADDONS"
)

// KnownTaskTypes lists every task type the dispatch service accepts at
// creation. Unknown types are rejected at enqueue, not at execution.
var KnownTaskTypes = []TaskType{
	TaskSetProxy,
	TaskApplyNetplan,
	TaskPatchLXDNetwork,
	TaskMicrok8sAddons,
}

// IsKnownTaskType reports whether t is in the recognized set.
func IsKnownTaskType(t TaskType) bool {
	for _, k := range KnownTaskTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Task is a unit of work queued for a specific device. Payload and Result
// are opaque to the server; only the device-side executor interprets them.
type Task struct {
	ID        int64           `json:"id"`
	DeviceID  string          `json:"device_id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
