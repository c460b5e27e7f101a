package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"edgeonboard/internal/model"
)

// Postgres implements DeviceStore and TaskStore on PostgreSQL. The poll
// read-then-mark step runs inside a single transaction with row locks so
// overlapping polls for the same device serialize on the database.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id        TEXT PRIMARY KEY,
	pairing_code     TEXT NOT NULL,
	state            TEXT NOT NULL,
	enrollment_token TEXT NOT NULL DEFAULT '',
	last_seen_at     TIMESTAMPTZ,
	inventory        JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id         BIGSERIAL PRIMARY KEY,
	device_id  TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	status     TEXT NOT NULL,
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_device_status_created
	ON tasks (device_id, status, created_at);
`

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(host, port, user, password, dbname string, logger *slog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Postgres{db: db, logger: logger}, nil
}

// Close closes the database connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) CreateDevice(ctx context.Context, id, pairingCode string) (*model.Device, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, pairing_code, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (device_id) DO NOTHING`,
		id, pairingCode, model.StatePending, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert device: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	dev, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return dev, inserted == 1, nil
}

func (s *Postgres) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, `
		SELECT device_id, pairing_code, state, enrollment_token, last_seen_at, inventory, created_at, updated_at
		FROM devices WHERE device_id = $1`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var dev model.Device
	var state string
	var inventory []byte
	err := row.Scan(&dev.ID, &dev.PairingCode, &state, &dev.EnrollmentToken,
		&dev.LastSeenAt, &inventory, &dev.CreatedAt, &dev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	dev.State = model.DeviceState(state)
	if inventory != nil {
		dev.Inventory = json.RawMessage(inventory)
	}
	return &dev, nil
}

func (s *Postgres) ClaimDevice(ctx context.Context, id, pairingCode, token string) (*model.Device, error) {
	dev, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if dev.State != model.StatePending {
		return nil, ErrWrongState
	}
	if dev.PairingCode != pairingCode {
		return nil, ErrBadSecret
	}

	// The WHERE clause repeats the preconditions so a concurrent transition
	// between the read and this update cannot be overwritten.
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET state = $1, enrollment_token = $2, updated_at = $3
		WHERE device_id = $4 AND state = $5 AND pairing_code = $6`,
		model.StateClaimed, token, time.Now().UTC(), id, model.StatePending, pairingCode)
	if err != nil {
		return nil, fmt.Errorf("failed to claim device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		return nil, ErrWrongState
	}
	return s.GetDevice(ctx, id)
}

func (s *Postgres) EnrollDevice(ctx context.Context, id, token string) (*model.Device, error) {
	dev, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if dev.State != model.StateClaimed {
		return nil, ErrWrongState
	}
	if dev.EnrollmentToken != token {
		return nil, ErrBadSecret
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET state = $1, updated_at = $2
		WHERE device_id = $3 AND state = $4 AND enrollment_token = $5`,
		model.StateEnrolled, time.Now().UTC(), id, model.StateClaimed, token)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read enroll result: %w", err)
	}
	if n == 0 {
		return nil, ErrWrongState
	}
	return s.GetDevice(ctx, id)
}

func (s *Postgres) TouchDevice(ctx context.Context, id string, inventory json.RawMessage) error {
	var res sql.Result
	var err error
	now := time.Now().UTC()
	if inventory != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE devices SET last_seen_at = $1, inventory = $2, updated_at = $1
			WHERE device_id = $3`, now, []byte(inventory), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE devices SET last_seen_at = $1, updated_at = $1
			WHERE device_id = $2`, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read touch result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListDevices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, pairing_code, state, enrollment_token, last_seen_at, inventory, created_at, updated_at
		FROM devices ORDER BY created_at, device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

func (s *Postgres) EnqueueTask(ctx context.Context, deviceID string, typ model.TaskType, payload json.RawMessage) (*model.Task, error) {
	now := time.Now().UTC()
	task := &model.Task{
		DeviceID:  deviceID,
		Type:      typ,
		Payload:   payload,
		Status:    model.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (device_id, type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`,
		deviceID, typ, []byte(payload), model.TaskQueued, now).Scan(&task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

func (s *Postgres) PollTasks(ctx context.Context, deviceID string, limit int) ([]*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin poll transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, device_id, type, payload, status, created_at, updated_at
		FROM tasks
		WHERE device_id = $1 AND status = $2
		ORDER BY created_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		deviceID, model.TaskQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued tasks: %w", err)
	}

	var tasks []*model.Task
	var ids []int64
	for rows.Next() {
		var task model.Task
		var payload []byte
		if err := rows.Scan(&task.ID, &task.DeviceID, &task.Type, &payload,
			&task.Status, &task.CreatedAt, &task.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Payload = json.RawMessage(payload)
		tasks = append(tasks, &task)
		ids = append(ids, task.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if len(ids) > 0 {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
			model.TaskRunning, now, pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("failed to mark tasks running: %w", err)
		}
		for _, task := range tasks {
			task.Status = model.TaskRunning
			task.UpdatedAt = now
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit poll transaction: %w", err)
	}
	return tasks, nil
}

func (s *Postgres) ReportTask(ctx context.Context, deviceID string, taskID int64, status model.TaskStatus, result json.RawMessage) (*model.Task, error) {
	if status != model.TaskDone && status != model.TaskFailed {
		return nil, ErrBadStatus
	}

	var owner string
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, status FROM tasks WHERE id = $1`, taskID).Scan(&owner, &current)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if owner != deviceID {
		return nil, ErrWrongDevice
	}
	if model.TaskStatus(current) != model.TaskRunning {
		return nil, ErrBadStatus
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, result = $2, updated_at = $3
		WHERE id = $4 AND device_id = $5 AND status = $6`,
		status, []byte(result), time.Now().UTC(), taskID, deviceID, model.TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to report task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read report result: %w", err)
	}
	if n == 0 {
		return nil, ErrBadStatus
	}

	return s.getTask(ctx, taskID)
}

func (s *Postgres) getTask(ctx context.Context, id int64) (*model.Task, error) {
	var task model.Task
	var payload, result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, type, payload, status, result, created_at, updated_at
		FROM tasks WHERE id = $1`, id).
		Scan(&task.ID, &task.DeviceID, &task.Type, &payload, &task.Status,
			&result, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Payload = json.RawMessage(payload)
	if result != nil {
		task.Result = json.RawMessage(result)
	}
	return &task, nil
}

func (s *Postgres) ListTasks(ctx context.Context, deviceID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, type, payload, status, result, created_at, updated_at
		FROM tasks WHERE device_id = $1 ORDER BY created_at, id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		var payload, result []byte
		if err := rows.Scan(&task.ID, &task.DeviceID, &task.Type, &payload,
			&task.Status, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Payload = json.RawMessage(payload)
		if result != nil {
			task.Result = json.RawMessage(result)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *Postgres) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		model.TaskQueued, time.Now().UTC(), model.TaskRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read requeue result: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Requeued stale running tasks", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}
