// Package apply executes fleet tasks against the local host: proxy
// configuration, netplan changes, LXD network patches and microk8s addons.
// Everything that touches the host goes through an injectable runner and
// path fields so tests never execute real commands.
package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"edgeonboard/internal/model"
)

// Runner executes a host command under a bounded timeout and returns its
// combined output.
type Runner func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)

func execRunner(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Executor applies tasks to the host. Zero value is not usable; construct
// with NewExecutor.
type Executor struct {
	logger *slog.Logger
	run    Runner

	backupDir       string
	environmentPath string
	aptProxyPath    string
	netplanPath     string

	now func() time.Time
}

func NewExecutor(backupDir string, logger *slog.Logger) *Executor {
	return &Executor{
		logger:          logger,
		run:             execRunner,
		backupDir:       backupDir,
		environmentPath: "/etc/environment",
		aptProxyPath:    "/etc/apt/apt.conf.d/95edgeonboard-proxy",
		netplanPath:     "/etc/netplan/99-edgeonboard.yaml",
		now:             time.Now,
	}
}

// Execute dispatches on the task type. The server validated the payload
// shape at enqueue; appliers re-check only semantic constraints.
func (e *Executor) Execute(ctx context.Context, typ model.TaskType, payload json.RawMessage) (json.RawMessage, error) {
	e.logger.Info("Applying task", "type", typ)

	switch typ {
	case model.TaskSetProxy:
		return e.applyProxy(ctx, payload)
	case model.TaskApplyNetplan:
		return e.applyNetplan(ctx, payload)
	case model.TaskPatchLXDNetwork:
		return e.applyLXDNetwork(ctx, payload)
	case model.TaskMicrok8sAddons:
		return e.applyMicrok8sAddons(ctx, payload)
	default:
		return nil, fmt.Errorf("no applier for task type %q", typ)
	}
}

// backupFile stores a zstd-compressed copy of path under the backup dir
// before an applier overwrites it. A missing source file is not an error;
// there is simply nothing to back up.
func (e *Executor) backupFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s for backup: %w", path, err)
	}

	if err := os.MkdirAll(e.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return "", fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to finish backup: %w", err)
	}

	name := fmt.Sprintf("%s.%d.zst", filepath.Base(path), e.now().Unix())
	backupPath := filepath.Join(e.backupDir, name)
	if err := os.WriteFile(backupPath, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	e.logger.Debug("Backed up file", "path", path, "backup", backupPath)
	return backupPath, nil
}

// RestoreBackup decompresses a backup written by backupFile. Kept as a
// manual recovery tool; tasks never call it.
func RestoreBackup(backupPath string) ([]byte, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec); err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	return buf.Bytes(), nil
}
