// Package agent implements the device-side runtime: the bootstrap handshake
// that turns a pairing code into a client certificate, and the steady-state
// heartbeat/poll/execute/report loop.
package agent

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"edgeonboard/internal/inventory"
	"edgeonboard/internal/model"
)

// Executor applies a task to the host and returns an opaque result for the
// report. The real implementation lives in the apply package; tests swap in
// fakes.
type Executor interface {
	Execute(ctx context.Context, typ model.TaskType, payload json.RawMessage) (json.RawMessage, error)
}

// FleetClient is the slice of Client the agent loop depends on.
type FleetClient interface {
	Hello(ctx context.Context, deviceID, pairingCode string) error
	FetchToken(ctx context.Context, deviceID, pairingCode string) (string, error)
	SubmitCSR(ctx context.Context, deviceID, token string, csrPEM []byte) (certPEM, caPEM []byte, err error)
	UseDeviceIdentity(cert tls.Certificate, caPEM []byte) error
	Heartbeat(ctx context.Context, deviceID string, inventory json.RawMessage) error
	Poll(ctx context.Context, deviceID string) ([]AssignedTask, error)
	Report(ctx context.Context, deviceID string, taskID int64, status model.TaskStatus, result json.RawMessage) error
}

// Agent drives one device through bootstrap and the polling loop.
type Agent struct {
	logger    *slog.Logger
	client    FleetClient
	store     *Store
	executor  Executor
	inventory *inventory.Collector

	deviceID     string
	pollInterval time.Duration
	claimBackoff time.Duration
}

func New(logger *slog.Logger, client FleetClient, store *Store, executor Executor,
	deviceID string, pollInterval, claimBackoff time.Duration) *Agent {
	return &Agent{
		logger:       logger,
		client:       client,
		store:        store,
		executor:     executor,
		inventory:    inventory.NewCollector(),
		deviceID:     deviceID,
		pollInterval: pollInterval,
		claimBackoff: claimBackoff,
	}
}

// Connect builds the fleet client, pinning the server's root certificate on
// first contact and reusing the pinned copy afterwards.
func Connect(ctx context.Context, logger *slog.Logger, store *Store, baseURL, deviceURL string) (*Client, error) {
	caPEM, err := os.ReadFile(store.CAPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read pinned fleet CA: %w", err)
		}

		boot, err := NewClient(logger, baseURL, deviceURL, nil)
		if err != nil {
			return nil, err
		}
		caPEM, err = boot.FetchCA(ctx)
		if err != nil {
			return nil, err
		}
		if err := store.WritePEM(store.CAPath(), caPEM); err != nil {
			return nil, err
		}
		logger.Info("Pinned fleet CA on first contact", "path", store.CAPath())
	}

	return NewClient(logger, baseURL, deviceURL, caPEM)
}

// Bootstrap runs the enrollment handshake: announce the device, wait for the
// operator to claim it, then exchange a CSR for the client certificate.
// Idempotent; an already-enrolled agent returns immediately.
func (a *Agent) Bootstrap(ctx context.Context) error {
	st, err := a.store.Load()
	if err != nil {
		return err
	}
	if st == nil {
		code, err := NewPairingCode()
		if err != nil {
			return err
		}
		st = &State{DeviceID: a.deviceID, PairingCode: code}
		if err := a.store.Save(st); err != nil {
			return err
		}
	}
	if st.Enrolled {
		a.logger.Info("Device already enrolled", "device_id", st.DeviceID)
		return nil
	}

	// The operator transcribes this code into the claim call.
	a.logger.Info("Pairing code for operator claim",
		"device_id", st.DeviceID, "pairing_code", st.PairingCode)

	if err := a.client.Hello(ctx, st.DeviceID, st.PairingCode); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}

	token := st.EnrollmentToken
	for token == "" {
		token, err = a.client.FetchToken(ctx, st.DeviceID, st.PairingCode)
		if err != nil {
			if errors.Is(err, ErrNotClaimed) {
				a.logger.Info("Waiting for operator claim", "device_id", st.DeviceID)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(a.claimBackoff):
				}
				continue
			}
			return fmt.Errorf("token fetch failed: %w", err)
		}
	}
	st.EnrollmentToken = token
	if err := a.store.Save(st); err != nil {
		return err
	}

	keyPEM, csrPEM, err := newDeviceCSR(st.DeviceID)
	if err != nil {
		return err
	}
	certPEM, caPEM, err := a.client.SubmitCSR(ctx, st.DeviceID, token, csrPEM)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if err := a.store.WritePEM(a.store.KeyPath(), keyPEM); err != nil {
		return err
	}
	if err := a.store.WritePEM(a.store.CertPath(), certPEM); err != nil {
		return err
	}
	if err := a.store.WritePEM(a.store.CAPath(), caPEM); err != nil {
		return err
	}

	st.Enrolled = true
	if err := a.store.Save(st); err != nil {
		return err
	}

	a.logger.Info("Device enrolled", "device_id", st.DeviceID)
	return nil
}

// Run drives the steady-state loop until ctx is cancelled. The device must
// be enrolled.
func (a *Agent) Run(ctx context.Context) error {
	st, err := a.store.Load()
	if err != nil {
		return err
	}
	if st == nil || !st.Enrolled {
		return fmt.Errorf("device is not enrolled; bootstrap first")
	}

	cert, err := tls.LoadX509KeyPair(a.store.CertPath(), a.store.KeyPath())
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}
	caPEM, err := os.ReadFile(a.store.CAPath())
	if err != nil {
		return fmt.Errorf("failed to read pinned fleet CA: %w", err)
	}
	if err := a.client.UseDeviceIdentity(cert, caPEM); err != nil {
		return err
	}

	a.logger.Info("Agent loop started",
		"device_id", st.DeviceID, "poll_interval", a.pollInterval)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		a.tick(ctx, st.DeviceID)
		select {
		case <-ctx.Done():
			a.logger.Info("Agent loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one heartbeat/poll/execute/report cycle. Errors are logged, not
// returned; the next tick starts fresh.
func (a *Agent) tick(ctx context.Context, deviceID string) {
	if err := a.client.Heartbeat(ctx, deviceID, a.inventory.JSON()); err != nil {
		a.logger.Warn("Heartbeat failed", "error", err)
	}

	assigned, err := a.client.Poll(ctx, deviceID)
	if err != nil {
		a.logger.Warn("Poll failed", "error", err)
		return
	}

	for _, task := range assigned {
		a.executeAndReport(ctx, deviceID, task)
	}
}

// executeAndReport runs one task and reports its terminal status. A failing
// task never stops the remaining ones.
func (a *Agent) executeAndReport(ctx context.Context, deviceID string, task AssignedTask) {
	a.logger.Info("Executing task", "task_id", task.ID, "type", task.Type)

	status := model.TaskDone
	result, err := a.executor.Execute(ctx, task.Type, task.Payload)
	if err != nil {
		a.logger.Error("Task failed", "task_id", task.ID, "type", task.Type, "error", err)
		status = model.TaskFailed
		result, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	if err := a.client.Report(ctx, deviceID, task.ID, status, result); err != nil {
		// The server will requeue the task once it goes stale.
		a.logger.Warn("Report failed", "task_id", task.ID, "error", err)
		return
	}
	a.logger.Info("Task reported", "task_id", task.ID, "status", status)
}

// newDeviceCSR generates the device keypair and a certificate request with
// the device ID as subject.
func newDeviceCSR(deviceID string) (keyPEM, csrPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode device key: %w", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceID},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return keyPEM, csrPEM, nil
}
