// Package enroll implements the device bootstrap protocol: hello, admin
// claim, enrollment token fetch, and CSR submission. Trust starts at zero;
// the only secret shared with an unclaimed device is the pairing code an
// administrator verifies out of band.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"edgeonboard/internal/ca"
	"edgeonboard/internal/events"
	"edgeonboard/internal/metrics"
	"edgeonboard/internal/model"
	"edgeonboard/internal/store"
)

var (
	// ErrNotYetClaimed indicates the device exists but an administrator has
	// not performed the claim action yet; the device should keep polling.
	ErrNotYetClaimed = errors.New("device not yet claimed")

	// ErrBadRequest indicates a malformed identifier or secret.
	ErrBadRequest = errors.New("bad request")
)

// Device IDs end up as certificate subjects and in URL paths, so the charset
// is restricted even though the ID is otherwise opaque.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Service drives the enrollment state machine against the device registry
// and the certificate authority.
type Service struct {
	devices store.DeviceStore
	signer  ca.Signer
	pub     *events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates an enrollment service. pub may be nil when no event bus
// is configured.
func NewService(devices store.DeviceStore, signer ca.Signer, pub *events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{devices: devices, signer: signer, pub: pub, metrics: m, logger: logger}
}

func validateIdentity(deviceID, pairingCode string) error {
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("%w: invalid device id", ErrBadRequest)
	}
	if len(pairingCode) < 4 || len(pairingCode) > 64 {
		return fmt.Errorf("%w: invalid pairing code", ErrBadRequest)
	}
	return nil
}

// Hello registers a first contact. The device generates both the ID and the
// pairing code; if a record already exists the call is a no-op so a replayed
// or forged hello can never reset an existing pairing code.
func (s *Service) Hello(ctx context.Context, deviceID, pairingCode string) (created bool, err error) {
	if err := validateIdentity(deviceID, pairingCode); err != nil {
		return false, err
	}

	_, created, err = s.devices.CreateDevice(ctx, deviceID, pairingCode)
	if err != nil {
		return false, fmt.Errorf("hello failed: %w", err)
	}
	if created {
		s.metrics.HellosTotal.Inc()
		s.logger.Info("Device registered", "device_id", deviceID, "state", model.StatePending)
	}
	return created, nil
}

// Claim is the administrative action that authorizes a PENDING device. The
// pairing code must match the stored value exactly; on success a fresh
// enrollment token is generated, stored, and returned.
func (s *Service) Claim(ctx context.Context, deviceID, pairingCode string) (token string, err error) {
	if err := validateIdentity(deviceID, pairingCode); err != nil {
		return "", err
	}

	token = uuid.New().String()
	if _, err := s.devices.ClaimDevice(ctx, deviceID, pairingCode, token); err != nil {
		return "", err
	}

	s.metrics.ClaimsTotal.Inc()
	s.logger.Info("Device claimed", "device_id", deviceID)
	return token, nil
}

// Token lets a device poll for its enrollment token during the claim window.
// The same deviceID/pairingCode pair as hello authenticates the request.
func (s *Service) Token(ctx context.Context, deviceID, pairingCode string) (string, error) {
	if err := validateIdentity(deviceID, pairingCode); err != nil {
		return "", err
	}

	dev, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if dev.PairingCode != pairingCode {
		return "", store.ErrBadSecret
	}
	if dev.State == model.StatePending {
		return "", ErrNotYetClaimed
	}
	if dev.State != model.StateClaimed {
		// An enrolled device never gets its token back; re-enrollment
		// requires a new identity.
		return "", store.ErrWrongState
	}
	return dev.EnrollmentToken, nil
}

// Enroll consumes the enrollment token and a CSR, invokes the CA, and moves
// the device to ENROLLED. A signing failure is terminal for the attempt and
// leaves the registry untouched.
func (s *Service) Enroll(ctx context.Context, deviceID, token string, csrPEM []byte) (certPEM, caPEM []byte, err error) {
	if !deviceIDPattern.MatchString(deviceID) || token == "" {
		s.metrics.EnrollFailures.Inc()
		return nil, nil, fmt.Errorf("%w: invalid device id or token", ErrBadRequest)
	}

	dev, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		s.metrics.EnrollFailures.Inc()
		return nil, nil, err
	}
	if dev.State != model.StateClaimed {
		s.metrics.EnrollFailures.Inc()
		return nil, nil, store.ErrWrongState
	}
	if dev.EnrollmentToken != token {
		s.metrics.EnrollFailures.Inc()
		return nil, nil, store.ErrBadSecret
	}

	certPEM, caPEM, err = s.signer.Sign(csrPEM, deviceID)
	if err != nil {
		s.metrics.EnrollFailures.Inc()
		s.logger.Warn("Certificate issuance failed", "device_id", deviceID, "error", err)
		return nil, nil, fmt.Errorf("certificate issuance failed: %w", err)
	}

	// The transition re-checks state and token, so a concurrent enrollment
	// that won the race causes this one to fail cleanly.
	if _, err := s.devices.EnrollDevice(ctx, deviceID, token); err != nil {
		s.metrics.EnrollFailures.Inc()
		return nil, nil, err
	}

	s.metrics.EnrollmentsTotal.Inc()
	s.pub.DeviceEnrolled(deviceID)
	s.logger.Info("Device enrolled", "device_id", deviceID)
	return certPEM, caPEM, nil
}
