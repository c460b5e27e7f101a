package agent

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the agent's persisted identity. It survives restarts so a device
// resumes the bootstrap where it left off instead of generating a new
// pairing code every boot.
type State struct {
	DeviceID        string `json:"device_id"`
	PairingCode     string `json:"pairing_code"`
	EnrollmentToken string `json:"enrollment_token,omitempty"`
	Enrolled        bool   `json:"enrolled"`
}

// Store reads and writes the agent state directory. Key material lives next
// to the state file as PEM so the TLS layer can load it directly.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) statePath() string { return filepath.Join(s.dir, "state.json") }

// KeyPath is the device private key, written once during bootstrap.
func (s *Store) KeyPath() string { return filepath.Join(s.dir, "device-key.pem") }

// CertPath is the fleet-issued client certificate.
func (s *Store) CertPath() string { return filepath.Join(s.dir, "device-cert.pem") }

// CAPath is the pinned fleet root, fetched on first contact.
func (s *Store) CAPath() string { return filepath.Join(s.dir, "fleet-ca.pem") }

// Load returns the persisted state, or nil when the agent has never run.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agent state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("agent state is corrupt: %w", err)
	}
	return &st, nil
}

func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent state: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write agent state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		return fmt.Errorf("failed to replace agent state: %w", err)
	}
	return nil
}

// WritePEM persists key material with owner-only permissions.
func (s *Store) WritePEM(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// pairing code alphabet avoids 0/O and 1/I so operators can transcribe it
// from a device label or console without ambiguity.
const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewPairingCode generates the short secret the operator transcribes into
// the claim call.
func NewPairingCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	code := make([]byte, len(buf))
	for i, b := range buf {
		code[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(code), nil
}
