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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeonboard/internal/ca"
	"edgeonboard/internal/model"
)

type fakeFleet struct {
	mu sync.Mutex

	helloCalls      int
	tokenCalls      int
	notClaimedUntil int
	token           string

	csrSeen  []byte
	certPEM  []byte
	caPEM    []byte
	identity bool

	heartbeats int
	pollCalls  int
	tasks      []AssignedTask
	reports    []model.TaskStatus
	reported   chan struct{}
}

func (f *fakeFleet) Hello(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helloCalls++
	return nil
}

func (f *fakeFleet) FetchToken(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenCalls <= f.notClaimedUntil {
		return "", ErrNotClaimed
	}
	return f.token, nil
}

func (f *fakeFleet) SubmitCSR(_ context.Context, _, token string, csrPEM []byte) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != f.token {
		return nil, nil, fmt.Errorf("wrong token")
	}
	f.csrSeen = csrPEM
	return f.certPEM, f.caPEM, nil
}

func (f *fakeFleet) UseDeviceIdentity(_ tls.Certificate, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = true
	return nil
}

func (f *fakeFleet) Heartbeat(_ context.Context, _ string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeFleet) Poll(_ context.Context, _ string) ([]AssignedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	out := f.tasks
	f.tasks = nil
	return out, nil
}

func (f *fakeFleet) Report(_ context.Context, _ string, _ int64, status model.TaskStatus, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, status)
	if f.reported != nil {
		select {
		case f.reported <- struct{}{}:
		default:
		}
	}
	return nil
}

type fakeExecutor struct {
	fail bool
}

func (e *fakeExecutor) Execute(_ context.Context, _ model.TaskType, _ json.RawMessage) (json.RawMessage, error) {
	if e.fail {
		return nil, fmt.Errorf("applier exploded")
	}
	return json.RawMessage(`{"changed":true}`), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBootstrapWaitsForClaim(t *testing.T) {
	store := NewStore(t.TempDir())
	fleet := &fakeFleet{
		notClaimedUntil: 2,
		token:           "tok-123",
		certPEM:         []byte("cert"),
		caPEM:           []byte("ca"),
	}

	a := New(testLogger(), fleet, store, &fakeExecutor{}, "dev-1", time.Second, time.Millisecond)
	require.NoError(t, a.Bootstrap(context.Background()))

	assert.Equal(t, 1, fleet.helloCalls)
	assert.Equal(t, 3, fleet.tokenCalls)

	// The CSR carries the device ID as subject.
	block, _ := pem.Decode(fleet.csrSeen)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", csr.Subject.CommonName)
	require.NoError(t, csr.CheckSignature())

	st, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Enrolled)
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.Len(t, st.PairingCode, 8)

	cert, err := os.ReadFile(store.CertPath())
	require.NoError(t, err)
	assert.Equal(t, "cert", string(cert))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save(&State{DeviceID: "dev-1", PairingCode: "ABCDEFGH", Enrolled: true}))

	fleet := &fakeFleet{}
	a := New(testLogger(), fleet, store, &fakeExecutor{}, "dev-1", time.Second, time.Millisecond)
	require.NoError(t, a.Bootstrap(context.Background()))
	assert.Zero(t, fleet.helloCalls)
}

func TestBootstrapKeepsPairingCodeAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	fleet := &fakeFleet{notClaimedUntil: 1000}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a := New(testLogger(), fleet, NewStore(dir), &fakeExecutor{}, "dev-1", time.Second, time.Millisecond)
	require.Error(t, a.Bootstrap(ctx))

	st, err := NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	first := st.PairingCode

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	require.Error(t, a.Bootstrap(ctx2))

	st, err = NewStore(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, first, st.PairingCode)
}

// enrollStore writes a real fleet-issued identity into the state dir so Run
// can load it.
func enrollStore(t *testing.T, store *Store, deviceID string) {
	t.Helper()
	signer, err := ca.NewLocalSigner(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceID},
	}, key)
	require.NoError(t, err)
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	certPEM, caPEM, err := signer.Sign(csrPEM, deviceID)
	require.NoError(t, err)

	require.NoError(t, store.WritePEM(store.KeyPath(),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	require.NoError(t, store.WritePEM(store.CertPath(), certPEM))
	require.NoError(t, store.WritePEM(store.CAPath(), caPEM))
	require.NoError(t, store.Save(&State{DeviceID: deviceID, PairingCode: "ABCDEFGH", Enrolled: true}))
}

func TestRunExecutesAndReports(t *testing.T) {
	store := NewStore(t.TempDir())
	enrollStore(t, store, "dev-1")

	fleet := &fakeFleet{
		tasks: []AssignedTask{
			{ID: 1, Type: model.TaskSetProxy, Payload: json.RawMessage(`{"httpProxy":""}`)},
		},
		reported: make(chan struct{}, 1),
	}

	a := New(testLogger(), fleet, store, &fakeExecutor{}, "dev-1", 10*time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-fleet.reported:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never reported")
	}
	cancel()
	require.NoError(t, <-done)

	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	assert.True(t, fleet.identity)
	assert.GreaterOrEqual(t, fleet.heartbeats, 1)
	assert.Equal(t, []model.TaskStatus{model.TaskDone}, fleet.reports)
}

func TestRunReportsFailedTasks(t *testing.T) {
	store := NewStore(t.TempDir())
	enrollStore(t, store, "dev-1")

	fleet := &fakeFleet{
		tasks:    []AssignedTask{{ID: 7, Type: model.TaskApplyNetplan, Payload: json.RawMessage(`{"yaml":"x"}`)}},
		reported: make(chan struct{}, 1),
	}

	a := New(testLogger(), fleet, store, &fakeExecutor{fail: true}, "dev-1", 10*time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-fleet.reported:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never reported")
	}
	cancel()
	require.NoError(t, <-done)

	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	assert.Equal(t, []model.TaskStatus{model.TaskFailed}, fleet.reports)
}

func TestRunRequiresEnrollment(t *testing.T) {
	store := NewStore(t.TempDir())
	a := New(testLogger(), &fakeFleet{}, store, &fakeExecutor{}, "dev-1", time.Second, time.Millisecond)
	require.Error(t, a.Run(context.Background()))
}
