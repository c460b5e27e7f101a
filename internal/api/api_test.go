package api

import (
	"bytes"
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
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeonboard/internal/auth"
	"edgeonboard/internal/ca"
	"edgeonboard/internal/enroll"
	"edgeonboard/internal/metrics"
	"edgeonboard/internal/model"
	"edgeonboard/internal/store"
	"edgeonboard/internal/tasks"
)

const adminToken = "test-admin-token"

type testEnv struct {
	server *Server
	public http.Handler
	device http.Handler
	store  *store.Memory
	signer *ca.LocalSigner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	signer, err := ca.NewLocalSigner(t.TempDir(), 90*24*time.Hour, logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mem := store.NewMemory()
	enrollSvc := enroll.NewService(mem, signer, nil, m, logger)
	taskSvc := tasks.NewService(mem, nil, m, logger)
	admin := auth.NewMiddleware(auth.NewStaticVerifier(adminToken, "edge-admin"), "edge-admin", 16, logger)

	srv := NewServer(enrollSvc, taskSvc, mem, admin, signer.CACertPEM(), m, reg, logger)
	return &testEnv{
		server: srv,
		public: srv.PublicHandler(),
		device: srv.DeviceHandler(),
		store:  mem,
		signer: signer,
	}
}

func (env *testEnv) do(t *testing.T, handler http.Handler, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+adminToken)
}

// asDevice attaches a TLS connection state carrying a client certificate for
// the given device ID, standing in for the mTLS listener.
func asDevice(deviceID string) func(*http.Request) {
	return func(req *http.Request) {
		req.TLS = &tls.ConnectionState{
			PeerCertificates: []*x509.Certificate{
				{Subject: pkix.Name{CommonName: deviceID}},
			},
		}
	}
}

func makeCSR(t *testing.T, commonName string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestBootstrapFlow(t *testing.T) {
	env := newTestEnv(t)

	// Hello creates a PENDING record.
	rec := env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Retried hello is a no-op.
	rec = env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Token poll before the claim: device keeps waiting.
	rec = env.do(t, env.public, http.MethodPost, "/v1/enroll/token",
		tokenRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Admin claim with the transcribed pairing code.
	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/claim",
		claimRequest{PairingCode: "WXYZ1234"}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimResp struct {
		EnrollmentToken string `json:"enrollment_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimResp))
	require.NotEmpty(t, claimResp.EnrollmentToken)

	// Device fetches its token with the same hello pair.
	rec = env.do(t, env.public, http.MethodPost, "/v1/enroll/token",
		tokenRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	require.Equal(t, http.StatusOK, rec.Code)

	// CSR submission issues the certificate and enrolls the device.
	rec = env.do(t, env.public, http.MethodPost, "/v1/enroll/csr",
		csrRequest{DeviceID: "abc123", EnrollmentToken: claimResp.EnrollmentToken, CSR: makeCSR(t, "abc123")})
	require.Equal(t, http.StatusOK, rec.Code)
	var csrResp struct {
		Certificate   string `json:"certificate"`
		CACertificate string `json:"ca_certificate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &csrResp))
	assert.Contains(t, csrResp.Certificate, "BEGIN CERTIFICATE")
	assert.Contains(t, csrResp.CACertificate, "BEGIN CERTIFICATE")

	// A second submit with the same token fails: state left CLAIMED.
	rec = env.do(t, env.public, http.MethodPost, "/v1/enroll/csr",
		csrRequest{DeviceID: "abc123", EnrollmentToken: claimResp.EnrollmentToken, CSR: makeCSR(t, "abc123")})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBootstrapEnumerationResistance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Unknown device and wrong pairing code are indistinguishable on the
	// unauthenticated surface.
	unknown := env.do(t, env.public, http.MethodPost, "/v1/enroll/token",
		tokenRequest{DeviceID: "nosuchdev", PairingCode: "WXYZ1234"})
	wrongCode := env.do(t, env.public, http.MethodPost, "/v1/enroll/token",
		tokenRequest{DeviceID: "abc123", PairingCode: "BADBADBA"})
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, http.StatusNotFound, wrongCode.Code)
	assert.Equal(t, unknown.Body.String(), wrongCode.Body.String())
}

func TestAdminRequiresRole(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.public, http.MethodGet, "/v1/admin/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, env.public, http.MethodGet, "/v1/admin/devices", nil, asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDeviceListHidesSecrets(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "SECRETCODE99"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/claim",
		claimRequest{PairingCode: "SECRETCODE99"}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimResp struct {
		EnrollmentToken string `json:"enrollment_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimResp))

	rec = env.do(t, env.public, http.MethodGet, "/v1/admin/devices", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SECRETCODE99")
	assert.NotContains(t, rec.Body.String(), claimResp.EnrollmentToken)

	rec = env.do(t, env.public, http.MethodGet, "/v1/admin/devices/abc123", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SECRETCODE99")
}

func TestAdminClaimErrors(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/ghost/claim",
		claimRequest{PairingCode: "WXYZ1234"}, asAdmin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/claim",
		claimRequest{PairingCode: "WRONGCODE"}, asAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/claim",
		claimRequest{PairingCode: "WXYZ1234"}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/claim",
		claimRequest{PairingCode: "WXYZ1234"}, asAdmin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/tasks",
		enqueueRequest{Type: "REFORMAT_DISK", Payload: json.RawMessage(`{}`)}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/tasks",
		enqueueRequest{Type: model.TaskSetProxy, Payload: json.RawMessage(`{"bogus":1}`)}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Queueing for a device that has not said hello yet is allowed.
	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/tasks",
		enqueueRequest{Type: model.TaskSetProxy, Payload: json.RawMessage(`{"httpProxy":"http://p:3128"}`)}, asAdmin)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDeviceChannelRequiresClientCert(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.device, http.MethodPost, "/v1/device/poll",
		pollRequest{DeviceID: "abc123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceIdentityPinning(t *testing.T) {
	env := newTestEnv(t)

	// dev-b presents its own certificate but claims to be dev-a.
	rec := env.do(t, env.device, http.MethodPost, "/v1/device/poll",
		pollRequest{DeviceID: "dev-a"}, asDevice("dev-b"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeviceDispatchFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.public, http.MethodPost, "/v1/hello",
		helloRequest{DeviceID: "abc123", PairingCode: "WXYZ1234"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, env.public, http.MethodPost, "/v1/admin/devices/abc123/tasks",
		enqueueRequest{Type: model.TaskSetProxy, Payload: json.RawMessage(`{"httpProxy":"http://p:3128"}`)}, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, env.device, http.MethodPost, "/v1/device/heartbeat",
		heartbeatRequest{DeviceID: "abc123", Inventory: json.RawMessage(`{"hostname":"edge-1"}`)}, asDevice("abc123"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, env.device, http.MethodPost, "/v1/device/poll",
		pollRequest{DeviceID: "abc123"}, asDevice("abc123"))
	require.Equal(t, http.StatusOK, rec.Code)
	var pollResp struct {
		Tasks []taskPage `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pollResp))
	require.Len(t, pollResp.Tasks, 1)
	assert.JSONEq(t, `{"httpProxy":"http://p:3128"}`, string(pollResp.Tasks[0].Payload))

	// dev-b cannot report abc123's task.
	rec = env.do(t, env.device, http.MethodPost, "/v1/device/report",
		reportRequest{DeviceID: "dev-b", TaskID: pollResp.Tasks[0].ID, Status: model.TaskDone}, asDevice("dev-b"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, env.device, http.MethodPost, "/v1/device/report",
		reportRequest{DeviceID: "abc123", TaskID: pollResp.Tasks[0].ID, Status: model.TaskDone,
			Result: json.RawMessage(`{"changed":true}`)}, asDevice("abc123"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Task never comes back.
	rec = env.do(t, env.device, http.MethodPost, "/v1/device/poll",
		pollRequest{DeviceID: "abc123"}, asDevice("abc123"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pollResp))
	assert.Empty(t, pollResp.Tasks)
}

func TestDeviceTLSConfig(t *testing.T) {
	env := newTestEnv(t)

	cert, err := env.signer.ServerCertificate([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)

	cfg, err := env.server.DeviceTLSConfig(cert)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, env.public, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "edged_hellos_total")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, env.public, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Exercise the full TLS stack once: a real mTLS listener refuses a client
// without a certificate and accepts one with a fleet-issued certificate.
func TestMutualTLSEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	serverCert, err := env.signer.ServerCertificate([]string{"127.0.0.1"})
	require.NoError(t, err)
	tlsCfg, err := env.server.DeviceTLSConfig(serverCert)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(env.device)
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	rootPool := x509.NewCertPool()
	require.True(t, rootPool.AppendCertsFromPEM(env.signer.CACertPEM()))

	// No client certificate: the handshake itself fails.
	bare := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: rootPool}}}
	_, err = bare.Post(srv.URL+"/v1/device/poll", "application/json",
		bytes.NewBufferString(`{"device_id":"abc123"}`))
	require.Error(t, err)

	// Issue a device certificate through the CA and use it.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "abc123"},
	}, key)
	require.NoError(t, err)
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	certPEM, _, err := env.signer.Sign(csrPEM, "abc123")
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	clientCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:      rootPool,
		Certificates: []tls.Certificate{clientCert},
	}}}
	resp, err := client.Post(srv.URL+"/v1/device/poll", "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"device_id":%q}`, "abc123")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
