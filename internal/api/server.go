// Package api exposes the fleet server over HTTP: an open bootstrap/admin
// surface (TLS, server-auth only) and a device surface reachable only over
// mutual TLS with a fleet-issued client certificate.
package api

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgeonboard/internal/auth"
	"edgeonboard/internal/enroll"
	"edgeonboard/internal/metrics"
	"edgeonboard/internal/store"
	"edgeonboard/internal/tasks"
)

// Server holds the handler dependencies for both HTTP surfaces.
type Server struct {
	enroll   *enroll.Service
	tasks    *tasks.Service
	devices  store.DeviceStore
	admin    *auth.Middleware
	caPEM    []byte
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates the API server. caPEM is served to devices on first
// contact and used as the client CA pool for the device channel.
func NewServer(
	enrollSvc *enroll.Service,
	taskSvc *tasks.Service,
	devices store.DeviceStore,
	admin *auth.Middleware,
	caPEM []byte,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	return &Server{
		enroll:   enrollSvc,
		tasks:    taskSvc,
		devices:  devices,
		admin:    admin,
		caPEM:    caPEM,
		metrics:  m,
		gatherer: gatherer,
		logger:   logger,
	}
}

// PublicHandler routes the bootstrap and admin surface.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Unauthenticated bootstrap path; trust-on-first-use.
	r.Get("/v1/ca", s.getCA)
	r.Post("/v1/hello", s.postHello)
	r.Post("/v1/enroll/token", s.postEnrollToken)
	r.Post("/v1/enroll/csr", s.postEnrollCSR)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.admin.RequireRole)
		r.Get("/devices", s.listDevices)
		r.Get("/devices/{deviceID}", s.getDevice)
		r.Post("/devices/{deviceID}/claim", s.postClaim)
		r.Get("/devices/{deviceID}/tasks", s.listTasks)
		r.Post("/devices/{deviceID}/tasks", s.postTask)
	})

	return r
}

// DeviceHandler routes the mutually-authenticated device surface. Every
// request must arrive with a verified client certificate; deviceIdentity
// pins the claimed device ID to the certificate subject.
func (s *Server) DeviceHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(deviceIdentity)

	r.Post("/v1/device/heartbeat", s.postHeartbeat)
	r.Post("/v1/device/poll", s.postPoll)
	r.Post("/v1/device/report", s.postReport)

	return r
}

// DeviceTLSConfig builds the mutual-TLS listener configuration: the server
// presents cert and requires a client certificate chaining to the fleet CA.
func (s *Server) DeviceTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(s.caPEM) {
		return nil, fmt.Errorf("fleet CA PEM did not parse")
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

// decodeBody enforces a request size cap and strict JSON decoding.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
