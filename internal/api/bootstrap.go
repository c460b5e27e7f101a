package api

import (
	"errors"
	"net/http"

	"edgeonboard/internal/ca"
	"edgeonboard/internal/enroll"
	"edgeonboard/internal/store"
)

type helloRequest struct {
	DeviceID    string `json:"device_id"`
	PairingCode string `json:"pairing_code"`
}

type tokenRequest struct {
	DeviceID    string `json:"device_id"`
	PairingCode string `json:"pairing_code"`
}

type csrRequest struct {
	DeviceID        string `json:"device_id"`
	EnrollmentToken string `json:"enrollment_token"`
	CSR             string `json:"csr"`
}

// getCA serves the fleet root certificate for trust-on-first-use pinning.
func (s *Server) getCA(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(s.caPEM)
}

func (s *Server) postHello(w http.ResponseWriter, r *http.Request) {
	var req helloRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := s.enroll.Hello(r.Context(), req.DeviceID, req.PairingCode)
	if err != nil {
		if errors.Is(err, enroll.ErrBadRequest) {
			writeError(w, http.StatusBadRequest, "invalid device id or pairing code")
			return
		}
		s.logger.Error("Hello failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"ok": true, "registered": created})
}

func (s *Server) postEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := s.enroll.Token(r.Context(), req.DeviceID, req.PairingCode)
	if err != nil {
		s.writeBootstrapError(w, req.DeviceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enrollment_token": token})
}

func (s *Server) postEnrollCSR(w http.ResponseWriter, r *http.Request) {
	var req csrRequest
	if !decodeBody(w, r, &req) {
		return
	}

	certPEM, caPEM, err := s.enroll.Enroll(r.Context(), req.DeviceID, req.EnrollmentToken, []byte(req.CSR))
	if err != nil {
		if errors.Is(err, ca.ErrCSRTooSmall) || errors.Is(err, ca.ErrCSRInvalid) {
			writeError(w, http.StatusBadRequest, "invalid csr")
			return
		}
		s.writeBootstrapError(w, req.DeviceID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"certificate":    string(certPEM),
		"ca_certificate": string(caPEM),
	})
}

// writeBootstrapError maps enrollment failures for the unauthenticated
// surface. "Unknown device" and "wrong secret" collapse into the same 404 so
// the endpoint cannot be used to enumerate device IDs; server logs keep the
// distinction for operators.
func (s *Server) writeBootstrapError(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, enroll.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, enroll.ErrNotYetClaimed):
		writeError(w, http.StatusConflict, "not yet claimed")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrBadSecret):
		s.logger.Warn("Bootstrap request rejected", "device_id", deviceID, "reason", err)
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrWrongState):
		s.logger.Warn("Bootstrap request in wrong state", "device_id", deviceID)
		writeError(w, http.StatusConflict, "wrong state")
	default:
		s.logger.Error("Bootstrap request failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
