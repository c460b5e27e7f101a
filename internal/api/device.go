package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"edgeonboard/internal/model"
	"edgeonboard/internal/store"
)

type deviceIDKey struct{}

// deviceIdentity extracts the device identity from the verified client
// certificate. The TLS listener has already verified the chain against the
// fleet CA; here we only need the subject. A request without a client
// certificate (for example when the handler is mounted on a misconfigured
// listener) is rejected outright.
func deviceIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		id := r.TLS.PeerCertificates[0].Subject.CommonName
		if id == "" {
			writeError(w, http.StatusUnauthorized, "client certificate has no subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceIDKey{}, id)))
	})
}

func certDeviceID(r *http.Request) string {
	id, _ := r.Context().Value(deviceIDKey{}).(string)
	return id
}

type heartbeatRequest struct {
	DeviceID  string          `json:"device_id"`
	Inventory json.RawMessage `json:"inventory,omitempty"`
}

type pollRequest struct {
	DeviceID string `json:"device_id"`
}

type reportRequest struct {
	DeviceID string           `json:"device_id"`
	TaskID   int64            `json:"task_id"`
	Status   model.TaskStatus `json:"status"`
	Result   json.RawMessage  `json:"result,omitempty"`
}

type taskPage struct {
	ID      int64           `json:"id"`
	Type    model.TaskType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// requireOwnIdentity pins the device_id claimed in the body to the client
// certificate subject, so a device can never act as another device no matter
// what it puts in the payload.
func (s *Server) requireOwnIdentity(w http.ResponseWriter, r *http.Request, claimed string) bool {
	certID := certDeviceID(r)
	if claimed != certID {
		s.logger.Warn("Device identity mismatch", "cert_id", certID, "claimed_id", claimed)
		writeError(w, http.StatusForbidden, "device identity mismatch")
		return false
	}
	return true
}

func (s *Server) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireOwnIdentity(w, r, req.DeviceID) {
		return
	}

	if err := s.devices.TouchDevice(r.Context(), req.DeviceID, req.Inventory); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Certificate outlived the registry record; the device has to
			// re-bootstrap under a new identity.
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		s.logger.Error("Heartbeat failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) postPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireOwnIdentity(w, r, req.DeviceID) {
		return
	}

	list, err := s.tasks.Poll(r.Context(), req.DeviceID)
	if err != nil {
		s.logger.Error("Poll failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	page := make([]taskPage, 0, len(list))
	for _, task := range list {
		page = append(page, taskPage{ID: task.ID, Type: task.Type, Payload: task.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": page})
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireOwnIdentity(w, r, req.DeviceID) {
		return
	}

	if _, err := s.tasks.Report(r.Context(), req.DeviceID, req.TaskID, req.Status, req.Result); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown task")
		case errors.Is(err, store.ErrWrongDevice):
			s.logger.Warn("Report for foreign task rejected", "device_id", req.DeviceID, "task_id", req.TaskID)
			writeError(w, http.StatusForbidden, "task does not belong to device")
		case errors.Is(err, store.ErrBadStatus):
			writeError(w, http.StatusConflict, "invalid status transition")
		default:
			s.logger.Error("Report failed", "device_id", req.DeviceID, "task_id", req.TaskID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
