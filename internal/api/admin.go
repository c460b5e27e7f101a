package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"edgeonboard/internal/enroll"
	"edgeonboard/internal/model"
	"edgeonboard/internal/store"
	"edgeonboard/internal/tasks"
)

type claimRequest struct {
	PairingCode string `json:"pairing_code"`
}

type enqueueRequest struct {
	Type    model.TaskType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// The admin surface is authenticated, so failures are explained precisely:
// 404 unknown device, 403 wrong pairing code, 409 already claimed.
func (s *Server) postClaim(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := s.enroll.Claim(r.Context(), deviceID, req.PairingCode)
	if err != nil {
		switch {
		case errors.Is(err, enroll.ErrBadRequest):
			writeError(w, http.StatusBadRequest, "invalid device id or pairing code")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown device")
		case errors.Is(err, store.ErrBadSecret):
			writeError(w, http.StatusForbidden, "pairing code mismatch")
		case errors.Is(err, store.ErrWrongState):
			writeError(w, http.StatusConflict, "device already claimed")
		default:
			s.logger.Error("Claim failed", "device_id", deviceID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enrollment_token": token})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("List devices failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "devices": devices})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		s.logger.Error("Get device failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device": dev})
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	task, err := s.tasks.Enqueue(r.Context(), deviceID, req.Type, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrUnknownTaskType):
			writeError(w, http.StatusBadRequest, "unknown task type")
		case errors.Is(err, tasks.ErrBadPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("Enqueue failed", "device_id", deviceID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "task": task})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	list, err := s.tasks.List(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("List tasks failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": list})
}
