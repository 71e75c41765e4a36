package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nvalett/breezecore/internal/bridges/tuya"
	"github.com/nvalett/breezecore/internal/device"
	"github.com/nvalett/breezecore/internal/infrastructure/mqtt"
)

// handleListDevices returns all registered devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by registry ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("fetching device", "device", id, "error", err)
		writeInternalError(w, "failed to fetch device")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// handleGetDeviceState returns just the persisted state of a device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("fetching device state", "device", id, "error", err)
		writeInternalError(w, "failed to fetch device state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":         d.ID,
		"state":             d.State,
		"health_status":     d.HealthStatus,
		"health_checked_at": d.HealthCheckedAt,
	})
}

// handleDeviceHistory returns recent state changes for a device.
// An optional ?limit= query bounds the result.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("fetching state history", "device", id, "error", err)
		writeInternalError(w, "failed to fetch state history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleSendCommand forwards a command to the device over MQTT. The
// command is acknowledged asynchronously on the ack topic; the HTTP
// response only confirms acceptance for delivery.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if s.mqtt == nil {
		writeUnavailable(w, "command forwarding requires an MQTT connection")
		return
	}

	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	if _, err := s.devices.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("fetching device for command", "device", id, "error", err)
		writeInternalError(w, "failed to fetch device")
		return
	}

	cmd := tuya.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   id,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     "api",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		writeInternalError(w, "failed to encode command")
		return
	}

	var topics mqtt.Topics
	if err := s.mqtt.Publish(topics.DeviceCommand(tuya.Protocol, id), payload, 1, false); err != nil {
		s.logger.Error("forwarding command", "device", id, "error", err)
		writeUnavailable(w, "failed to forward command")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cmd.ID,
		"device_id":  id,
		"command":    cmd.Command,
	})
}
