package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mbocsi/lorarelay/services"
)

func (w *WebServer) HandleHealth(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *WebServer) HandleDashboard(wr http.ResponseWriter, r *http.Request) {
	devices, err := w.services.Device.ListDevices()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	stats, err := w.services.Stats.GetStats()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	sessions, err := w.services.Session.ListSessions()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	transports, err := w.services.Transport.ListTransports()
	if err != nil {
		w.handleError(wr, err)
		return
	}

	w.templates.RenderPage(wr, "dashboard", map[string]any{
		"Devices":    devices,
		"Stats":      stats,
		"Sessions":   sessions,
		"Transports": transports,
		"Live":       w.events != nil,
	})
}

func (w *WebServer) HandleDevices(wr http.ResponseWriter, r *http.Request) {
	devices, err := w.services.Device.ListDevices()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	if r.URL.Query().Get("reachable") == "true" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.Reachable {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	writeJSON(wr, http.StatusOK, devices)
}

func (w *WebServer) HandleDeviceDetail(wr http.ResponseWriter, r *http.Request) {
	device, err := w.services.Device.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, device)
}

func (w *WebServer) HandleDevicePending(wr http.ResponseWriter, r *http.Request) {
	pending, err := w.services.Command.GetPending(chi.URLParam(r, "id"))
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, pending)
}

// HandleDeviceCommand queues a command for the device named in the path
func (w *WebServer) HandleDeviceCommand(wr http.ResponseWriter, r *http.Request) {
	var req services.CommandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(wr, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	req.Target = chi.URLParam(r, "id")
	w.queue(wr, req)
}

func (w *WebServer) HandleQueueCommand(wr http.ResponseWriter, r *http.Request) {
	var req services.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	w.queue(wr, req)
}

func (w *WebServer) queue(wr http.ResponseWriter, req services.CommandRequest) {
	cmd, err := w.services.Command.QueueCommand(req)
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusAccepted, cmd)
}

func (w *WebServer) HandlePending(wr http.ResponseWriter, r *http.Request) {
	pending, err := w.services.Command.ListPending()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, pending)
}

func (w *WebServer) HandleSessions(wr http.ResponseWriter, r *http.Request) {
	sessions, err := w.services.Session.ListSessions()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, sessions)
}

func (w *WebServer) HandleStats(wr http.ResponseWriter, r *http.Request) {
	stats, err := w.services.Stats.GetStats()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, stats)
}

func (w *WebServer) HandleTransports(wr http.ResponseWriter, r *http.Request) {
	transports, err := w.services.Transport.ListTransports()
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, transports)
}

func (w *WebServer) HandleTransportDetail(wr http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		http.Error(wr, "Transport index must be a number", http.StatusBadRequest)
		return
	}
	transport, err := w.services.Transport.GetTransport(i)
	if err != nil {
		w.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, transport)
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles service errors with proper HTTP status codes
func (w *WebServer) handleError(wr http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if !errors.As(err, &serviceErr) {
		slog.Error("Service error", "error", err)
		writeJSON(wr, http.StatusInternalServerError, services.ServiceError{Code: services.ErrCodeInternal, Message: "Internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch serviceErr.Code {
	case services.ErrCodeNotFound:
		status = http.StatusNotFound
	case services.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case services.ErrCodeUnreachable:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("Service error", "error", err)
	} else {
		slog.Debug("Request rejected", "code", serviceErr.Code, "error", err)
	}
	writeJSON(wr, status, map[string]string{"code": serviceErr.Code, "message": serviceErr.Message})
}
