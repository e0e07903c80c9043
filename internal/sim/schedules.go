package sim

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/scheduler"
)

// Schedules handles the scheduled-scan collection endpoint: list and create.
func (h *Handler) Schedules(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listSchedules(w, r)
	case http.MethodPost:
		h.createSchedule(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// ScheduleRoutes dispatches /api/v1/scheduled-scans/{id}[/...].
func (h *Handler) ScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] == "" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if len(parts) >= 6 && parts[5] != "" {
		switch parts[5] {
		case "enable":
			if r.Method == http.MethodPost {
				h.setScheduleEnabled(w, r, id, true)
				return
			}
		case "disable":
			if r.Method == http.MethodPost {
				h.setScheduleEnabled(w, r, id, false)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSchedule(w, r, id)
	case http.MethodDelete:
		h.deleteSchedule(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.db.ListSchedules()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if schedules == nil {
		schedules = []*scan.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID   string    `json:"application_id"`
		ApplicationName string    `json:"application_name"`
		ScanType        scan.Type `json:"scan_type"`
		Cron            string    `json:"cron_expression"`
		Enabled         *bool     `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ApplicationID == "" {
		writeError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	if req.Cron == "" {
		writeError(w, http.StatusBadRequest, "cron_expression is required")
		return
	}
	if req.ScanType == "" {
		req.ScanType = scan.TypeScheduled
	}
	if !req.ScanType.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid scan_type: "+string(req.ScanType))
		return
	}

	nextRun, err := scheduler.NextRun(req.Cron, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cron expression: "+err.Error())
		return
	}

	sched := &scan.Schedule{
		ApplicationID:   req.ApplicationID,
		ApplicationName: req.ApplicationName,
		Type:            req.ScanType,
		Cron:            strings.TrimSpace(req.Cron),
		Enabled:         req.Enabled == nil || *req.Enabled,
		NextRunAt:       &nextRun,
		CreatedAt:       time.Now().UTC(),
	}

	created, err := h.db.CreateSchedule(sched)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request, id int64) {
	sched, err := h.db.GetSchedule(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handler) setScheduleEnabled(w http.ResponseWriter, r *http.Request, id int64, enabled bool) {
	if _, err := h.db.GetSchedule(id); err != nil {
		writeError(w, http.StatusNotFound, "Schedule not found")
		return
	}
	if err := h.db.SetScheduleEnabled(id, enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sched, err := h.db.GetSchedule(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := h.db.GetSchedule(id); err != nil {
		writeError(w, http.StatusNotFound, "Schedule not found")
		return
	}
	if err := h.db.DeleteSchedule(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
