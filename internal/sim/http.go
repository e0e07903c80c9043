package sim

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dpdpscan/scanwatch/internal/db"
	"github.com/dpdpscan/scanwatch/internal/hub"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

// Handler serves the scan service REST and websocket endpoints.
type Handler struct {
	store    *Store
	executor *Executor
	hub      *hub.Hub
	db       *db.DB
	token    string
	upgrader websocket.Upgrader
}

// NewHandler creates the handler. An empty token disables authentication; a
// nil database disables the scheduled-scan endpoints.
func NewHandler(store *Store, executor *Executor, h *hub.Hub, database *db.DB, token string) *Handler {
	return &Handler{
		store:    store,
		executor: executor,
		hub:      h,
		db:       database,
		token:    token,
		upgrader: websocket.Upgrader{
			// Demo server, any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes sets up all HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/scans", h.Scans)
	mux.HandleFunc("/api/v1/scans/", h.ScanRoutes)
	if h.db != nil {
		mux.HandleFunc("/api/v1/scheduled-scans", h.Schedules)
		mux.HandleFunc("/api/v1/scheduled-scans/", h.ScheduleRoutes)
	}
	mux.HandleFunc("/healthz", h.Healthz)
}

// Scans handles the collection endpoint: list and create.
func (h *Handler) Scans(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listScans(w, r)
	case http.MethodPost:
		h.createScan(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// ScanRoutes dispatches /api/v1/scans/... by path segment.
func (h *Handler) ScanRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] == "" {
		http.NotFound(w, r)
		return
	}

	switch parts[4] {
	case "summary":
		if !h.authorized(r) {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, h.store.Overview())
		return
	case "ws":
		if len(parts) < 6 || parts[5] == "" {
			http.NotFound(w, r)
			return
		}
		h.handleSocket(w, r, parts[5])
		return
	}

	id := parts[4]
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	if len(parts) >= 6 && parts[5] != "" {
		switch parts[5] {
		case "cancel":
			if r.Method == http.MethodPost {
				h.cancelScan(w, r, id)
				return
			}
		case "progress":
			if r.Method == http.MethodGet {
				h.scanProgress(w, r, id)
				return
			}
		case "findings":
			if r.Method == http.MethodGet {
				h.scanFindings(w, r, id)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getScan(w, r, id)
	case http.MethodDelete:
		h.deleteScan(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := ListFilter{ApplicationID: q.Get("application_id")}
	if v := q.Get("status"); v != "" {
		st := scan.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status filter: "+v)
			return
		}
		f.Status = st
	}
	if v := q.Get("scan_type"); v != "" {
		t := scan.Type(v)
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid scan_type filter: "+v)
			return
		}
		f.Type = t
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	writeJSON(w, http.StatusOK, h.store.List(f))
}

func (h *Handler) createScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID   string    `json:"application_id"`
		ApplicationName string    `json:"application_name"`
		ScanType        scan.Type `json:"scan_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ApplicationID == "" {
		writeError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	if req.ScanType == "" {
		req.ScanType = scan.TypeStandard
	}
	if !req.ScanType.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid scan_type: "+string(req.ScanType))
		return
	}

	item, err := h.executor.Launch(req.ApplicationID, req.ApplicationName, req.ScanType)
	if err != nil {
		if errors.Is(err, ErrScanActive) {
			writeError(w, http.StatusConflict, "Application already has an active scan")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) getScan(w http.ResponseWriter, r *http.Request, id string) {
	item, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) deleteScan(w http.ResponseWriter, r *http.Request, id string) {
	switch err := h.store.Delete(id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Scan not found")
	case errors.Is(err, ErrScanActive):
		writeError(w, http.StatusConflict, "Cannot delete an active scan; cancel it first")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) cancelScan(w http.ResponseWriter, r *http.Request, id string) {
	item, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	if !item.Status.CanCancel() {
		writeError(w, http.StatusConflict, "Scan cannot be cancelled from status "+string(item.Status))
		return
	}

	// Cancellation is a request; the terminal status arrives through the
	// progress stream once the run goroutine winds down.
	h.executor.CancelScan(id)

	item, err = h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) scanProgress(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.store.Progress(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) scanFindings(w http.ResponseWriter, r *http.Request, id string) {
	findings, err := h.store.Findings(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id":  id,
		"findings": findings,
		"total":    len(findings),
	})
}

// handleSocket upgrades the connection and streams the scan's frames. New
// subscribers immediately receive the current state so late watchers do not
// start blind, and the literal ping text is answered with a pong message.
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request, scanID string) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if _, err := h.store.Get(scanID); err != nil {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sim: upgrade for scan %s: %v", scanID, err)
		return
	}
	defer conn.Close()

	// Subscribe before reading the row: if the scan finishes in between,
	// either the row already shows terminal or the channel will close.
	frames := h.hub.Subscribe(scanID)
	defer h.hub.Unsubscribe(scanID, frames)

	if err := conn.WriteJSON(ws.ConnectedMessage{Type: ws.TypeConnected, ScanID: scanID, Message: "Connected to scan progress stream"}); err != nil {
		return
	}
	if m, err := h.store.Progress(scanID); err == nil {
		if err := conn.WriteJSON(m); err != nil {
			return
		}
	}

	if item, err := h.store.Get(scanID); err == nil && item.Status.IsTerminal() {
		h.sendFinished(conn, item)
		return
	}

	pings := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == ws.PingPayload {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case <-pings:
			if err := conn.WriteJSON(ws.PongMessage{Type: ws.TypePong}); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				// The run finished and the hub released its subscribers;
				// every frame has been delivered, close cleanly.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// sendFinished replays the terminal summary for a scan that ended before
// this subscriber arrived, then closes the stream.
func (h *Handler) sendFinished(conn *websocket.Conn, item *scan.ListItem) {
	m := ws.CompletedMessage{
		Type:    ws.TypeCompleted,
		ScanID:  item.ID,
		Status:  item.Status,
		Summary: summaryFrom(item),
	}
	if err := conn.WriteJSON(m); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

func summaryFrom(it *scan.ListItem) scan.Summary {
	sum := scan.Summary{
		PagesScanned:  it.PagesScanned,
		FindingsCount: it.FindingsCount,
		Critical:      it.CriticalCount,
		High:          it.HighCount,
		Medium:        it.MediumCount,
		Low:           it.LowCount,
	}
	if it.OverallScore != nil {
		sum.OverallScore = *it.OverallScore
	}
	return sum
}

// authorized enforces the bearer token when one is configured. The websocket
// endpoint also accepts the token as a query parameter since browser clients
// cannot set headers on upgrade requests.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+h.token {
		return true
	}
	return r.URL.Query().Get("token") == h.token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("sim: encoding response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
