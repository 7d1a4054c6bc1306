package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dbpe/kiosk/internal/core/domain"
	"github.com/dbpe/kiosk/internal/core/service"
)

type HTTPHandler struct {
	dispense *service.DispenseService
	log      *slog.Logger
}

func NewHTTPHandler(dispense *service.DispenseService, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{dispense: dispense, log: log}
}

// Register wires the kiosk routes onto mux. Exact patterns take precedence
// over the session prefix, so /session/complete and /session/advance are
// not swallowed by the projection route.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/kiosk/qrcode/init", h.InitQRCode)
	mux.HandleFunc("/api/kiosk/form", h.OpenForm)
	mux.HandleFunc("/api/kiosk/session/complete", h.CompleteSession)
	mux.HandleFunc("/api/kiosk/session/advance", h.AdvanceSession)
	mux.HandleFunc("/api/kiosk/session/", h.GetSession)
	mux.HandleFunc("/api/kiosk/on", h.WarmUp)
	mux.HandleFunc("/api/kiosk/off", h.PowerOff)
	mux.HandleFunc("/api/kiosk/admin/dispense", h.AdminDispense)
	mux.HandleFunc("/api/kiosk/admin/inventory", h.AdminInventory)
}

type QRCodeInitResponse struct {
	SessionID string `json:"session_id"`
	ShortURL  string `json:"short_url"`
	Slug      string `json:"slug"`
}

type SessionCompleteRequest struct {
	SessionID string `json:"session_id"`
	Slug      string `json:"slug"`
}

type SessionCompleteResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	SessionID           string     `json:"session_id"`
	Slug                string     `json:"slug"`
	Status              string     `json:"status"`
	ShortURL            string     `json:"short_url,omitempty"`
	CreatedAt           *time.Time `json:"created_at,omitempty"`
	FormOpenedAt        *time.Time `json:"form_opened_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

type AdvanceRequest struct {
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
}

type AdminInventoryRequest struct {
	CurrentQuantity *int `json:"current_quantity"`
	TotalDispensed  *int `json:"total_dispensed"`
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) InitQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.dispense.CreateSession(r.Context())
	if err != nil {
		h.log.Error("qrcode init failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, QRCodeInitResponse{
		SessionID: sess.ID,
		ShortURL:  sess.ShortURL,
		Slug:      sess.Slug,
	})
}

func (h *HTTPHandler) OpenForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing sid")
		return
	}

	opened, err := h.dispense.OpenForm(r.Context(), sid)
	if err != nil {
		h.log.Error("form gate failed", "session_id", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if opened {
		writeJSON(w, http.StatusOK, map[string]string{"view": "form", "session_id": sid})
		return
	}

	// The gate rejected us: either the session is unknown or it already
	// progressed. A used session renders the "used" view, not an error.
	sess, err := h.dispense.GetSession(r.Context(), sid)
	if errors.Is(err, service.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session invalid or expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"view": "used", "status": string(sess.Status)})
}

func (h *HTTPHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SessionCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	// The dispense must run to completion even if the caller disconnects
	// mid-flight; only the exchange deadline bounds it.
	err := h.dispense.Complete(context.WithoutCancel(r.Context()), req.SessionID, req.Slug)
	if err != nil {
		status, msg := statusForError(err)
		if status == http.StatusInternalServerError {
			h.log.Error("session complete failed", "session_id", req.SessionID, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, SessionCompleteResponse{Status: "ok", SessionID: req.SessionID})
}

func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/kiosk/session/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "session invalid or expired")
		return
	}

	sess, err := h.dispense.GetSession(r.Context(), id)
	if errors.Is(err, service.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session invalid or expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:           sess.ID,
		Slug:                sess.Slug,
		Status:              string(sess.Status),
		ShortURL:            sess.ShortURL,
		CreatedAt:           timePtr(sess.CreatedAt),
		FormOpenedAt:        timePtr(sess.FormOpenedAt),
		ProcessingStartedAt: timePtr(sess.ProcessingStartedAt),
		CompletedAt:         timePtr(sess.CompletedAt),
	})
}

func (h *HTTPHandler) AdvanceSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Step == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if err := h.dispense.Advance(r.Context(), req.SessionID, req.Step); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "step": req.Step})
}

func (h *HTTPHandler) WarmUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started, err := h.dispense.WarmUp(context.WithoutCancel(r.Context()))
	if err != nil {
		h.log.Error("warm-up failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]string{"status": "start_dont_respond"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "start_received"})
}

func (h *HTTPHandler) PowerOff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.dispense.PowerOff(r.Context()); err != nil {
		h.log.Error("power off failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "machine_turned_off"})
}

func (h *HTTPHandler) AdminDispense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.dispense.AdminDispense(r.Context()); err != nil {
		h.log.Error("admin dispense failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *HTTPHandler) AdminInventory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rec, err := h.dispense.GetInventory(r.Context())
		if err != nil {
			h.log.Error("inventory read failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"current_quantity":  rec.CurrentQuantity,
			"total_dispensed":   rec.TotalDispensed,
			"previous_quantity": rec.PreviousQuantity,
			"quantity_change":   rec.QuantityChange,
			"last_updated":      rec.LastUpdated,
		})

	case http.MethodPost:
		var req AdminInventoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		upd := domain.InventoryUpdate{
			CurrentQuantity: req.CurrentQuantity,
			TotalDispensed:  req.TotalDispensed,
		}
		if _, err := h.dispense.AdminUpdateInventory(r.Context(), upd); err != nil {
			h.log.Error("admin inventory update failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "inventory_updated"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, "session invalid or expired"
	case errors.Is(err, service.ErrSlugMismatch):
		return http.StatusBadRequest, "slug does not match session"
	case errors.Is(err, service.ErrSessionConflict):
		return http.StatusConflict, "session already processing or closed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
