package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"livecast/internal/model"
	"livecast/internal/render"
	"livecast/internal/scheduler"
)

type sessionView struct {
	TenantID  string              `json:"tenantID"`
	Status    model.SessionStatus `json:"status"`
	HasClient bool                `json:"hasClient"`
	Phone     string              `json:"phone,omitempty"`
	LastError string              `json:"lastError,omitempty"`
	Since     time.Time           `json:"since"`
}

func viewSession(s model.Session) sessionView {
	v := sessionView{
		TenantID:  s.TenantID,
		Status:    s.Status,
		HasClient: s.HasClient,
		LastError: s.LastError,
		Since:     s.LastTransitionAt,
	}
	if s.Identity != nil {
		v.Phone = s.Identity.DisplayPhone
	}
	return v
}

func (a *API) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	all := a.Sessions.List()
	tenants := make(map[string]any, len(all))
	for id, s := range all {
		tenants[id] = map[string]any{"status": s.Status, "hasClient": s.HasClient}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants":      tenants,
		"totalTenants": len(all),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.GetStatus(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSession(s))
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Connect(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSession(s))
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := a.Sessions.Disconnect(r.Context(), id); err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantID": id, "status": model.StatusOffline})
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Restart(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSession(s))
}

// handleQR serves the pending pairing code as JSON, or as a PNG when the
// tenant id carries a .png suffix.
func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	asPNG := strings.HasSuffix(id, ".png")
	id = strings.TrimSuffix(id, ".png")

	s, err := a.Sessions.GetStatus(id)
	if err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	qr, ok := a.Sessions.GetQR(id)
	if !asPNG {
		writeJSON(w, http.StatusOK, map[string]any{"tenantID": id, "status": s.Status, "qr": qr})
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "no QR pending")
		return
	}
	png, err := qrcode.Encode(qr, qrcode.Medium, 512)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// QR codes rotate; never cache them.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type sendReq struct {
	TenantID string `json:"tenantID"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TenantID == "" || req.Phone == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "tenantID, phone and message required")
		return
	}
	msgID, err := a.Sessions.SendText(r.Context(), req.TenantID, req.Phone, req.Message)
	a.logAdhoc(r, req.TenantID, req.Phone, req.Message, msgID, err)
	if err != nil {
		writeErr(w, sessionCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "phone": req.Phone, "messageId": msgID})
}

type broadcastReq struct {
	TenantID string   `json:"tenantID"`
	Phones   []string `json:"phones"`
	Message  string   `json:"message"`
}

type broadcastResult struct {
	Phone   string `json:"phone"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleBroadcast sends one text to several recipients in order, pausing
// AdhocDelay between sends. A failed recipient does not stop the rest.
func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TenantID == "" || len(req.Phones) == 0 || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "tenantID, phones and message required")
		return
	}
	s, err := a.Sessions.GetStatus(req.TenantID)
	if err != nil || s.Status != model.StatusOnline {
		writeErr(w, http.StatusServiceUnavailable, "tenant session not connected")
		return
	}

	results := make([]broadcastResult, 0, len(req.Phones))
	for i, phone := range req.Phones {
		if i > 0 {
			if err := scheduler.Sleep(r.Context(), a.AdhocDelay); err != nil {
				break
			}
		}
		msgID, err := a.Sessions.SendText(r.Context(), req.TenantID, phone, req.Message)
		a.logAdhoc(r, req.TenantID, phone, req.Message, msgID, err)
		res := broadcastResult{Phone: phone, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) logAdhoc(r *http.Request, tenantID, to, text, msgID string, sendErr error) {
	entry := model.SendLog{
		TenantID:       tenantID,
		GroupID:        to,
		Status:         "sent",
		MessagePreview: render.Preview(text, 80),
		MessageID:      msgID,
	}
	if sendErr != nil {
		entry.Status = "failed"
		entry.Error = sendErr.Error()
	}
	if err := a.Logs.LogSend(r.Context(), entry); err != nil {
		a.Log.Warn("write send log", zap.String("tenant", tenantID), zap.Error(err))
	}
}
