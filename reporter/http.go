package reporter

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pollwatch/kit"
	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/notify"
	"github.com/hazyhaar/pollwatch/shield"
)

//go:embed templates/popup.html
var templateFS embed.FS

var popupTmpl = template.Must(template.ParseFS(templateFS, "templates/popup.html"))

// Handler returns the HTTP surface: popup, JSON API, status stream and,
// when srv is non-nil, MCP over streamable HTTP at /mcp.
func (r *Reporter) Handler(srv *mcp.Server) http.Handler {
	mux := chi.NewRouter()
	for _, mw := range shield.Stack(r.cfg.Logger) {
		mux.Use(mw)
	}

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Get("/", r.handlePopup)
	mux.Post("/popup/{action}", r.handlePopupAction)

	mux.Route("/api", func(api chi.Router) {
		api.Get("/status", r.handleStatus)
		api.Get("/status/stream", r.handleStream)
		api.Get("/questions", r.handleQuestions)
		api.Post("/ping", r.handlePing)
		api.Post("/force-check", r.handleForceCheck)
		api.Post("/clear", r.handleClear)
		api.Post("/test-notification", r.handleTestNotification)
		api.Post("/notifications/{id}/click", r.handleNotificationClick)
		api.Post("/notifications/{id}/buttons/{index}", r.handleNotificationButton)
		api.Post("/tabs/{id}/activate", r.handleTabActivate)
	})

	if srv != nil {
		mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		mux.Handle("/mcp", mcpHandler)
		mux.Handle("/mcp/*", mcpHandler)
	}
	return mux
}

func (r *Reporter) handleStatus(w http.ResponseWriter, req *http.Request) {
	st, err := r.Status(req.Context())
	if err != nil {
		writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Reporter) handleQuestions(w http.ResponseWriter, req *http.Request) {
	items, err := r.History(req.Context())
	if err != nil {
		writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Reporter) handlePing(w http.ResponseWriter, req *http.Request) {
	reply, err := r.Ping(req.Context())
	if err != nil {
		writeError(w, req, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (r *Reporter) handleForceCheck(w http.ResponseWriter, req *http.Request) {
	ack, err := r.ForceCheck(req.Context())
	if err != nil {
		writeError(w, req, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (r *Reporter) handleClear(w http.ResponseWriter, req *http.Request) {
	confirm, _ := strconv.ParseBool(req.URL.Query().Get("confirm"))
	if err := r.Clear(req.Context(), confirm); err != nil {
		writeError(w, req, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.Ack{Success: true})
}

func (r *Reporter) handleTestNotification(w http.ResponseWriter, req *http.Request) {
	id, err := r.TestNotification(req.Context())
	if err != nil {
		writeError(w, req, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// notificationID reads and validates the {id} route parameter.
func notificationID(w http.ResponseWriter, req *http.Request) (string, bool) {
	id, err := notify.ParseID(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, req, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func (r *Reporter) handleNotificationClick(w http.ResponseWriter, req *http.Request) {
	id, ok := notificationID(w, req)
	if !ok {
		return
	}
	if err := r.NotificationClicked(req.Context(), id); err != nil {
		writeError(w, req, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.Ack{Success: true})
}

func (r *Reporter) handleNotificationButton(w http.ResponseWriter, req *http.Request) {
	id, ok := notificationID(w, req)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(req, "index"))
	if err != nil || index < 0 {
		writeError(w, req, http.StatusBadRequest, errors.New("reporter: invalid button index"))
		return
	}
	if err := r.NotificationButton(req.Context(), id, index); err != nil {
		writeError(w, req, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.Ack{Success: true})
}

func (r *Reporter) handleTabActivate(w http.ResponseWriter, req *http.Request) {
	if err := r.ActivateTab(req.Context(), chi.URLParam(req, "id")); err != nil {
		writeError(w, req, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.Ack{Success: true})
}

type popupData struct {
	Status   Status
	History  []HistoryItem
	Refresh  int
	Flash    string
	Failed   bool
	ErrorMsg string
}

func (r *Reporter) handlePopup(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	data := popupData{Refresh: int(r.cfg.Refresh.Seconds()), Flash: req.URL.Query().Get("flash")}

	st, err := r.Status(ctx)
	if err != nil {
		shield.GetLogger(ctx).Error("reporter: popup status", "error", err)
		data.Failed, data.ErrorMsg = true, "Error loading status"
	}
	data.Status = st
	if data.History, err = r.History(ctx); err != nil {
		shield.GetLogger(ctx).Error("reporter: popup history", "error", err)
		data.Failed, data.ErrorMsg = true, "Error loading history"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := popupTmpl.Execute(w, data); err != nil {
		shield.GetLogger(ctx).Error("reporter: render popup", "error", err)
	}
}

// handlePopupAction serves the popup's form buttons and redirects back
// with a short result message.
func (r *Reporter) handlePopupAction(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var flash string
	switch chi.URLParam(req, "action") {
	case "test-notification":
		flash = "✓ Sent!"
		if _, err := r.TestNotification(ctx); err != nil {
			flash = "❌ Failed"
		}
	case "force-check":
		flash = "Check requested"
		if _, err := r.ForceCheck(ctx); err != nil {
			flash = popupMessage(err, "Error: make sure you're on a Poll Everywhere page and refresh if needed.")
		}
	case "clear":
		flash = "All tracked questions have been cleared!"
		if err := r.Clear(ctx, req.FormValue("confirm") == "on"); err != nil {
			flash = popupMessage(err, "Error clearing data. Please try again.")
		}
	default:
		http.NotFound(w, req)
		return
	}
	http.Redirect(w, req, "/?flash="+url.QueryEscape(flash), http.StatusSeeOther)
}

func popupMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, ErrNotConfirmed):
		return "Tick the confirmation box to clear all tracked questions."
	case errors.Is(err, ErrNotOnHost):
		return "Please navigate to a Poll Everywhere page first."
	case errors.Is(err, ErrRefreshNeeded):
		return "Extension needs to be refreshed. Please refresh the Poll Everywhere page."
	}
	return fallback
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotOnHost):
		return http.StatusConflict
	case errors.Is(err, ErrRefreshNeeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError logs err on the request logger and answers with the error and
// the request's trace id.
func writeError(w http.ResponseWriter, req *http.Request, code int, err error) {
	ctx := req.Context()
	shield.GetLogger(ctx).Warn("reporter: request failed",
		"transport", kit.GetTransport(ctx), "status", code, "error", err)
	writeJSON(w, code, map[string]string{"error": err.Error(), "trace_id": kit.GetTraceID(ctx)})
}
