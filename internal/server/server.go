// Package server provides the local HTTP control surface for
// lyo-realtime.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/auth"
	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	// maxRequestBytes caps request bodies.
	maxRequestBytes = 64 * 1024

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Realtime is the connection surface the server drives.
type Realtime interface {
	Status() realtime.Status
	Connect()
	Disconnect()
	Send(msg realtime.Message)
}

// Notifications is the scheduler surface the server drives.
type Notifications interface {
	Schedule(ctx context.Context, content notify.Content, trigger notify.Trigger, identifier string) bool
	Cancel(identifier string)
	Pending() []notify.Request
	Settings() notify.Settings
	SetTypeEnabled(t notify.Type, enabled bool)
}

// Config holds dependencies for building the router.
type Config struct {
	Realtime      Realtime
	Notifications Notifications
	MCPHandler    http.Handler
	TokenHash     string
	Logger        *slog.Logger
}

type handlers struct {
	rt     Realtime
	notes  Notifications
	logger *slog.Logger
}

type sendRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type scheduleResponse struct {
	Identifier string `json:"identifier"`
}

type typeSetting struct {
	Type    notify.Type `json:"type"`
	Enabled bool        `json:"enabled"`
}

type typeToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the control routes. Everything except /healthz sits
// behind bearer token middleware.
func NewRouter(cfg Config) *mux.Router {
	h := &handlers{rt: cfg.Realtime, notes: cfg.Notifications, logger: cfg.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(auth.Middleware(cfg.TokenHash, cfg.Logger))

	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/connect", h.connect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", h.disconnect).Methods(http.MethodPost)
	api.HandleFunc("/messages", h.send).Methods(http.MethodPost)
	api.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications", h.scheduleNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications/types", h.listTypes).Methods(http.MethodGet)
	api.HandleFunc("/notifications/types/{type}", h.setTypeEnabled).Methods(http.MethodPut)
	api.HandleFunc("/notifications/{id}", h.cancelNotification).Methods(http.MethodDelete)

	if cfg.MCPHandler != nil {
		api.Handle("/mcp", cfg.MCPHandler)
	}

	return r
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)

	go func() {
		logger.Info("control server listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Status())
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("connect requested", slog.String("ip", auth.RequestRemoteIP(r.Context())))
	h.rt.Connect()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("disconnect requested", slog.String("ip", auth.RequestRemoteIP(r.Context())))
	h.rt.Disconnect()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	if realtime.IsSystemType(req.Type) {
		writeError(w, http.StatusBadRequest, "system message types cannot be sent")
		return
	}

	if h.rt.Status().State != realtime.StateConnected {
		writeError(w, http.StatusConflict, "not connected")
		return
	}

	msg := realtime.NewMessage(req.Type, req.Data)
	h.rt.Send(msg)

	writeJSON(w, http.StatusAccepted, sendResponse{ID: msg.ID, Queued: true})
}

func (h *handlers) listNotifications(w http.ResponseWriter, _ *http.Request) {
	pending := h.notes.Pending()
	if pending == nil {
		pending = []notify.Request{}
	}

	writeJSON(w, http.StatusOK, pending)
}

func (h *handlers) scheduleNotification(w http.ResponseWriter, r *http.Request) {
	var spec notify.ScheduleSpec
	if !decodeBody(w, r, &spec) {
		return
	}

	content, trigger, err := spec.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := spec.Identifier
	if id == "" {
		id = "control-" + uuid.NewString()
	}

	if !h.notes.Schedule(r.Context(), content, trigger, id) {
		writeError(w, http.StatusUnprocessableEntity, "notification was not scheduled")
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse{Identifier: id})
}

func (h *handlers) cancelNotification(w http.ResponseWriter, r *http.Request) {
	h.notes.Cancel(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listTypes(w http.ResponseWriter, _ *http.Request) {
	settings := h.notes.Settings()

	out := make([]typeSetting, 0, len(notify.Types()))
	for _, t := range notify.Types() {
		out = append(out, typeSetting{Type: t, Enabled: settings.Enabled(t)})
	}

	writeJSON(w, http.StatusOK, out)
}

// setTypeEnabled toggles one notification type. Disabling a type also
// cancels its pending notifications.
func (h *handlers) setTypeEnabled(w http.ResponseWriter, r *http.Request) {
	t, err := notify.ParseType(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req typeToggleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	h.notes.SetTypeEnabled(t, *req.Enabled)
	h.logger.Info("notification type toggled",
		slog.String("type", string(t)),
		slog.Bool("enabled", *req.Enabled),
	)

	writeJSON(w, http.StatusOK, typeSetting{Type: t, Enabled: *req.Enabled})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
