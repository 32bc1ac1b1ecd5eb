package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/registrar"
	"github.com/meridiancrm/schedcore/internal/schedules"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// Service is the registration facade surface the handler needs.
// *schedules.Service satisfies it.
type Service interface {
	Register(ctx context.Context, def schedules.Definition) (domain.Schedule, error)
	Update(ctx context.Context, id uuid.UUID, changes schedules.Changes) (domain.Schedule, error)
	Unregister(ctx context.Context, id uuid.UUID) error
	Enable(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	Disable(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	List(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	FindByModule(ctx context.Context, module string) ([]domain.Schedule, error)
}

// Trigger fires a schedule outside its recurrence. Both runner modes
// provide one: the poller dispatches inline, the registrar publishes a
// fire envelope for a worker to pick up.
type Trigger interface {
	TriggerNow(ctx context.Context, id uuid.UUID) error
}

// Syncer reconciles the execution backend against the store.
type Syncer interface {
	SyncAll(ctx context.Context) (registrar.SyncReport, error)
}

// HealthChecker provides database health status for the /healthz endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// QueueHealth reports broker connectivity for /healthz.
type QueueHealth interface {
	Healthy() bool
}

type Handler struct {
	svc     Service
	trigger Trigger
	syncer  Syncer // nil outside distributed mode
	db      HealthChecker
	queue   QueueHealth
	log     zerolog.Logger
}

func NewHandler(svc Service, trigger Trigger, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, trigger: trigger, log: log}
}

// WithSyncer enables POST /api/v1/sync.
func (h *Handler) WithSyncer(s Syncer) *Handler {
	h.syncer = s
	return h
}

// WithHealthChecker sets the database health checker for verbose /healthz responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithQueueHealth adds broker connectivity to verbose /healthz responses.
func (h *Handler) WithQueueHealth(q QueueHealth) *Handler {
	h.queue = q
	return h
}

// Router wires the admin routes.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.log))

	r.Get("/healthz", h.health)

	r.Get("/api/v1/schedules", h.list)
	r.Post("/api/v1/schedules", h.register)
	r.Get("/api/v1/schedules/{id}", h.get)
	r.Patch("/api/v1/schedules/{id}", h.update)
	r.Delete("/api/v1/schedules/{id}", h.unregister)
	r.Post("/api/v1/schedules/{id}/enable", h.enable)
	r.Post("/api/v1/schedules/{id}/disable", h.disable)
	r.Post("/api/v1/schedules/{id}/trigger", h.triggerNow)

	r.Post("/api/v1/sync", h.sync)

	return r
}

// HealthResponse represents the /healthz endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || (h.db == nil && h.queue == nil) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	if h.queue != nil {
		if h.queue.Healthy() {
			resp.Components["queue"] = "healthy"
		} else {
			resp.Status = "degraded"
			resp.Components["queue"] = "unhealthy: disconnected"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, err := bindDefinition(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched, err := h.svc.Register(r.Context(), def)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse(sched))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var rows []domain.Schedule
	if module := r.URL.Query().Get("module"); module != "" {
		rows, err = h.svc.FindByModule(r.Context(), module)
	} else {
		rows, err = h.svc.List(r.Context(), limit, offset)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(rows))}
	for i, sched := range rows {
		resp.Schedules[i] = scheduleResponse(sched)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sched, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(sched))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sched, err := h.svc.Update(r.Context(), id, bindChanges(req))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(sched))
}

func (h *Handler) unregister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Unregister(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sched, err := h.svc.Enable(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(sched))
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sched, err := h.svc.Disable(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(sched))
}

func (h *Handler) triggerNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.trigger.TriggerNow(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerResponse{ScheduleID: id.String(), Status: "triggered"})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusConflict, "sync requires the distributed runner")
		return
	}

	report, err := h.syncer.SyncAll(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Desired:    report.Desired,
		Registered: report.Registered,
		Removed:    report.Removed,
	})
}

// writeServiceError maps facade and runner errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *schedules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, domain.ErrScheduleExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotRunnable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a size-limited JSON request body into v, writing
// the error response itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
