package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/analytics"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/redis"
)

const (
	defaultPageSize = 20
	maxBodyBytes    = 1 << 20
)

// NotificationService defines the operations the API exposes.
type NotificationService interface {
	CreateNotification(ctx context.Context, req notify.Request) (uuid.UUID, error)
	List(ctx context.Context, recipientID uuid.UUID, opts db.ListOptions) (*db.NotificationPage, error)
	MarkRead(ctx context.Context, recipientID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int, error)
	RecordClick(ctx context.Context, id uuid.UUID, channel db.Channel) error
	GetPreferences(ctx context.Context, recipientID uuid.UUID) (*db.Preference, error)
	UpdatePreferences(ctx context.Context, recipientID uuid.UUID, upd notify.PreferenceUpdate) (*db.Preference, error)
}

// Reporter builds analytics reports.
type Reporter interface {
	Report(ctx context.Context, from, to time.Time) (*analytics.Report, error)
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID string `json:"id"`
}

// ListResponse is one page of a recipient's notifications.
type ListResponse struct {
	Data   []*db.Notification `json:"data"`
	Total  int                `json:"total"`
	Unread int                `json:"unread"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     NotificationService
	reporter    Reporter
	idempotency *redis.IdempotencyService // nil if Redis not configured
	notifier    *redis.Notifier           // nil if Redis not configured
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling on creation.
func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithNotifier enables the in-app websocket stream.
func WithNotifier(n *redis.Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, reporter Reporter, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		service:  service,
		reporter: reporter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header, scoped by recipient.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req notify.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.RecipientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}
	scope := req.RecipientID.String()

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cachedResult.StatusCode, NotificationResponse{ID: cachedResult.NotificationID})
			return
		} else {
			reserved = true
		}
	}

	id, err := h.service.CreateNotification(ctx, req)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeServiceError(w, err, "Failed to create notification")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationID: id.String(),
			StatusCode:     http.StatusCreated,
			CreatedAt:      time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, NotificationResponse{ID: id.String()})
}

// ListNotifications handles GET /v1/recipients/{recipientID}/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := db.ListOptions{Limit: defaultPageSize}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset", "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	if v := q.Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid unread", "unread must be true or false")
			return
		}
		opts.OnlyUnread = unread
	}
	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Types = append(opts.Types, db.Type(t))
			}
		}
	}

	page, err := h.service.List(r.Context(), recipientID, opts)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list notifications")
		return
	}

	resp := ListResponse{
		Data:   page.Notifications,
		Total:  page.Total,
		Unread: page.Unread,
		Limit:  min(opts.Limit, 100),
		Offset: opts.Offset,
	}
	if resp.Data == nil {
		resp.Data = []*db.Notification{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// MarkRead handles POST /v1/recipients/{recipientID}/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.service.MarkRead(r.Context(), recipientID, id); err != nil {
		h.writeServiceError(w, err, "Failed to mark notification read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /v1/recipients/{recipientID}/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), recipientID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notifications read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// RecordClick handles POST /v1/notifications/{id}/click
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	channel := db.Channel(r.URL.Query().Get("channel"))
	if err := h.service.RecordClick(r.Context(), id, channel); err != nil {
		h.writeServiceError(w, err, "Failed to record click")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /v1/recipients/{recipientID}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}

	pref, err := h.service.GetPreferences(r.Context(), recipientID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, pref)
}

// UpdatePreferences handles PUT /v1/recipients/{recipientID}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.recipientParam(w, r)
	if !ok {
		return
	}

	var upd notify.PreferenceUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&upd); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	pref, err := h.service.UpdatePreferences(r.Context(), recipientID, upd)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, pref)
}

// GetAnalytics handles GET /v1/analytics?from=YYYY-MM-DD&to=YYYY-MM-DD
// Both bounds default to today.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	today := time.Now().UTC().Format(time.DateOnly)
	q := r.URL.Query()

	from, err := parseDate(q.Get("from"), today)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from date", "from must be YYYY-MM-DD")
		return
	}
	to, err := parseDate(q.Get("to"), today)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to date", "to must be YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date range", "to must not be before from")
		return
	}

	report, err := h.reporter.Report(r.Context(), from, to)
	if err != nil {
		h.logger.Error("failed to build analytics report", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to build report", "")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func parseDate(v, fallback string) (time.Time, error) {
	if v == "" {
		v = fallback
	}
	return time.Parse(time.DateOnly, v)
}

func (h *Handler) recipientParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient ID", "recipient ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	var verr *notify.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid "+verr.Field, verr.Reason)
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	default:
		h.logger.Error(strings.ToLower(title), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
