package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// ActivityService defines the catalog methods the activity handler requires.
type ActivityService interface {
	CreateActivity(ctx context.Context, a domain.Activity) (domain.Activity, error)
	UpdateActivity(ctx context.Context, a domain.Activity) (domain.Activity, error)
	WithdrawActivity(ctx context.Context, id int64) error
	GetActivity(ctx context.Context, id int64) (domain.Activity, error)
	ListActivities(ctx context.Context, filter domain.ActivityFilter, opts domain.ListOpts) ([]domain.Activity, error)
}

// ActivityHandler serves activity catalog HTTP endpoints, both the shopper
// read side and the admin write side.
type ActivityHandler struct {
	activities ActivityService
	logger     *slog.Logger
}

// NewActivityHandler creates an ActivityHandler with the given service and
// logger.
func NewActivityHandler(activities ActivityService, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{
		activities: activities,
		logger:     logger,
	}
}

// activityView is the JSON shape served to shoppers, with the status derived
// at response time.
type activityView struct {
	domain.Activity
	Status domain.ActivityStatus `json:"status"`
}

func viewOf(a domain.Activity) activityView {
	return activityView{Activity: a, Status: a.StatusAt(time.Now())}
}

// ListActivities returns activities, optionally filtered by name or status.
// GET /api/activities?status=active&name=veggie
func (h *ActivityHandler) ListActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.ActivityFilter{Name: q.Get("name")}
	if v := q.Get("status"); v != "" {
		status := domain.ActivityStatus(v)
		switch status {
		case domain.ActivityStatusNotStarted, domain.ActivityStatusActive,
			domain.ActivityStatusEnded, domain.ActivityStatusWithdrawn:
			filter.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}

	activities, err := h.activities.ListActivities(r.Context(), filter, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list activities failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list activities")
		return
	}

	views := make([]activityView, 0, len(activities))
	for _, a := range activities {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": views})
}

// GetActivity returns one activity by id.
// GET /api/activities/{id}
func (h *ActivityHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}

	activity, err := h.activities.GetActivity(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrActivityNotFound) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "activity not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get activity failed",
			slog.Int64("activity_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get activity")
		return
	}

	writeJSON(w, http.StatusOK, viewOf(activity))
}

// activityRequest is the admin body for creating or updating an activity.
type activityRequest struct {
	Name          string    `json:"name"`
	ProductID     int64     `json:"product_id"`
	OriginalPrice float64   `json:"original_price"`
	GroupPrice    float64   `json:"group_price"`
	GroupSize     int       `json:"group_size"`
	LimitPerUser  int       `json:"limit_per_user"`
	Stock         int       `json:"stock"`
	ExpireHours   int       `json:"expire_hours"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Description   string    `json:"description"`
}

func (req activityRequest) toActivity() domain.Activity {
	return domain.Activity{
		Name:          req.Name,
		ProductID:     req.ProductID,
		OriginalPrice: req.OriginalPrice,
		GroupPrice:    req.GroupPrice,
		GroupSize:     req.GroupSize,
		LimitPerUser:  req.LimitPerUser,
		Stock:         req.Stock,
		ExpireHours:   req.ExpireHours,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Description:   req.Description,
	}
}

// CreateActivity creates a new activity.
// POST /api/admin/activities
func (h *ActivityHandler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := h.activities.CreateActivity(r.Context(), req.toActivity())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidActivity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create activity failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create activity")
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(created))
}

// UpdateActivity edits an existing activity.
// PUT /api/admin/activities/{id}
func (h *ActivityHandler) UpdateActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	activity := req.toActivity()
	activity.ID = id

	updated, err := h.activities.UpdateActivity(r.Context(), activity)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrActivityNotFound):
			writeError(w, http.StatusNotFound, "activity not found")
		case errors.Is(err, domain.ErrInvalidActivity):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: update activity failed",
				slog.Int64("activity_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to update activity")
		}
		return
	}

	writeJSON(w, http.StatusOK, viewOf(updated))
}

// WithdrawActivity pulls an activity from sale.
// POST /api/admin/activities/{id}/withdraw
func (h *ActivityHandler) WithdrawActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}

	if err := h.activities.WithdrawActivity(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrActivityNotFound) {
			writeError(w, http.StatusNotFound, "activity not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: withdraw activity failed",
			slog.Int64("activity_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to withdraw activity")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"activity_id": id,
		"status":      domain.ActivityStatusWithdrawn,
	})
}
