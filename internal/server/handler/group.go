package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lingxian/groupbuy/internal/domain"
	"github.com/lingxian/groupbuy/internal/engine"
)

// FormationService defines the methods the group handler requires for
// starting new instances.
type FormationService interface {
	StartGroup(ctx context.Context, activityID, leaderID int64) (domain.GroupInstance, error)
}

// JoinService defines the methods the group handler requires for joining
// instances.
type JoinService interface {
	JoinGroup(ctx context.Context, groupID, shopperID int64) (domain.JoinResult, error)
}

// GroupQueryService defines the read-side methods the group handler requires.
type GroupQueryService interface {
	GetInstance(ctx context.Context, groupID int64) (engine.InstanceDetail, error)
	ListOpenInstances(ctx context.Context, activityID int64) ([]domain.GroupInstance, error)
	ListByShopper(ctx context.Context, shopperID int64, opts domain.ListOpts) ([]domain.GroupInstance, error)
}

// GroupHandler serves group-instance HTTP endpoints.
type GroupHandler struct {
	formation FormationService
	join      JoinService
	query     GroupQueryService
	logger    *slog.Logger
}

// NewGroupHandler creates a GroupHandler with the given services and logger.
func NewGroupHandler(formation FormationService, join JoinService, query GroupQueryService, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{
		formation: formation,
		join:      join,
		query:     query,
		logger:    logger,
	}
}

// startGroupRequest is the body for starting a new group instance.
type startGroupRequest struct {
	ActivityID int64 `json:"activity_id"`
	ShopperID  int64 `json:"shopper_id"`
}

// StartGroup opens a new group instance with the caller as leader.
// POST /api/groups
func (h *GroupHandler) StartGroup(w http.ResponseWriter, r *http.Request) {
	var req startGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ActivityID <= 0 || req.ShopperID <= 0 {
		writeError(w, http.StatusBadRequest, "activity_id and shopper_id are required")
		return
	}

	group, err := h.formation.StartGroup(r.Context(), req.ActivityID, req.ShopperID)
	if err != nil {
		h.writeGroupError(w, r, "start group", err)
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

// joinGroupRequest is the body for joining an existing group instance.
type joinGroupRequest struct {
	ShopperID int64 `json:"shopper_id"`
}

// JoinGroup adds the caller to an existing group instance.
// POST /api/groups/{id}/join
func (h *GroupHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	var req joinGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ShopperID <= 0 {
		writeError(w, http.StatusBadRequest, "shopper_id is required")
		return
	}

	result, err := h.join.JoinGroup(r.Context(), groupID, req.ShopperID)
	if err != nil {
		h.writeGroupError(w, r, "join group", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetGroup returns one instance with its member list.
// GET /api/groups/{id}
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	detail, err := h.query.GetInstance(r.Context(), groupID)
	if err != nil {
		h.writeGroupError(w, r, "get group", err)
		return
	}

	if detail.Members == nil {
		detail.Members = []domain.Membership{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListOpenGroups returns the joinable instances of an activity.
// GET /api/activities/{id}/groups
func (h *GroupHandler) ListOpenGroups(w http.ResponseWriter, r *http.Request) {
	activityID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}

	groups, err := h.query.ListOpenInstances(r.Context(), activityID)
	if err != nil {
		h.writeGroupError(w, r, "list open groups", err)
		return
	}

	if groups == nil {
		groups = []domain.GroupInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// ListShopperGroups returns every instance the shopper participates in.
// GET /api/shoppers/{id}/groups
func (h *GroupHandler) ListShopperGroups(w http.ResponseWriter, r *http.Request) {
	shopperID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid shopper id")
		return
	}

	groups, err := h.query.ListByShopper(r.Context(), shopperID, parseListOpts(r))
	if err != nil {
		h.writeGroupError(w, r, "list shopper groups", err)
		return
	}

	if groups == nil {
		groups = []domain.GroupInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// writeGroupError maps engine errors onto HTTP statuses. State conflicts
// (finished, expired, full, already joined) are 409s so clients can
// distinguish them from genuine failures.
func (h *GroupHandler) writeGroupError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrActivityNotFound),
		errors.Is(err, domain.ErrGroupNotFound),
		errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrActivityNotActive),
		errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrDuplicateGroup),
		errors.Is(err, domain.ErrGroupFinished),
		errors.Is(err, domain.ErrGroupExpired),
		errors.Is(err, domain.ErrAlreadyJoined),
		errors.Is(err, domain.ErrJoinLimitReached),
		errors.Is(err, domain.ErrSettlementFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		// Retryable: the optimistic loop exhausted its attempts.
		w.Header().Set("Retry-After", "0")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	default:
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
