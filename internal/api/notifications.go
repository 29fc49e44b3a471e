package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
)

// NotificationHandler groups all notification-related HTTP handlers.
// Notifications are scoped to the authenticated user — each user can only
// see and manage their own notifications.
type NotificationHandler struct {
	repo   repository.NotificationRepository
	access *access.Resolver
	logger *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(repo repository.NotificationRepository, resolver *access.Resolver, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		repo:   repo,
		access: resolver,
		logger: logger.Named("notification_handler"),
	}
}

// notificationResponse is the JSON representation of a notification.
type notificationResponse struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Payload   string  `json:"payload"`
	ReadAt    *string `json:"read_at"`
	CreatedAt string  `json:"created_at"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	resp := notificationResponse{
		ID:        n.ID.String(),
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt.UTC().String(),
	}
	if n.ReadAt != nil {
		s := n.ReadAt.UTC().String()
		resp.ReadAt = &s
	}
	return resp
}

// List handles GET /api/v1/notifications.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	opts := paginationOpts(r)
	notifications, total, err := h.repo.ListByUser(r.Context(), user.ID, opts)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", user.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(notifications))
	for i := range notifications {
		items[i] = notificationToResponse(&notifications[i])
	}
	Ok(w, map[string]any{"items": items, "total": total})
}

// MarkAsRead handles PATCH /api/v1/notifications/{id}/read.
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	notification, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if notification.UserID != user.ID {
		// 404 instead of 403 to avoid leaking that the notification exists.
		ErrNotFound(w)
		return
	}

	if err := h.repo.MarkAsRead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			NoContent(w)
			return
		}
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// MarkAllAsRead handles PATCH /api/v1/notifications/read-all.
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := h.repo.MarkAllAsRead(r.Context(), user.ID); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}
