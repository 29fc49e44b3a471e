package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/retention"
)

// RetentionHandler exposes an admin-only manual trigger for the retention
// sweep, mainly useful for operators who changed a retention policy and do
// not want to wait for the next hourly tick.
type RetentionHandler struct {
	svc    *retention.Service
	access *access.Resolver
	logger *zap.Logger
}

func NewRetentionHandler(svc *retention.Service, resolver *access.Resolver, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{svc: svc, access: resolver, logger: logger.Named("retention_handler")}
}

// TriggerSweep handles POST /api/v1/admin/retention/sweep (admin only, not
// project-scoped — retention sweeps walk every project's policy).
func (h *RetentionHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if user.Role != "admin" {
		ErrForbidden(w)
		return
	}
	if err := h.svc.RunRetentionSweep(r.Context(), "manual_trigger", ""); err != nil {
		h.logger.Error("manual retention sweep failed", zap.Error(err))
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}
