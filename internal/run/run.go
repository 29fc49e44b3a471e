// Package run implements Run and RunEvent CRUD per spec.md §4.3.
package run

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/websocket"
	"github.com/google/uuid"
)

const (
	maxEventBatch     = 200
	maxMessageLen     = 4000
	maxEventsPerPage  = 500
)

var terminalStatuses = map[string]bool{"succeeded": true, "failed": true, "canceled": true}

// Notifier is the subset of notification.Service a run cares about. Defined
// here rather than imported so this package doesn't depend on the delivery
// channels (email/webhook/Slack) notification.Service wires up.
type Notifier interface {
	NotifyRunSucceeded(ctx context.Context, runID, projectID uuid.UUID, runTitle string) error
	NotifyRunFailed(ctx context.Context, runID, projectID uuid.UUID, runTitle, errMsg string) error
}

// Service provides Run and RunEvent operations.
type Service struct {
	runs     repository.RunRepository
	events   repository.RunEventRepository
	notifier Notifier      // nil disables run-completion notifications
	hub      *websocket.Hub // nil disables live run.status/run.event pushes
}

func NewService(runs repository.RunRepository, events repository.RunEventRepository, notifier Notifier, hub *websocket.Hub) *Service {
	return &Service{runs: runs, events: events, notifier: notifier, hub: hub}
}

// runTopic is the WebSocket topic a run's status and event updates are
// published on; see internal/websocket's topic naming convention.
func runTopic(runID uuid.UUID) string {
	return "run:" + runID.String()
}

// Create starts a run in "running" status.
func (s *Service) Create(ctx context.Context, projectID, initiatedBy uuid.UUID, kind, title, host string) (*db.Run, error) {
	r := &db.Run{
		ProjectID:         projectID,
		Kind:              resolveRunKind(kind),
		Status:            "running",
		Title:             title,
		Host:              host,
		InitiatedByUserID: initiatedBy,
		StartedAt:         time.Now(),
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	r, err := s.runs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("run not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return r, nil
}

// ListByProject returns runs ordered by_project_startedAt descending.
func (s *Service) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]db.Run, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	runs, total, err := s.runs.ListByProject(ctx, projectID, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, apierr.NewInternal(err.Error())
	}
	return runs, total, nil
}

// SetStatus implements spec.md §4.3's exact transition rule (I5): terminal
// statuses set finishedAt; a sanitizer guards errorMessage; non-failed
// terminal transitions with no message clear any existing one.
func (s *Service) SetStatus(ctx context.Context, runID uuid.UUID, status string, errorMessage string) error {
	switch status {
	case "running", "succeeded", "failed", "canceled":
	default:
		return apierr.NewConflict("invalid run status: " + status)
	}

	r, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.NewNotFound("run not found")
		}
		return apierr.NewInternal(err.Error())
	}
	if terminalStatuses[r.Status] {
		return apierr.NewConflict("run has already reached a terminal status")
	}

	r.Status = status
	if terminalStatuses[status] {
		now := time.Now()
		r.FinishedAt = &now
	}

	trimmed := strings.TrimSpace(errorMessage)
	switch {
	case trimmed != "":
		r.ErrorMessage = SanitizeErrorMessage(trimmed)
	case status != "failed":
		r.ErrorMessage = ""
	}

	if err := s.runs.Update(ctx, r); err != nil {
		return apierr.NewInternal(err.Error())
	}

	if s.notifier != nil {
		switch status {
		case "succeeded":
			_ = s.notifier.NotifyRunSucceeded(ctx, r.ID, r.ProjectID, r.Title)
		case "failed":
			_ = s.notifier.NotifyRunFailed(ctx, r.ID, r.ProjectID, r.Title, r.ErrorMessage)
		}
	}

	if s.hub != nil {
		s.hub.Publish(runTopic(r.ID), websocket.Message{
			Type:  websocket.MsgRunStatus,
			Topic: runTopic(r.ID),
			Payload: map[string]any{
				"status":       r.Status,
				"errorMessage": r.ErrorMessage,
				"finishedAt":   r.FinishedAt,
			},
		})
	}
	return nil
}

// AppendBatch implements spec.md §4.3's appendBatch: caps at 200 events,
// drops empty-after-trim messages, truncates overlong ones with an ellipsis.
func (s *Service) AppendBatch(ctx context.Context, projectID, runID uuid.UUID, events []db.RunEvent) error {
	if len(events) > maxEventBatch {
		events = events[:maxEventBatch]
	}

	toInsert := make([]db.RunEvent, 0, len(events))
	for _, e := range events {
		message := strings.TrimSpace(e.Message)
		if message == "" {
			continue
		}
		if len(message) > maxMessageLen {
			message = message[:maxMessageLen-3] + "..."
		}
		if e.Level == "" {
			e.Level = "info"
		}
		if e.Ts.IsZero() {
			e.Ts = time.Now()
		}
		e.ProjectID = projectID
		e.RunID = runID
		e.Message = message
		toInsert = append(toInsert, e)
	}
	if len(toInsert) == 0 {
		return nil
	}
	if err := s.events.CreateBatch(ctx, toInsert); err != nil {
		return apierr.NewInternal(err.Error())
	}

	if s.hub != nil {
		for _, e := range toInsert {
			s.hub.Publish(runTopic(runID), websocket.Message{
				Type:  websocket.MsgRunEvent,
				Topic: runTopic(runID),
				Payload: map[string]any{
					"level":   e.Level,
					"message": e.Message,
					"ts":      e.Ts,
				},
			})
		}
	}
	return nil
}

// PageByRun returns a run's events newest-first, capped at maxEventsPerPage.
func (s *Service) PageByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]db.RunEvent, int64, error) {
	if limit <= 0 || limit > maxEventsPerPage {
		limit = maxEventsPerPage
	}
	events, total, err := s.events.ListByRun(ctx, runID, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, apierr.NewInternal(err.Error())
	}
	return events, total, nil
}

// resolveRunKind implements spec.md §4.6's job-kind normalization, shared by
// both direct run creation and the runner-command queue.
func resolveRunKind(kind string) string {
	switch kind {
	case "bootstrap", "git_push":
		return kind
	default:
		return "custom"
	}
}

// ResolveRunKind is the exported form used by internal/runnerqueue.
func ResolveRunKind(kind string) string { return resolveRunKind(kind) }
