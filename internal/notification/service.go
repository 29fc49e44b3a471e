package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/websocket"
)

// Service is the single entry point for creating and delivering notifications.
// It persists in-app notifications to the database, publishes them to the
// WebSocket Hub, and fans out to external channels (email, webhook, Slack).
//
// Callers (scheduler, HTTP handlers, etc.) should use the typed methods
// (NotifyRunFailed, NotifyErasureCompleted, NotifyRetentionBudgetExhausted)
// rather than constructing events manually, so that notification content
// stays consistent across the codebase.
type Service interface {
	// NotifyRunSucceeded creates a success notification for the given run.
	NotifyRunSucceeded(ctx context.Context, runID, projectID uuid.UUID, runTitle string) error

	// NotifyRunFailed creates a failure notification for the given run.
	// errMsg is the sanitized error string, included in the body.
	NotifyRunFailed(ctx context.Context, runID, projectID uuid.UUID, runTitle, errMsg string) error

	// NotifyRunnerOffline creates a notification when a runner agent stops
	// sending heartbeats past its staleness threshold.
	NotifyRunnerOffline(ctx context.Context, runnerID uuid.UUID, runnerName string) error

	// NotifyErasureCompleted creates a notification once a project's erasure
	// job finishes and all stages report done.
	NotifyErasureCompleted(ctx context.Context, projectID uuid.UUID, projectName string) error

	// NotifyRetentionBudgetExhausted creates a notification when a retention
	// sweep stops partway through its project cursor because the per-sweep
	// delete budget was exhausted, which delays deletion of otherwise-expired
	// data until the next continuation.
	NotifyRetentionBudgetExhausted(ctx context.Context, deletedCount int) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	notifRepo    repository.NotificationRepository
	userRepo     repository.UserRepository
	settingsRepo repository.SettingsRepository
	hub          *websocket.Hub
	email        *emailSender
	webhook      *webhookSender
	slack        *slackSender
	logger       *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	NotifRepo    repository.NotificationRepository
	UserRepo     repository.UserRepository
	SettingsRepo repository.SettingsRepository
	Hub          *websocket.Hub
	Logger       *zap.Logger
}

// NewService creates a new notification Service. The email, webhook, and
// Slack senders are wired internally — callers only need to provide the
// Config dependencies.
func NewService(cfg Config) Service {
	svc := &notificationService{
		notifRepo:    cfg.NotifRepo,
		userRepo:     cfg.UserRepo,
		settingsRepo: cfg.SettingsRepo,
		hub:          cfg.Hub,
		logger:       cfg.Logger.Named("notification"),
	}

	// Wire senders with config loaders bound to this service's settings repo.
	// Config is reloaded on every send — no restart needed after settings change.
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.SettingsRepo)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.SettingsRepo)
	})
	svc.slack = newSlackSender(func(ctx context.Context) (*SlackConfig, error) {
		return loadSlackConfig(ctx, cfg.SettingsRepo)
	})

	return svc
}

// -----------------------------------------------------------------------------
// Public typed methods
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyRunSucceeded(ctx context.Context, runID, projectID uuid.UUID, runTitle string) error {
	payload := map[string]any{
		"run_id":     runID.String(),
		"project_id": projectID.String(),
	}
	return s.notify(ctx, event{
		notifType: "run_success",
		title:     fmt.Sprintf("Run completed: %s", runTitle),
		body:      fmt.Sprintf("Run %q completed successfully at %s.", runTitle, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyRunFailed(ctx context.Context, runID, projectID uuid.UUID, runTitle, errMsg string) error {
	payload := map[string]any{
		"run_id":     runID.String(),
		"project_id": projectID.String(),
		"error":      errMsg,
	}
	return s.notify(ctx, event{
		notifType: "run_failure",
		title:     fmt.Sprintf("Run failed: %s", runTitle),
		body:      fmt.Sprintf("Run %q failed at %s: %s", runTitle, time.Now().UTC().Format(time.RFC3339), errMsg),
		payload:   payload,
	})
}

func (s *notificationService) NotifyRunnerOffline(ctx context.Context, runnerID uuid.UUID, runnerName string) error {
	payload := map[string]any{
		"runner_id":   runnerID.String(),
		"runner_name": runnerName,
	}
	return s.notify(ctx, event{
		notifType: "runner_offline",
		title:     fmt.Sprintf("Runner offline: %s", runnerName),
		body:      fmt.Sprintf("Runner %q stopped sending heartbeats as of %s.", runnerName, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyErasureCompleted(ctx context.Context, projectID uuid.UUID, projectName string) error {
	payload := map[string]any{
		"project_id": projectID.String(),
	}
	return s.notify(ctx, event{
		notifType: "erasure_completed",
		title:     fmt.Sprintf("Project erased: %s", projectName),
		body:      fmt.Sprintf("All data for project %q has been permanently deleted as of %s.", projectName, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyRetentionBudgetExhausted(ctx context.Context, deletedCount int) error {
	payload := map[string]any{
		"deleted_count": deletedCount,
	}
	return s.notify(ctx, event{
		notifType: "retention_budget_exhausted",
		title:     "Retention sweep paused",
		body:      fmt.Sprintf("Retention sweep deleted %d rows and paused to respect its per-run budget; it will resume automatically.", deletedCount),
		payload:   payload,
	})
}

// -----------------------------------------------------------------------------
// Internal event dispatch
// -----------------------------------------------------------------------------

// event carries the data for a single notification before it is fanned out
// to recipients and delivery channels.
type event struct {
	notifType string
	title     string
	body      string
	payload   map[string]any
}

// notify is the internal dispatch method. It:
//  1. Resolves the list of admin users as recipients.
//  2. Persists one db.Notification per recipient.
//  3. Publishes each notification to the WebSocket Hub.
//  4. Fans out to email, webhook, and Slack (errors are logged, not returned,
//     so that a delivery failure never prevents the in-app notification from
//     being saved).
func (s *notificationService) notify(ctx context.Context, ev event) error {
	// Admins are the recipients for all control-plane system events.
	admins, err := s.userRepo.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("notification: failed to list admins: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal payload: %w", err)
	}

	var emailRecipients []string

	for i := range admins {
		u := &admins[i]
		if !u.IsActive {
			continue
		}

		// Persist the in-app notification.
		n := &db.Notification{
			UserID:  u.ID,
			Type:    ev.notifType,
			Title:   ev.title,
			Body:    ev.body,
			Payload: string(payloadJSON),
		}
		if err := s.notifRepo.Create(ctx, n); err != nil {
			s.logger.Error("failed to persist notification",
				zap.String("user_id", u.ID.String()),
				zap.String("type", ev.notifType),
				zap.Error(err),
			)
			continue
		}

		// Publish to the WebSocket Hub so any connected GUI tab receives the
		// notification instantly without polling.
		topic := fmt.Sprintf("notifications:%s", u.ID.String())
		s.hub.Publish(topic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: topic,
			Payload: map[string]any{
				"id":         n.ID.String(),
				"type":       n.Type,
				"title":      n.Title,
				"body":       n.Body,
				"payload":    ev.payload,
				"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
			},
		})

		emailRecipients = append(emailRecipients, u.Email)
	}

	// External channels: errors are logged but not propagated — the in-app
	// notification has already been saved, which is the authoritative channel.
	if err := s.email.Send(ctx, emailRecipients, ev.title, ev.body); err != nil {
		s.logger.Warn("email notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	if err := s.webhook.Send(ctx, ev.notifType, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	if err := s.slack.Send(ctx, ev.title, ev.body); err != nil {
		s.logger.Warn("slack notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	return nil
}
