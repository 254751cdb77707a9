package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-query-api/internal/models"
	"github.com/noah-isme/sma-query-api/pkg/jobs"
)

// NotificationSink receives lifecycle events after a successful write. Implementations must not block
// the caller and must not report failures back into the lifecycle operation.
type NotificationSink interface {
	Notify(ctx context.Context, userID string, event models.QueryEvent)
}

// Notifier delivers a single event to a recipient.
type Notifier interface {
	Deliver(ctx context.Context, userID string, event models.QueryEvent) error
}

type notificationQueue interface {
	TryEnqueue(job jobs.Job) error
}

const notificationJobType = "query_notification"

type notificationPayload struct {
	UserID string
	Event  models.QueryEvent
}

// NotificationService fans lifecycle events out to a Notifier through the background job queue.
type NotificationService struct {
	queue    notificationQueue
	notifier Notifier
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewNotificationService constructs the service; attach a queue with UseQueue before notifying.
func NewNotificationService(notifier Notifier, metrics *MetricsService, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{notifier: notifier, metrics: metrics, logger: logger}
}

// UseQueue sets the queue events are dispatched through.
func (s *NotificationService) UseQueue(queue notificationQueue) {
	s.queue = queue
}

// Notify enqueues the event. A full or stopped queue drops it with a warning.
func (s *NotificationService) Notify(ctx context.Context, userID string, event models.QueryEvent) {
	if s == nil || s.queue == nil || userID == "" {
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    notificationJobType,
		Payload: notificationPayload{UserID: userID, Event: event},
	}
	if err := s.queue.TryEnqueue(job); err != nil {
		s.metrics.RecordNotification("dropped")
		s.logger.Warn("notification dropped",
			zap.String("query_id", event.QueryID),
			zap.String("user_id", userID),
			zap.String("event", string(event.Type)),
			zap.Error(err))
	}
}

// Handle is the jobs.Handler that performs delivery.
func (s *NotificationService) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(notificationPayload)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", job.Payload)
	}
	if err := s.notifier.Deliver(ctx, payload.UserID, payload.Event); err != nil {
		s.metrics.RecordNotification("failed")
		return err
	}
	s.metrics.RecordNotification("sent")
	return nil
}

// LogNotifier writes events to the structured log. Used when Slack is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Deliver implements Notifier.
func (n *LogNotifier) Deliver(_ context.Context, userID string, event models.QueryEvent) error {
	n.logger.Info("query notification",
		zap.String("recipient", userID),
		zap.String("event", string(event.Type)),
		zap.String("query_id", event.QueryID),
		zap.String("status", string(event.Status)))
	return nil
}

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts events to a Slack channel, mentioning the recipient.
type SlackNotifier struct {
	client  slackPoster
	channel string
}

// NewSlackNotifier constructs a notifier backed by the Slack Web API.
func NewSlackNotifier(token, channel string) (*SlackNotifier, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(channel) == "" {
		return nil, errors.New("slack token and channel are required")
	}
	return &SlackNotifier{client: slack.New(token), channel: channel}, nil
}

// Deliver implements Notifier.
func (n *SlackNotifier) Deliver(ctx context.Context, userID string, event models.QueryEvent) error {
	if _, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(notificationText(event), false),
		slack.MsgOptionBlocks(notificationBlocks(userID, event)...),
	); err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}

func notificationText(event models.QueryEvent) string {
	switch event.Type {
	case models.QueryEventEscalated:
		return fmt.Sprintf("Query escalated: %s", event.Subject)
	case models.QueryEventCreated:
		return fmt.Sprintf("New query: %s", event.Subject)
	case models.QueryEventResponded:
		return fmt.Sprintf("New response on: %s", event.Subject)
	default:
		return fmt.Sprintf("Query %s is now %s", event.Subject, event.Status)
	}
}

func notificationBlocks(userID string, event models.QueryEvent) []slack.Block {
	lines := []string{
		fmt.Sprintf("<@%s> *%s*", userID, notificationText(event)),
		fmt.Sprintf("Query `%s` status: *%s*", event.QueryID, event.Status),
	}
	if event.Reason != "" {
		lines = append(lines, "Reason: "+event.Reason)
	}
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", strings.Join(lines, "\n"), false, false), nil, nil),
	}
}
