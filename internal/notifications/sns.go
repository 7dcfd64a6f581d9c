// Package notifications publishes operational events to SNS. Today that
// is budget alerts; delivery is best-effort and never blocks the request
// path.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/routegate/routegate/internal/budget"
)

type NotificationType string

const (
	NotificationBudgetWarning  NotificationType = "budget_warning"
	NotificationBudgetCritical NotificationType = "budget_critical"
	NotificationBudgetExceeded NotificationType = "budget_exceeded"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Tenant  string           `json:"tenant,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}
	if notification.Tenant != "" {
		input.MessageAttributes["Tenant"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Tenant),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type, "tenant", notification.Tenant)
	return nil
}

// BudgetAlertHandler adapts a Notifier into a budget alert handler.
// Publish failures are logged and dropped.
func BudgetAlertHandler(notifier Notifier) budget.AlertHandler {
	return func(alert budget.Alert) {
		notification := Notification{
			Type:    notificationTypeFor(alert.Level),
			Tenant:  alert.Tenant,
			Message: fmt.Sprintf("tenant %s at %.1f%% of budget", alert.Tenant, alert.Percentage),
			Data: map[string]any{
				"budget_usd": alert.BudgetUSD,
				"spend_usd":  alert.SpendUSD,
			},
		}
		if err := notifier.Send(context.Background(), notification); err != nil {
			slog.Error("budget notification failed", "tenant", alert.Tenant, "error", err)
		}
	}
}

func notificationTypeFor(level budget.AlertLevel) NotificationType {
	switch level {
	case budget.AlertLevelExceeded:
		return NotificationBudgetExceeded
	case budget.AlertLevelCritical:
		return NotificationBudgetCritical
	default:
		return NotificationBudgetWarning
	}
}

// InMemoryNotifier collects notifications for tests.
type InMemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *InMemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.sent))
	copy(result, n.sent)
	return result
}
