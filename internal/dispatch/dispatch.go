package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/technician-matching/internal/models"
)

// EventSink receives every matching event, in emission order.
type EventSink interface {
	Publish(ctx context.Context, ev models.MatchingEvent) error
}

// Audience identifies which app a push notification targets.
type Audience string

const (
	AudienceConsumer   Audience = "consumer"
	AudienceTechnician Audience = "technician"
)

type PushMessage struct {
	Audience    Audience          `json:"audience"`
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

// PushSender delivers a push notification.
type PushSender interface {
	Send(ctx context.Context, msg PushMessage) error
}

// Notifier fans matching events out to all sinks and routes push
// notifications to the configured sender.
type Notifier struct {
	sinks  []EventSink
	push   PushSender
	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger, push PushSender, sinks ...EventSink) *Notifier {
	if push == nil {
		push = &LogPush{Logger: logger}
	}
	return &Notifier{sinks: sinks, push: push, logger: logger.With("component", "notifier")}
}

// Emit publishes ev to every sink. A failing sink does not stop the others;
// all failures are returned joined.
func (n *Notifier) Emit(ctx context.Context, ev models.MatchingEvent) error {
	var errs []error
	for _, s := range n.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) NotifyConsumer(ctx context.Context, userID, title, body string, data map[string]string) error {
	return n.push.Send(ctx, PushMessage{Audience: AudienceConsumer, RecipientID: userID, Title: title, Body: body, Data: data})
}

func (n *Notifier) NotifyTechnician(ctx context.Context, technicianID, title, body string, data map[string]string) error {
	return n.push.Send(ctx, PushMessage{Audience: AudienceTechnician, RecipientID: technicianID, Title: title, Body: body, Data: data})
}

// LogPush only logs notifications. Used when no push provider is configured.
type LogPush struct {
	Logger *slog.Logger
}

func (l *LogPush) Send(ctx context.Context, msg PushMessage) error {
	l.Logger.InfoContext(ctx, "push notification", "audience", msg.Audience, "recipient", msg.RecipientID, "title", msg.Title)
	return nil
}
