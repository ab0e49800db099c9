package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/store"
	"go.uber.org/zap"
)

// Publisher sends a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message published when a session ends.
type Notification struct {
	SessionID  string          `json:"session_id"`
	Topic      string          `json:"topic"`
	Status     store.RunStatus `json:"status"`
	Result     string          `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Percent    int             `json:"percent"`
	DurationMS int64           `json:"duration_ms"`
	FinishedAt time.Time       `json:"finished_at"`
}

// PublisherSink publishes one Notification per terminal session event.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink publishes to topic via pub.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes terminal events and ignores the rest.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Kind.Terminal() {
			continue
		}
		n := notificationFor(evt)
		id, err := s.pub.Publish(ctx, s.topic, n)
		if err != nil {
			return fmt.Errorf("publish outcome for %s: %w", n.SessionID, err)
		}
		s.logger.Debug("outcome published", zap.String("session_id", n.SessionID), zap.String("message_id", id))
	}
	return nil
}

func notificationFor(evt progress.Event) Notification {
	n := Notification{
		SessionID:  evt.SessionUUID().String(),
		Topic:      evt.Topic,
		Percent:    evt.Percent,
		DurationMS: evt.Dur.Milliseconds(),
		FinishedAt: evt.TS,
	}
	switch evt.Kind {
	case progress.KindSessionDone:
		n.Status = store.RunSuccess
		n.Result = evt.Result
	case progress.KindSessionError:
		n.Status = store.RunError
		n.Reason = evt.Note
	default:
		n.Status = store.RunCanceled
	}
	return n
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
