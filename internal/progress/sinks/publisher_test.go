package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/publisher/memory"
	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPublisherSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "outcomes", nil)
	id := uuid.New()
	sessionID := progress.UUIDToBytes(id)
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, TS: now, Kind: progress.KindSessionStart, Topic: "topology"},
		{SessionID: sessionID, TS: now, Kind: progress.KindStatusChange, Percent: 40},
		{SessionID: sessionID, TS: now, Kind: progress.KindSessionDone, Topic: "topology", Result: "u", Percent: 100, Dur: 1500 * time.Millisecond},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "outcomes", msgs[0].Topic)
	var n Notification
	require.NoError(t, msgs[0].Decode(&n))
	require.True(t, now.Equal(n.FinishedAt))
	n.FinishedAt = now
	require.Equal(t, Notification{
		SessionID:  id.String(),
		Topic:      "topology",
		Status:     store.RunSuccess,
		Result:     "u",
		Percent:    100,
		DurationMS: 1500,
		FinishedAt: now,
	}, n)
}

func TestPublisherSinkFailureStatuses(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "outcomes", nil)
	sessionID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Kind: progress.KindSessionError, Note: "render failed"},
		{SessionID: sessionID, TS: time.Now(), Kind: progress.KindSessionCanceled},
	}))
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	var failed, canceled Notification
	require.NoError(t, msgs[0].Decode(&failed))
	require.NoError(t, msgs[1].Decode(&canceled))
	require.Equal(t, store.RunError, failed.Status)
	require.Equal(t, "render failed", failed.Reason)
	require.Equal(t, store.RunCanceled, canceled.Status)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublisherSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "outcomes", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{SessionID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Kind: progress.KindSessionDone, Result: "u"},
	})
	require.ErrorContains(t, err, "unavailable")
}
