package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	id := uuid.New()
	sessionID := progress.UUIDToBytes(id)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, TS: now, Kind: progress.KindStatusChange, Stage: "saving_complete", Percent: 60},
		{SessionID: sessionID, TS: now, Kind: progress.KindFallbackTick, Percent: 80},
		{SessionID: sessionID, TS: now, Kind: progress.KindSessionError, Note: "render failed", Dur: time.Second},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2, "fallback ticks are debug-only")
	first := entries[0].ContextMap()
	require.Equal(t, id.String(), first["session_id"])
	require.Equal(t, "saving_complete", first["stage"])
	require.EqualValues(t, 60, first["percent"])

	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "render failed", entries[1].ContextMap()["note"])
}
