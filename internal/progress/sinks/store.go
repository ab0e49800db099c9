package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/store"
	"go.uber.org/zap"
)

// StoreSink persists session lifecycle transitions via a
// store.GenerationRepository. Intermediate status changes are not stored.
type StoreSink struct {
	repo   store.GenerationRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.GenerationRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards start and terminal events to the repository. It respects
// ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consumeEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consumeEvent(ctx context.Context, evt progress.Event) error {
	id := evt.SessionUUID()
	if evt.Kind == progress.KindSessionStart {
		if err := s.repo.UpsertStart(ctx, id, evt.Topic, evt.TS); err != nil {
			return fmt.Errorf("upsert generation start: %w", err)
		}
		return nil
	}
	c, ok := completionFor(evt)
	if !ok {
		return nil
	}
	err := s.repo.Complete(ctx, id, c)
	if errors.Is(err, store.ErrNotFound) {
		// The start event was dropped under backpressure; record the run anyway.
		s.logger.Debug("completing generation without start record", zap.String("session_id", id.String()))
		if err := s.repo.UpsertStart(ctx, id, evt.Topic, evt.TS.Add(-evt.Dur)); err != nil {
			return fmt.Errorf("upsert generation start: %w", err)
		}
		err = s.repo.Complete(ctx, id, c)
	}
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	return nil
}

func completionFor(evt progress.Event) (store.Completion, bool) {
	c := store.Completion{FinishedAt: evt.TS}
	switch evt.Kind {
	case progress.KindSessionDone:
		c.Status = store.RunSuccess
		result := evt.Result
		c.Result = &result
	case progress.KindSessionError:
		c.Status = store.RunError
		reason := evt.Note
		c.Reason = &reason
	case progress.KindSessionCanceled:
		c.Status = store.RunCanceled
	default:
		return store.Completion{}, false
	}
	return c, true
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
