package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/videre-progress/internal/hash/sha256"
	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	transcriptContentType = "application/x-ndjson"
	recordRetryWindow     = 10 * time.Second
)

type transcriptLine struct {
	N      int    `json:"n"`
	Record string `json:"record"`
}

// TranscriptPath is where the raw stream of session id is archived.
func TranscriptPath(prefix, id string) string {
	return path.Join(prefix, id+".ndjson")
}

// archive writes the raw records of a finished session as NDJSON and records
// the URI in history. Failures are logged; they never affect the outcome.
func (m *Manager) archive(s *tracker.Session) {
	if m.cfg.Transcripts == nil {
		return
	}
	records := s.Transcript()
	if len(records) == 0 {
		return
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		if err := enc.Encode(transcriptLine{N: i + 1, Record: rec}); err != nil {
			m.logger.Warn("encode transcript line", zap.Error(err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), archiveTimeout)
	defer cancel()
	id := s.ID()
	digest := sha256.Digest(buf.Bytes())
	uri, err := m.cfg.Transcripts.PutObject(ctx, TranscriptPath(m.cfg.TranscriptPrefix, id.String()), transcriptContentType, &buf)
	if err != nil {
		m.logger.Warn("archive transcript", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	m.logger.Debug("transcript archived",
		zap.String("session_id", id.String()),
		zap.String("uri", uri),
		zap.Int("records", len(records)),
		zap.String("sha256", digest),
	)
	if m.cfg.History == nil {
		return
	}
	if err := m.recordTranscript(ctx, id, uri); err != nil {
		m.logger.Warn("record transcript uri", zap.String("session_id", id.String()), zap.Error(err))
	}
}

// recordTranscript retries while the history row does not exist yet; the
// start record travels through the progress hub and may land after archiving.
func (m *Manager) recordTranscript(ctx context.Context, id uuid.UUID, uri string) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxElapsedTime = recordRetryWindow

	operation := func() error {
		err := m.cfg.History.SetTranscript(ctx, id, uri)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	return nil
}
