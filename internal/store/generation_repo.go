// Package store declares interfaces for persisting generation history.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("generation record not found")

// RunStatus mirrors the generations.status column.
type RunStatus string

// Generation statuses persisted in generations.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunCanceled:
		return true
	default:
		return false
	}
}

// GenerationRecord models one tracked generation for API responses.
type GenerationRecord struct {
	// ID is the session identifier.
	ID uuid.UUID `json:"id"`
	// Topic is the prompt the generation was started with.
	Topic string `json:"topic"`
	// Status is running/success/error/canceled.
	Status RunStatus `json:"status"`
	// Result holds the result locator once the run succeeded.
	Result *string `json:"result,omitempty"`
	// Reason optionally stores the final failure reason.
	Reason *string `json:"reason,omitempty"`
	// Transcript is the archive URI of the raw event stream, if any.
	Transcript *string `json:"transcript,omitempty"`
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Completion carries the terminal fields written by GenerationRepository.Complete.
type Completion struct {
	FinishedAt time.Time
	Status     RunStatus
	Result     *string
	Reason     *string
}

// GenerationRepository persists generation history.
type GenerationRepository interface {
	// UpsertStart inserts (or idempotently refreshes) a running record.
	UpsertStart(ctx context.Context, id uuid.UUID, topic string, startedAt time.Time) error
	// Complete marks the run finished. Completing an unknown id returns ErrNotFound.
	Complete(ctx context.Context, id uuid.UUID, c Completion) error
	// SetTranscript records where the raw stream was archived.
	SetTranscript(ctx context.Context, id uuid.UUID, uri string) error

	// Get loads a single record or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (GenerationRecord, error)
	// List returns records filtered by optional status, newest first.
	List(ctx context.Context, status *RunStatus, limit, offset int) ([]GenerationRecord, error)
}

// BlobStore persists opaque artifacts such as stream transcripts and returns
// a URI describing where they landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
