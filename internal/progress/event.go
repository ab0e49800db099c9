// Package progress defines the diagnostic events emitted by tracking sessions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindSessionStart    Kind = "SESSION_START"
	KindStatusChange    Kind = "STATUS_CHANGE"
	KindFallbackTick    Kind = "FALLBACK_TICK"
	KindDecodeError     Kind = "DECODE_ERROR"
	KindUnrecognized    Kind = "UNRECOGNIZED_EVENT"
	KindSessionDone     Kind = "SESSION_DONE"
	KindSessionError    Kind = "SESSION_ERROR"
	KindSessionCanceled Kind = "SESSION_CANCELED"
)

// Terminal reports whether the kind ends a session.
func (k Kind) Terminal() bool {
	switch k {
	case KindSessionDone, KindSessionError, KindSessionCanceled:
		return true
	default:
		return false
	}
}

// Event captures a single diagnostic record of one tracking session.
type Event struct {
	// SessionID uniquely identifies the session using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Topic is the generation topic supplied by the caller.
	Topic string
	// Stage is the id of the stage now processing, if any.
	Stage string
	// Percent is the share of completed stages after the event.
	Percent int
	// Result carries the result locator on SESSION_DONE.
	Result string
	// Dur is the session runtime on terminal events.
	Dur time.Duration
	// Note carries low-volume context (error reason, offending raw record, unknown kind).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindSessionStart, KindStatusChange, KindFallbackTick, KindUnrecognized, KindSessionCanceled:
	case KindDecodeError, KindSessionError:
		if e.Note == "" {
			return fmt.Errorf("%s requires a note", e.Kind)
		}
	case KindSessionDone:
		if e.Result == "" {
			return errors.New("session done requires result")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return errors.New("percent must be within [0, 100]")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID for repositories.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
