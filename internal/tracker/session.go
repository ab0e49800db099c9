package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultResultField = "video_url"

// SessionConfig tunes one tracking session. The zero value is usable.
type SessionConfig struct {
	// ID identifies the session; a UUIDv7 is generated when zero.
	ID uuid.UUID
	// Topic is attached to diagnostic events only.
	Topic string
	// Decoder parses event records; defaults to NewDecoder(DecoderOptions{}).
	Decoder *Decoder
	// ResultField is the required payload field of the completion event.
	ResultField string
	// FallbackInterval enables the fallback ticker when > 0.
	FallbackInterval time.Duration
	// ReadChunkSize bounds a single read from the stream.
	ReadChunkSize int
	// KeepTranscript retains every raw record for Transcript.
	KeepTranscript bool
	// Emitter receives diagnostic events.
	Emitter progress.Emitter
	Logger  *zap.Logger
	// Now is the clock used for event timestamps.
	Now func() time.Time
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	ID           uuid.UUID    `json:"id"`
	Topic        string       `json:"topic"`
	StartedAt    time.Time    `json:"started_at"`
	Stages       StatusVector `json:"stages"`
	Percent      int          `json:"percent"`
	Outcome      *Outcome     `json:"outcome,omitempty"`
	Done         bool         `json:"done"`
	Canceled     bool         `json:"canceled"`
	Events       uint64       `json:"events"`
	DecodeErrors int          `json:"decode_errors"`
}

// Session tracks one generation job. It owns the status vector and the
// terminal outcome slot; both are only written by the session goroutine.
type Session struct {
	id       uuid.UUID
	pipeline *Pipeline
	decoder  *Decoder
	cfg      SessionConfig
	emitter  progress.Emitter
	logger   *zap.Logger

	mu           sync.RWMutex
	vector       StatusVector
	outcome      *Outcome
	observers    map[int]Observer
	nextObserver int
	decodeErrors int
	transcript   []string

	// seq counts decoded real events; fallback ticks carry the value they saw.
	seq      atomic.Uint64
	started  atomic.Bool
	canceled atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	startAt  time.Time
}

// NewSession prepares a session for pipeline. Nothing runs until Start.
func NewSession(pipeline *Pipeline, cfg SessionConfig) *Session {
	if cfg.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		cfg.ID = id
	}
	if cfg.Decoder == nil {
		cfg.Decoder = NewDecoder(DecoderOptions{})
	}
	if cfg.ResultField == "" {
		cfg.ResultField = defaultResultField
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = defaultReadChunkSize
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:        cfg.ID,
		pipeline:  pipeline,
		decoder:   cfg.Decoder,
		cfg:       cfg,
		emitter:   emitter,
		logger:    logger.With(zap.String("session_id", cfg.ID.String())),
		vector:    pipeline.Pending(),
		observers: make(map[int]Observer),
		cancel:    func() {},
		done:      make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Subscribe registers o for future notifications. Subscribe before Start to
// observe the initial vector.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	key := s.nextObserver
	s.nextObserver++
	s.observers[key] = o
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, key)
		s.mu.Unlock()
	}
}

// Start publishes the initial vector (first stage processing) synchronously,
// then opens src and consumes it on a new goroutine. The returned cancel
// stops all further notifications and releases the stream. Calling Start
// more than once only returns cancel.
func (s *Session) Start(ctx context.Context, src Source) (cancel func()) {
	if !s.started.CompareAndSwap(false, true) {
		return s.Cancel
	}
	ctx, stop := context.WithCancel(ctx)
	startAt := s.cfg.Now()
	s.mu.Lock()
	s.cancel = stop
	s.startAt = startAt
	s.mu.Unlock()
	// A Cancel racing with the lines above may have called the old no-op.
	if s.canceled.Load() {
		stop()
	}

	s.emit(progress.Event{Kind: progress.KindSessionStart})
	s.update(s.pipeline.Initial(), false)

	go s.run(ctx, stop, src)
	return s.Cancel
}

// Cancel stops notifications and abandons the stream. It is idempotent and
// safe to call from an observer.
func (s *Session) Cancel() {
	if s.isTerminal() {
		return
	}
	s.canceled.Store(true)
	s.mu.RLock()
	stop := s.cancel
	s.mu.RUnlock()
	stop()
	if s.started.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends. A terminal failure is reported through
// Outcome.Err, not the returned error, which is only set on cancellation or
// when ctx expires first.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("wait for session: %w", ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.outcome == nil {
		return Outcome{}, ErrCanceled
	}
	return *s.outcome, nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:           s.id,
		Topic:        s.cfg.Topic,
		StartedAt:    s.startAt,
		Stages:       s.vector.Clone(),
		Percent:      s.vector.Percent(),
		Canceled:     s.canceled.Load(),
		Events:       s.seq.Load(),
		DecodeErrors: s.decodeErrors,
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	select {
	case <-s.done:
		snap.Done = true
	default:
	}
	return snap
}

// Transcript returns the raw records seen so far when KeepTranscript is set.
func (s *Session) Transcript() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.transcript...)
}

// readResult carries either one record or, with end set, how the stream
// finished.
type readResult struct {
	record    string
	end       bool
	err       error
	discarded int
}

func (s *Session) run(ctx context.Context, stop context.CancelFunc, src Source) {
	defer close(s.done)
	defer stop()

	rc, err := src.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.abandon()
			return
		}
		s.terminate(failed(&TransportError{Err: err}))
		return
	}
	if rc == nil {
		s.terminate(failed(&TransportError{Err: errors.New("no response body")}))
		return
	}
	stopClose := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		if stopClose() {
			_ = rc.Close()
		}
	}()

	reads := make(chan readResult)
	go s.read(ctx, rc, reads)

	var ticks chan uint64
	stopFallback := func() {}
	if s.cfg.FallbackInterval > 0 {
		tickCh := make(chan uint64)
		ticks = tickCh
		stopFallback = StartFallback(ctx, s.cfg.FallbackInterval, func(fctx context.Context, _ uint64) {
			select {
			case tickCh <- s.seq.Load():
			case <-fctx.Done():
			}
		})
	}
	defer stopFallback()
	suspend := func() {
		if ticks != nil {
			stopFallback()
			ticks = nil
			s.logger.Debug("fallback ticker suspended by real event")
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.abandon()
			return
		case seen := <-ticks:
			if ctx.Err() != nil {
				s.abandon()
				return
			}
			s.applyTick(seen)
		case res := <-reads:
			if ctx.Err() != nil {
				s.abandon()
				return
			}
			if !res.end {
				if s.handleRecord(res.record, suspend) {
					return
				}
				continue
			}
			if res.discarded > 0 {
				s.logger.Debug("discarding unterminated trailing record", zap.Int("bytes", res.discarded))
			}
			if res.err != nil {
				s.terminate(failed(&TransportError{Err: res.err}))
				return
			}
			s.terminate(failed(ErrIncompleteStream))
			return
		}
	}
}

// read hands every complete record of rc to the session goroutine in order,
// then reports how the stream ended. It exits early when ctx is done.
func (s *Session) read(ctx context.Context, rc io.Reader, out chan<- readResult) {
	send := func(res readResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}
	discarded, err := scanRecords(rc, s.cfg.ReadChunkSize, func(rec string) bool {
		return send(readResult{record: rec})
	})
	if errors.Is(err, errScanStopped) {
		return
	}
	send(readResult{end: true, err: err, discarded: discarded})
}

// handleRecord applies one record and reports whether the session reached a
// terminal outcome.
func (s *Session) handleRecord(rec string, suspendFallback func()) bool {
	if s.cfg.KeepTranscript {
		s.mu.Lock()
		s.transcript = append(s.transcript, rec)
		s.mu.Unlock()
	}
	d := s.decoder.Decode(rec)
	switch d.Result {
	case NotEvent:
		return false
	case Malformed:
		s.mu.Lock()
		s.decodeErrors++
		s.mu.Unlock()
		s.logger.Warn("skipping malformed event", zap.String("raw", d.Raw), zap.Error(d.Err))
		s.emit(progress.Event{Kind: progress.KindDecodeError, Note: d.Raw})
		return false
	}
	evt := d.Event
	s.seq.Add(1)
	t := s.pipeline.Classify(evt.Kind)
	switch t.Type {
	case TransitionError:
		s.terminate(failed(&BackendError{Message: evt.Message}))
		return true
	case TransitionComplete:
		result, ok := evt.Field(s.cfg.ResultField)
		if !ok || result == "" {
			s.terminate(failed(fmt.Errorf("%w: field %q", ErrMissingResult, s.cfg.ResultField)))
			return true
		}
		s.update(s.pipeline.Advance(s.current(), t), false)
		s.terminate(succeeded(result, evt.Payload))
		return true
	case TransitionStage:
		suspendFallback()
		s.update(s.pipeline.Advance(s.current(), t), false)
	default:
		s.logger.Debug("ignoring unrecognized event", zap.String("kind", evt.Kind))
		s.emit(progress.Event{Kind: progress.KindUnrecognized, Note: evt.Kind})
	}
	return false
}

// applyTick advances by one step unless a real event arrived after the tick
// was produced or the session already ended.
func (s *Session) applyTick(seen uint64) {
	if s.isTerminal() {
		return
	}
	if seen != s.seq.Load() {
		s.logger.Debug("discarding stale fallback tick", zap.Uint64("tick_seq", seen), zap.Uint64("seq", s.seq.Load()))
		return
	}
	s.update(s.pipeline.Step(s.current()), true)
}

func (s *Session) current() StatusVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vector.Clone()
}

// update installs next when it moves at least one stage forward and regresses none.
func (s *Session) update(next StatusVector, fromFallback bool) {
	if s.canceled.Load() {
		return
	}
	s.mu.Lock()
	if s.outcome != nil || next.Equal(s.vector) || !Monotonic(s.vector, next) {
		s.mu.Unlock()
		return
	}
	s.vector = next.Clone()
	s.mu.Unlock()

	kind := progress.KindStatusChange
	if fromFallback {
		kind = progress.KindFallbackTick
	}
	evt := progress.Event{Kind: kind, Percent: next.Percent()}
	if idx := next.Processing(); idx >= 0 {
		evt.Stage = next[idx].ID
	}
	s.emit(evt)
	s.notify(func(o Observer) { o.StatusChanged(next.Clone()) })
}

// terminate fills the outcome slot once; later calls are ignored.
func (s *Session) terminate(o Outcome) {
	if s.canceled.Load() {
		return
	}
	s.mu.Lock()
	if s.outcome != nil {
		s.mu.Unlock()
		return
	}
	s.outcome = &o
	percent := s.vector.Percent()
	dur := s.cfg.Now().Sub(s.startAt)
	s.mu.Unlock()

	if dur < 0 {
		dur = 0
	}
	if o.Success {
		s.logger.Info("generation completed", zap.String("result", o.Result), zap.Duration("dur", dur))
		s.emit(progress.Event{Kind: progress.KindSessionDone, Result: o.Result, Percent: percent, Dur: dur})
	} else {
		s.logger.Warn("generation failed", zap.String("reason", o.Reason), zap.Duration("dur", dur))
		s.emit(progress.Event{Kind: progress.KindSessionError, Note: o.Reason, Percent: percent, Dur: dur})
	}
	s.notify(func(obs Observer) { obs.Terminated(o) })
}

func (s *Session) abandon() {
	if s.isTerminal() {
		return
	}
	s.canceled.Store(true)
	s.logger.Info("tracking canceled")
	s.emit(progress.Event{Kind: progress.KindSessionCanceled, Percent: s.current().Percent()})
}

func (s *Session) isTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome != nil
}

func (s *Session) notify(call func(Observer)) {
	s.mu.RLock()
	keys := make([]int, 0, len(s.observers))
	for k := range s.observers {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	for _, k := range keys {
		if s.canceled.Load() {
			return
		}
		s.mu.RLock()
		o, ok := s.observers[k]
		s.mu.RUnlock()
		if ok {
			call(o)
		}
	}
}

func (s *Session) emit(evt progress.Event) {
	evt.SessionID = progress.UUIDToBytes(s.id)
	evt.TS = s.cfg.Now()
	evt.Topic = s.cfg.Topic
	s.emitter.Emit(evt)
}
