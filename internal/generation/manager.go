package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionNotFound reports an unknown or evicted session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptyTopic reports a Start without a topic.
	ErrEmptyTopic = errors.New("topic is required")
	// ErrClosed reports a Start after Close.
	ErrClosed = errors.New("manager is closed")
)

const (
	defaultMaxRetained = 256
	archiveTimeout     = 30 * time.Second
)

// Opener binds a topic to the backend stream.
type Opener interface {
	Source(topic string) tracker.Source
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Config wires a Manager.
type Config struct {
	Pipeline         *tracker.Pipeline
	Decoder          *tracker.Decoder
	ResultField      string
	FallbackInterval time.Duration
	ReadChunkSize    int
	Emitter          progress.Emitter
	// Transcripts enables raw stream archiving when non-nil.
	Transcripts      store.BlobStore
	TranscriptPrefix string
	// History receives the transcript URI after archiving.
	History store.GenerationRepository
	// MaxRetained bounds how many sessions stay addressable; finished ones are evicted first.
	MaxRetained int
	IDs         IDGenerator
	Clock       Clock
	Logger      *zap.Logger
}

// Manager owns every live session of a process.
type Manager struct {
	cfg    Config
	opener Opener
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	closed   bool
	sessions map[uuid.UUID]*tracker.Session
	order    []uuid.UUID
}

// NewManager validates cfg and returns a Manager.
func NewManager(opener Opener, cfg Config) (*Manager, error) {
	if opener == nil {
		return nil, errors.New("opener is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = defaultMaxRetained
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		opener:   opener,
		logger:   logger.Named("generation"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uuid.UUID]*tracker.Session),
	}, nil
}

// Start begins tracking gctx's topic. observers are subscribed before the
// initial vector is published. The terminal outcome is recorded on gctx.
func (m *Manager) Start(gctx *Context, observers ...tracker.Observer) (*tracker.Session, error) {
	if gctx == nil {
		return nil, ErrEmptyTopic
	}
	topic := strings.TrimSpace(gctx.Topic())
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	id, err := m.cfg.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	sc := tracker.SessionConfig{
		ID:               id,
		Topic:            topic,
		Decoder:          m.cfg.Decoder,
		ResultField:      m.cfg.ResultField,
		FallbackInterval: m.cfg.FallbackInterval,
		ReadChunkSize:    m.cfg.ReadChunkSize,
		KeepTranscript:   m.cfg.Transcripts != nil,
		Emitter:          m.cfg.Emitter,
		Logger:           m.logger,
	}
	if m.cfg.Clock != nil {
		sc.Now = m.cfg.Clock.Now
	}
	s := tracker.NewSession(m.cfg.Pipeline, sc)
	for _, o := range observers {
		s.Subscribe(o)
	}
	s.Subscribe(tracker.ObserverFuncs{OnTerminal: func(o tracker.Outcome) { gctx.record(id, o) }})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.evictLocked()
	m.group.Go(func() error {
		<-s.Done()
		m.archive(s)
		return nil
	})
	m.mu.Unlock()

	s.Start(m.ctx, m.opener.Source(topic))
	m.logger.Info("generation started", zap.String("session_id", id.String()), zap.String("topic", topic))
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id uuid.UUID) (*tracker.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Cancel cancels the session with id. Canceling a finished session is a no-op.
func (m *Manager) Cancel(id uuid.UUID) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// List returns snapshots of every retained session, newest first.
func (m *Manager) List() []tracker.Snapshot {
	m.mu.Lock()
	ids := slices.Clone(m.order)
	sessions := make([]*tracker.Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.Unlock()

	out := make([]tracker.Snapshot, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		out = append(out, sessions[i].Snapshot())
	}
	return out
}

// Close cancels every running session and waits for archiving to finish or
// ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*tracker.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("generation manager close: %w", ctx.Err())
	}
}

// evictLocked drops the oldest finished sessions beyond MaxRetained.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.cfg.MaxRetained
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.sessions[id].Snapshot().Done {
			delete(m.sessions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
