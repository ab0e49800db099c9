package tracker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	vectors  []StatusVector
	outcomes []Outcome
}

func (r *recorder) StatusChanged(v StatusVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors = append(r.vectors, v)
}

func (r *recorder) Terminated(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) statusHistory() [][]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]Status, len(r.vectors))
	for i, v := range r.vectors {
		out[i] = statuses(v)
	}
	return out
}

func (r *recorder) terminals() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) kinds() []progress.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func stringSource(stream string) Source {
	return ReaderSource(io.NopCloser(strings.NewReader(stream)))
}

func track(t *testing.T, src Source, cfg SessionConfig) (*Session, *recorder, Outcome) {
	t.Helper()
	s := NewSession(mustVideoPipeline(t), cfg)
	rec := &recorder{}
	s.Subscribe(rec)
	s.Start(context.Background(), src)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NoError(t, err)
	return s, rec, out
}

func TestSessionHappyPath(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"video_generation_start\"}\n" +
		"data: {\"type\":\"video_generation_manim_generated\"}\n" +
		"data: {\"type\":\"complete\",\"video_url\":\"https://x/y.mp4\"}\n"
	em := &captureEmitter{}
	s, rec, out := track(t, stringSource(stream), SessionConfig{Topic: "pythagoras", Emitter: em})

	require.True(t, out.Success)
	require.Equal(t, "https://x/y.mp4", out.Result)
	require.Equal(t, "complete", out.Payload["type"])
	require.Equal(t, [][]Status{
		{pr, pe, pe, pe, pe},
		{co, co, pr, pe, pe},
		{co, co, co, co, co},
	}, rec.statusHistory())
	require.Len(t, rec.terminals(), 1)

	snap := s.Snapshot()
	require.True(t, snap.Done)
	require.False(t, snap.Canceled)
	require.Equal(t, 100, snap.Percent)
	require.EqualValues(t, 3, snap.Events)
	require.NotNil(t, snap.Outcome)

	require.Equal(t, []progress.Kind{
		progress.KindSessionStart,
		progress.KindStatusChange,
		progress.KindStatusChange,
		progress.KindStatusChange,
		progress.KindSessionDone,
	}, em.kinds())
	for _, evt := range em.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, "pythagoras", evt.Topic)
	}
}

func TestSessionEndsWithoutCompletion(t *testing.T) {
	t.Parallel()

	_, rec, out := track(t, stringSource("data: {\"type\":\"video_generation_start\"}\n"), SessionConfig{})
	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, ErrIncompleteStream)
	require.Equal(t, "stream ended without a definitive result", out.Reason)
	require.Equal(t, [][]Status{{pr, pe, pe, pe, pe}}, rec.statusHistory())
}

func TestSessionSkipsMalformedRecords(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"video_generation_start\"}\n" +
		"data: {not json\n" +
		"data: {\"type\":\"video_generation_manim_generated\"}\n" +
		"data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"
	em := &captureEmitter{}
	s, rec, out := track(t, stringSource(stream), SessionConfig{Emitter: em})

	require.True(t, out.Success)
	require.Equal(t, 1, s.Snapshot().DecodeErrors)
	require.Contains(t, rec.statusHistory(), []Status{co, co, pr, pe, pe})
	require.Contains(t, em.kinds(), progress.KindDecodeError)
}

func TestSessionBackendError(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"error\",\"message\":\"render failed\"}\n" +
		"data: {\"type\":\"video_generation_manim_generated\"}\n" +
		"data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"
	s, rec, out := track(t, stringSource(stream), SessionConfig{})

	require.False(t, out.Success)
	require.Equal(t, "render failed", out.Reason)
	var backendErr *BackendError
	require.ErrorAs(t, out.Err, &backendErr)
	require.Len(t, rec.terminals(), 1)
	require.EqualValues(t, 1, s.Snapshot().Events)
	require.Equal(t, [][]Status{{pr, pe, pe, pe, pe}}, rec.statusHistory())
}

func TestSessionBackendErrorWithoutMessage(t *testing.T) {
	t.Parallel()

	_, _, out := track(t, stringSource("data: {\"type\":\"error\"}\n"), SessionConfig{})
	require.Equal(t, defaultBackendReason, out.Reason)
}

func TestSessionCompletionWithoutResult(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"video_generation_manim_generated\"}\n" +
		"data: {\"type\":\"complete\"}\n"
	s, rec, out := track(t, stringSource(stream), SessionConfig{})

	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, ErrMissingResult)
	require.Equal(t, []Status{co, co, pr, pe, pe}, statuses(s.Snapshot().Stages))
	require.Len(t, rec.statusHistory(), 2)
}

func TestSessionCompletionOnlyStream(t *testing.T) {
	t.Parallel()

	_, rec, out := track(t, stringSource("data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"), SessionConfig{})
	require.True(t, out.Success)
	require.Equal(t, [][]Status{{pr, pe, pe, pe, pe}, {co, co, co, co, co}}, rec.statusHistory())
}

func TestSessionUnrecognizedKindIsIgnored(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"thumbnail_ready\"}\n" +
		"data: {\"kind\":\"complete\",\"video_url\":\"u\"}\n"
	em := &captureEmitter{}
	_, _, out := track(t, stringSource(stream), SessionConfig{Emitter: em})
	require.True(t, out.Success)
	require.Contains(t, em.kinds(), progress.KindUnrecognized)
}

func TestSessionOpenFailure(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	src := SourceFunc(func(context.Context) (io.ReadCloser, error) { return nil, refused })
	_, rec, out := track(t, src, SessionConfig{})

	require.False(t, out.Success)
	var tErr *TransportError
	require.ErrorAs(t, out.Err, &tErr)
	require.ErrorIs(t, out.Err, refused)
	require.Len(t, rec.terminals(), 1)
}

func TestSessionNilBody(t *testing.T) {
	t.Parallel()

	src := SourceFunc(func(context.Context) (io.ReadCloser, error) { return nil, nil })
	_, _, out := track(t, src, SessionConfig{})
	var tErr *TransportError
	require.ErrorAs(t, out.Err, &tErr)
}

func TestSessionReadFailure(t *testing.T) {
	t.Parallel()

	reset := errors.New("connection reset")
	rd := io.MultiReader(
		strings.NewReader("data: {\"type\":\"video_generation_manim_generated\"}\n"),
		iotest.ErrReader(reset),
	)
	_, _, out := track(t, ReaderSource(io.NopCloser(rd)), SessionConfig{})
	require.False(t, out.Success)
	require.ErrorIs(t, out.Err, reset)
}

// failingRead returns its data and err from the same Read call, as a chunked
// body does when the peer resets right after its last line.
type failingRead struct {
	data string
	err  error
	done bool
}

func (f *failingRead) Read(p []byte) (int, error) {
	if f.done {
		return 0, f.err
	}
	f.done = true
	return copy(p, f.data), f.err
}

func TestSessionRecordsBeforeReadErrorWin(t *testing.T) {
	t.Parallel()

	reset := errors.New("connection reset")
	tests := []struct {
		name    string
		data    string
		success bool
		reason  string
	}{
		{
			name:    "completion",
			data:    "data: {\"type\":\"video_generation_start\"}\ndata: {\"type\":\"complete\",\"video_url\":\"u\"}\n",
			success: true,
		},
		{
			name:   "backend error",
			data:   "data: {\"type\":\"error\",\"message\":\"render crashed\"}\n",
			reason: "render crashed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rd := &failingRead{data: tt.data, err: reset}
			_, rec, out := track(t, ReaderSource(io.NopCloser(rd)), SessionConfig{})
			require.Equal(t, tt.success, out.Success)
			require.NotErrorIs(t, out.Err, reset)
			if tt.success {
				require.Equal(t, "u", out.Result)
			} else {
				require.Equal(t, tt.reason, out.Reason)
			}
			require.Len(t, rec.terminals(), 1)
		})
	}
}

func TestSessionReadErrorAfterStageRecord(t *testing.T) {
	t.Parallel()

	reset := errors.New("connection reset")
	rd := &failingRead{data: "data: {\"type\":\"video_generation_manim_generated\"}\ndata: {\"ty", err: reset}
	_, rec, out := track(t, ReaderSource(io.NopCloser(rd)), SessionConfig{})

	require.False(t, out.Success)
	var tErr *TransportError
	require.ErrorAs(t, out.Err, &tErr)
	require.ErrorIs(t, out.Err, reset)
	require.Equal(t, [][]Status{
		{pr, pe, pe, pe, pe},
		{co, co, pr, pe, pe},
	}, rec.statusHistory())
}

func TestSessionOneByteChunks(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"video_generation_start\"}\n" +
		": keepalive\n" +
		"data: {\"type\":\"complete\",\"video_url\":\"https://x/é.mp4\"}\n"
	rd := iotest.OneByteReader(strings.NewReader(stream))
	s, _, out := track(t, ReaderSource(io.NopCloser(rd)), SessionConfig{KeepTranscript: true, ReadChunkSize: 3})
	require.True(t, out.Success)
	require.Equal(t, "https://x/é.mp4", out.Result)
	require.Equal(t, recordsOf(stream), s.Transcript())
}

func TestSessionFallbackThenCompletion(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	s := NewSession(mustVideoPipeline(t), SessionConfig{FallbackInterval: 5 * time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Start(context.Background(), ReaderSource(pr2))

	require.Eventually(t, func() bool {
		return s.Snapshot().Stages.Processing() >= 3
	}, 2*time.Second, time.Millisecond)

	_, err := io.WriteString(pw, "data: {\"type\":\"complete\",\"video_url\":\"u\"}\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	out, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, out.Success)

	hist := rec.statusHistory()
	require.Equal(t, []Status{co, co, co, co, co}, hist[len(hist)-1])
	for i := 1; i < len(hist); i++ {
		require.True(t, Monotonic(rec.vectors[i-1], rec.vectors[i]))
	}
}

func TestSessionFallbackNeverCompletesLastStage(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	defer pw.Close()
	s := NewSession(mustVideoPipeline(t), SessionConfig{FallbackInterval: time.Millisecond})
	cancel := s.Start(context.Background(), ReaderSource(pr2))
	defer cancel()

	require.Eventually(t, func() bool {
		return s.Snapshot().Stages.Processing() == 4
	}, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot()
	require.Equal(t, []Status{co, co, co, co, pr}, statuses(snap.Stages))
	require.Nil(t, snap.Outcome)
}

func TestSessionRealEventSuspendsFallback(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	defer pw.Close()
	s := NewSession(mustVideoPipeline(t), SessionConfig{FallbackInterval: 30 * time.Millisecond})
	cancel := s.Start(context.Background(), ReaderSource(pr2))
	defer cancel()

	_, err := io.WriteString(pw, "data: {\"type\":\"video_generation_start\"}\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Events == 1 }, time.Second, time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, []Status{pr, pe, pe, pe, pe}, statuses(s.Snapshot().Stages))
}

func TestSessionStaleTickIsDiscarded(t *testing.T) {
	t.Parallel()

	p := mustVideoPipeline(t)
	s := NewSession(p, SessionConfig{})
	s.vector = p.Advance(p.Initial(), p.Classify(KindManimGenerated))
	s.seq.Store(1)

	s.applyTick(0)
	require.Equal(t, []Status{co, co, pr, pe, pe}, statuses(s.Snapshot().Stages))

	s.applyTick(1)
	require.Equal(t, []Status{co, co, co, pr, pe}, statuses(s.Snapshot().Stages))
}

func TestSessionTickAfterOutcomeIsIgnored(t *testing.T) {
	t.Parallel()

	p := mustVideoPipeline(t)
	s := NewSession(p, SessionConfig{})
	s.vector = p.Initial()
	s.terminate(failed(ErrIncompleteStream))
	s.applyTick(0)
	require.Equal(t, []Status{pr, pe, pe, pe, pe}, statuses(s.Snapshot().Stages))

	s.terminate(succeeded("u", nil))
	require.False(t, s.Snapshot().Outcome.Success)
}

func TestSessionCancelSuppressesNotifications(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	em := &captureEmitter{}
	s := NewSession(mustVideoPipeline(t), SessionConfig{Emitter: em, FallbackInterval: time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	cancel := s.Start(context.Background(), ReaderSource(pr2))
	cancel()

	<-s.Done()
	seen := len(rec.statusHistory())
	_, err := io.WriteString(pw, "data: {\"type\":\"complete\",\"video_url\":\"u\"}\n")
	require.ErrorIs(t, err, io.ErrClosedPipe)
	time.Sleep(10 * time.Millisecond)

	require.Len(t, rec.statusHistory(), seen)
	require.Empty(t, rec.terminals())
	_, err = s.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)

	snap := s.Snapshot()
	require.True(t, snap.Canceled)
	require.True(t, snap.Done)
	require.Nil(t, snap.Outcome)
	require.Contains(t, em.kinds(), progress.KindSessionCanceled)
	cancel()
}

func TestSessionCancelFromObserver(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	defer pw.Close()
	s := NewSession(mustVideoPipeline(t), SessionConfig{})
	var calls int
	s.Subscribe(ObserverFuncs{OnStatusChange: func(StatusVector) {
		calls++
		if calls == 2 {
			s.Cancel()
		}
	}})
	s.Start(context.Background(), ReaderSource(pr2))

	_, err := io.WriteString(pw, "data: {\"type\":\"video_generation_manim_generated\"}\n")
	require.NoError(t, err)
	<-s.Done()
	_, _ = io.WriteString(pw, "data: {\"type\":\"saving_complete\"}\n")
	require.Equal(t, 2, calls)
}

func TestSessionParentContextCancels(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(mustVideoPipeline(t), SessionConfig{})
	s.Start(ctx, ReaderSource(pr2))
	cancel()

	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
}

func TestSessionCancelBeforeStart(t *testing.T) {
	t.Parallel()

	s := NewSession(mustVideoPipeline(t), SessionConfig{})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Cancel()
	s.Start(context.Background(), stringSource("data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"))

	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	require.Empty(t, rec.statusHistory())
}

func TestSessionCancelDuringStart(t *testing.T) {
	t.Parallel()

	var (
		s    *Session
		once sync.Once
	)
	// The first clock read happens inside Start, after it has claimed the
	// session but before the stream's cancel func is installed.
	now := func() time.Time {
		once.Do(func() { s.Cancel() })
		return time.Now().UTC()
	}
	opened := make(chan struct{})
	src := SourceFunc(func(ctx context.Context) (io.ReadCloser, error) {
		close(opened)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s = NewSession(mustVideoPipeline(t), SessionConfig{Now: now})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Start(context.Background(), src)

	<-opened
	require.Eventually(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	require.Empty(t, rec.statusHistory())
	require.Empty(t, rec.terminals())
}

func TestSessionCancelAfterOutcomeIsNoop(t *testing.T) {
	t.Parallel()

	s, _, out := track(t, stringSource("data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"), SessionConfig{})
	require.True(t, out.Success)
	s.Cancel()
	got, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, out.Result, got.Result)
	require.False(t, s.Snapshot().Canceled)
}

func TestSessionUnsubscribe(t *testing.T) {
	t.Parallel()

	s := NewSession(mustVideoPipeline(t), SessionConfig{})
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec)
	unsubscribe()
	s.Start(context.Background(), stringSource("data: {\"type\":\"complete\",\"video_url\":\"u\"}\n"))
	_, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, rec.statusHistory())
	require.Empty(t, rec.terminals())
}

func TestSessionWaitHonorsContext(t *testing.T) {
	t.Parallel()

	pr2, pw := io.Pipe()
	defer pw.Close()
	s := NewSession(mustVideoPipeline(t), SessionConfig{})
	cancel := s.Start(context.Background(), ReaderSource(pr2))
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
