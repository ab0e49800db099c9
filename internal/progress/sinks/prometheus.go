package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports session metrics via Prometheus. It owns the
// collectors for sessions started/completed/running and stream health.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	stageTransitions *prometheus.CounterVec
	fallbackTicks    prometheus.Counter
	decodeErrors     prometheus.Counter
	unrecognized     prometheus.Counter

	running *sessionSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videre_sessions_started_total",
			Help: "Total tracking sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videre_sessions_completed_total",
			Help: "Total sessions ended partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "videre_sessions_running",
			Help: "Current number of running sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "videre_session_runtime_seconds",
			Help:    "Wall time per ended session.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "videre_stage_transitions_total",
			Help: "Stage transitions partitioned by the stage entered and what drove it.",
		}, []string{"stage", "source"}),
		fallbackTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videre_fallback_ticks_total",
			Help: "Simulated progress steps applied by the fallback ticker.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videre_decode_errors_total",
			Help: "Malformed event records skipped.",
		}),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videre_unrecognized_events_total",
			Help: "Well-formed events with an unknown kind.",
		}),
		running: newSessionSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.stageTransitions,
		s.fallbackTicks,
		s.decodeErrors,
		s.unrecognized,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindSessionStart:
		s.sessionsStarted.Inc()
		if s.running.add(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.KindStatusChange:
		s.observeStage(evt, "event")
	case progress.KindFallbackTick:
		s.fallbackTicks.Inc()
		s.observeStage(evt, "fallback")
	case progress.KindDecodeError:
		s.decodeErrors.Inc()
	case progress.KindUnrecognized:
		s.unrecognized.Inc()
	case progress.KindSessionDone:
		s.finish(evt, "success")
	case progress.KindSessionError:
		s.finish(evt, "error")
	case progress.KindSessionCanceled:
		s.finish(evt, "canceled")
	}
}

func (s *PrometheusSink) observeStage(evt progress.Event, source string) {
	stage := evt.Stage
	if stage == "" {
		stage = "all_completed"
	}
	s.stageTransitions.WithLabelValues(stage, source).Inc()
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.running.remove(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionSet struct {
	mu  sync.Mutex
	ids map[[16]byte]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{ids: make(map[[16]byte]struct{})}
}

func (t *sessionSet) add(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

func (t *sessionSet) remove(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	return true
}
