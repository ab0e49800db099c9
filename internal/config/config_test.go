package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/videre-progress/internal/tracker"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Backend.Endpoint != "http://localhost:8000/api/integrate" {
		t.Fatalf("unexpected endpoint %q", cfg.Backend.Endpoint)
	}
	if cfg.BackendTimeout() != 0 {
		t.Fatalf("expected no backend timeout by default, got %v", cfg.BackendTimeout())
	}
	if got := cfg.FallbackInterval(); got != 8*time.Second {
		t.Fatalf("expected 8s fallback, got %v", got)
	}
	if len(cfg.Tracker.Stages) != 5 || cfg.Tracker.Stages[4].ID != "url_created" {
		t.Fatalf("expected five default stages, got %+v", cfg.Tracker.Stages)
	}
	p, err := cfg.Pipeline()
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if p.Len() != 5 {
		t.Fatalf("expected five stages, got %d", p.Len())
	}
	if got := p.Classify(tracker.KindManimGenerated); got.Type != tracker.TransitionStage || got.Index != 2 {
		t.Fatalf("unexpected classification %+v", got)
	}
	d := cfg.Decoder().Decode(`data: {"kind":"complete","video_url":"u"}`)
	if d.Result != tracker.Decoded || d.Event.Kind != "complete" {
		t.Fatalf("unexpected decoding %+v", d)
	}
	if cfg.Storage.History != HistoryMemory || cfg.Storage.Transcripts != TranscriptsNone {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging by default")
	}
	if cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("expected every trace sampled by default, got %v", cfg.Tracing.SampleRatio)
	}
	if cfg.Server.StartRPS != 0 || cfg.Server.StartBurst != 5 {
		t.Fatalf("unexpected start limit defaults %+v", cfg.Server)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
backend:
  endpoint: https://render.example/api/integrate
  timeout_seconds: 600
tracker:
  event_prefix: "event: "
  result_field: url
  stages:
    - id: queued
      label: Queued
      triggers: [job_queued]
    - id: done
      label: Done
      triggers: [job_rendered]
fallback:
  enabled: false
storage:
  history: postgres
  transcripts: gcs
  gcs_bucket: bucket
  prefix: raw
db:
  dsn: postgres://localhost/videre
pubsub:
  project_id: proj
  topic_name: outcomes
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if got := cfg.BackendTimeout(); got != 10*time.Minute {
		t.Fatalf("expected 10m backend timeout, got %v", got)
	}
	if len(cfg.Tracker.Stages) != 2 || cfg.Tracker.Stages[1].Triggers[0] != "job_rendered" {
		t.Fatalf("expected stage overrides: %+v", cfg.Tracker.Stages)
	}
	if cfg.FallbackInterval() != 0 {
		t.Fatalf("expected fallback disabled")
	}
	if cfg.Tracker.CompleteKind != "complete" {
		t.Fatalf("expected complete kind default to survive, got %q", cfg.Tracker.CompleteKind)
	}
	if cfg.Storage.History != HistoryPostgres || cfg.DB.Table != "generations" {
		t.Fatalf("unexpected storage %+v / %+v", cfg.Storage, cfg.DB)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VIDERE_SERVER_PORT", "7070")
	t.Setenv("VIDERE_FALLBACK_INTERVAL_MS", "1500")
	t.Setenv("VIDERE_TRACKER_RESULT_FIELD", "url")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.FallbackInterval() != 1500*time.Millisecond {
		t.Fatalf("expected env fallback override, got %v", cfg.FallbackInterval())
	}
	if cfg.Tracker.ResultField != "url" {
		t.Fatalf("expected env result field override, got %q", cfg.Tracker.ResultField)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "relative endpoint", mutate: func(c *Config) { c.Backend.Endpoint = "/api" }, want: "backend.endpoint"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
		{name: "negative start rps", mutate: func(c *Config) { c.Server.StartRPS = -1 }, want: "server.start_rps"},
		{name: "negative timeout", mutate: func(c *Config) { c.Backend.TimeoutSeconds = -1 }, want: "backend.timeout_seconds"},
		{name: "zero read buffer", mutate: func(c *Config) { c.Backend.ReadBufferBytes = 0 }, want: "backend.read_buffer_bytes"},
		{name: "fallback interval", mutate: func(c *Config) { c.Fallback.IntervalMs = 0 }, want: "fallback.interval_ms"},
		{name: "no stages", mutate: func(c *Config) { c.Tracker.Stages = nil }, want: "tracker.stages"},
		{
			name: "duplicate trigger",
			mutate: func(c *Config) {
				c.Tracker.Stages = []tracker.StageDef{
					{ID: "a", Triggers: []string{"x"}},
					{ID: "b", Triggers: []string{"x"}},
				}
			},
			want: "tracker.stages",
		},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.History = HistoryPostgres }, want: "db.dsn"},
		{name: "unknown history", mutate: func(c *Config) { c.Storage.History = "redis" }, want: "storage.history"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Transcripts = TranscriptsGCS }, want: "storage.gcs_bucket"},
		{name: "unknown transcripts", mutate: func(c *Config) { c.Storage.Transcripts = "s3" }, want: "storage.transcripts"},
		{name: "pubsub without project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Tracker.Stages = append([]tracker.StageDef(nil), base.Tracker.Stages...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
