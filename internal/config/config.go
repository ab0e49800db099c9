// Package config loads and validates relay configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Progress ProgressConfig `mapstructure:"progress"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
	MaxRetainedSessions   int `mapstructure:"max_retained_sessions"`
	// StartRPS limits session starts per client; 0 disables the limit.
	StartRPS   float64 `mapstructure:"start_rps"`
	StartBurst int     `mapstructure:"start_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BackendConfig points at the video generation backend.
type BackendConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// TimeoutSeconds bounds a whole generation request; 0 disables it.
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
	ReadBufferBytes int `mapstructure:"read_buffer_bytes"`
}

// TrackerConfig describes the event wire format and the stage pipeline.
type TrackerConfig struct {
	EventPrefix  string             `mapstructure:"event_prefix"`
	KindFields   []string           `mapstructure:"kind_fields"`
	CompleteKind string             `mapstructure:"complete_kind"`
	ErrorKind    string             `mapstructure:"error_kind"`
	ResultField  string             `mapstructure:"result_field"`
	Stages       []tracker.StageDef `mapstructure:"stages"`
}

// FallbackConfig toggles the synthetic progress ticker.
type FallbackConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMs int  `mapstructure:"interval_ms"`
}

// ProgressConfig tunes the diagnostic event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// StorageConfig selects history and transcript backends.
type StorageConfig struct {
	History     string `mapstructure:"history"`
	Transcripts string `mapstructure:"transcripts"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	// GCSEndpoint points the GCS client at an emulator; empty uses Google.
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
	Prefix      string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for outcome notifications. An empty topic
// selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig controls span sampling for root spans.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Storage backend names.
const (
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"

	TranscriptsNone  = "none"
	TranscriptsLocal = "local"
	TranscriptsGCS   = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIDERE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("server.max_retained_sessions", 256)
	v.SetDefault("server.start_rps", 0)
	v.SetDefault("server.start_burst", 5)
	v.SetDefault("backend.endpoint", "http://localhost:8000/api/integrate")
	v.SetDefault("backend.timeout_seconds", 0)
	v.SetDefault("backend.read_buffer_bytes", 4096)
	v.SetDefault("tracker.event_prefix", "data: ")
	v.SetDefault("tracker.kind_fields", []string{"type", "kind"})
	v.SetDefault("tracker.complete_kind", tracker.KindComplete)
	v.SetDefault("tracker.error_kind", tracker.KindError)
	v.SetDefault("tracker.result_field", "video_url")
	v.SetDefault("tracker.stages", defaultStages())
	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.interval_ms", 8000)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("storage.history", HistoryMemory)
	v.SetDefault("storage.transcripts", TranscriptsNone)
	v.SetDefault("storage.base_dir", "transcripts")
	v.SetDefault("storage.prefix", "transcripts")
	v.SetDefault("db.table", "generations")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func defaultStages() []map[string]any {
	defs := tracker.VideoStages()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]any{"id": def.ID, "label": def.Label, "triggers": def.Triggers})
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	u, err := url.Parse(c.Backend.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.endpoint must be an absolute http(s) URL, got %q", c.Backend.Endpoint)
	}
	if c.Server.StartRPS < 0 {
		return fmt.Errorf("server.start_rps must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be >= 0")
	}
	if c.Backend.ReadBufferBytes <= 0 {
		return fmt.Errorf("backend.read_buffer_bytes must be > 0")
	}
	if c.Fallback.Enabled && c.Fallback.IntervalMs <= 0 {
		return fmt.Errorf("fallback.interval_ms must be > 0 when fallback is enabled")
	}
	if _, err := c.Pipeline(); err != nil {
		return fmt.Errorf("tracker.stages: %w", err)
	}
	switch c.Storage.History {
	case HistoryMemory:
	case HistoryPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set when storage.history is postgres")
		}
	default:
		return fmt.Errorf("storage.history must be memory or postgres, got %q", c.Storage.History)
	}
	switch c.Storage.Transcripts {
	case TranscriptsNone:
	case TranscriptsLocal:
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir must be set when storage.transcripts is local")
		}
	case TranscriptsGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set when storage.transcripts is gcs")
		}
	default:
		return fmt.Errorf("storage.transcripts must be none, local, or gcs, got %q", c.Storage.Transcripts)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Pipeline builds the configured stage pipeline.
func (c Config) Pipeline() (*tracker.Pipeline, error) {
	p, err := tracker.NewPipeline(c.Tracker.Stages, tracker.PipelineOptions{
		CompleteKind: c.Tracker.CompleteKind,
		ErrorKind:    c.Tracker.ErrorKind,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// Decoder builds the configured event decoder.
func (c Config) Decoder() *tracker.Decoder {
	return tracker.NewDecoder(tracker.DecoderOptions{
		Prefix:     c.Tracker.EventPrefix,
		KindFields: c.Tracker.KindFields,
	})
}

// FallbackInterval returns the ticker period, or 0 when fallback is disabled.
func (c Config) FallbackInterval() time.Duration {
	if !c.Fallback.Enabled {
		return 0
	}
	return time.Duration(c.Fallback.IntervalMs) * time.Millisecond
}

// BackendTimeout converts backend.timeout_seconds; 0 means none.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds non-streaming API requests.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

// BatchWait converts progress.max_batch_wait_ms.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
