package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/JakeFAU/videre-progress/internal/api"
	"github.com/JakeFAU/videre-progress/internal/clock/system"
	"github.com/JakeFAU/videre-progress/internal/config"
	"github.com/JakeFAU/videre-progress/internal/generation"
	iduuid "github.com/JakeFAU/videre-progress/internal/id/uuid"
	"github.com/JakeFAU/videre-progress/internal/logging"
	"github.com/JakeFAU/videre-progress/internal/policy/ratelimit"
	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/videre-progress/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/videre-progress/internal/publisher/pubsub"
	"github.com/JakeFAU/videre-progress/internal/storage/gcs"
	"github.com/JakeFAU/videre-progress/internal/storage/local"
	"github.com/JakeFAU/videre-progress/internal/storage/memory"
	"github.com/JakeFAU/videre-progress/internal/storage/postgres"
	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/JakeFAU/videre-progress/internal/telemetry"
	"github.com/JakeFAU/videre-progress/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay for tracked generations",
		Long: `Serves the session API: clients start generations, poll or stream their
progress, and cancel them. Outcomes are persisted to history, optionally
archived as raw transcripts, and published as notifications.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg, logger := app.Config, app.Logger

	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName, version,
		telemetry.WithSampleRatio(cfg.Tracing.SampleRatio))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	svc, err := newService(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port), zap.String("backend", cfg.Backend.Endpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout())
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		errs = append(errs, svc.close(shutdownCtx))
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		logger.Info("shutdown complete")
		return errors.Join(errs...)
	})
	return g.Wait()
}

// service is the fully wired relay minus its listener.
type service struct {
	handler http.Handler
	manager *generation.Manager
	hub     *progress.Hub
	closers []func() error
}

func newService(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *service, err error) {
	svc := &service{}
	defer func() {
		if err != nil {
			_ = svc.close(context.WithoutCancel(ctx))
		}
	}()

	pipeline, err := cfg.Pipeline()
	if err != nil {
		return nil, err
	}
	history, ready, err := svc.openHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	transcripts, err := svc.openTranscripts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := svc.openPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}

	svc.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.BatchWait(),
		Logger:         logger.Named("progress"),
	},
		sinks.NewLogSink(logger.Named("sessions")),
		promSink,
		sinks.NewStoreSink(history, logger),
		sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger),
	)

	client, err := transport.New(transport.Config{Endpoint: cfg.Backend.Endpoint, Timeout: cfg.BackendTimeout()})
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}
	svc.manager, err = generation.NewManager(client, generation.Config{
		Pipeline:         pipeline,
		Decoder:          cfg.Decoder(),
		ResultField:      cfg.Tracker.ResultField,
		FallbackInterval: cfg.FallbackInterval(),
		ReadChunkSize:    cfg.Backend.ReadBufferBytes,
		Emitter:          svc.hub,
		Transcripts:      transcripts,
		TranscriptPrefix: cfg.Storage.Prefix,
		History:          history,
		MaxRetained:      cfg.Server.MaxRetainedSessions,
		IDs:              iduuid.New(),
		Clock:            system.New(),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init generation manager: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	svc.handler = api.NewServer(api.Options{
		Sessions:       svc.manager,
		History:        history,
		Ready:          ready,
		RequestTimeout: cfg.RequestTimeout(),
		APIKey:         apiKey,
		StartLimiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.Server.StartRPS,
			Burst: cfg.Server.StartBurst,
		}),
		Logger: logger,
	}).Handler()
	return svc, nil
}

func (s *service) openHistory(ctx context.Context, cfg config.Config) (store.GenerationRepository, api.ReadyCheck, error) {
	if cfg.Storage.History != config.HistoryPostgres {
		return memory.NewHistoryStore(), nil, nil
	}
	pg, err := postgres.NewHistoryStore(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}
	s.closers = append(s.closers, func() error { pg.Close(); return nil })
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return pg, pg.Ping, nil
}

func (s *service) openTranscripts(ctx context.Context, cfg config.Config) (store.BlobStore, error) {
	switch cfg.Storage.Transcripts {
	case config.TranscriptsLocal:
		bs, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local transcripts: %w", err)
		}
		return bs, nil
	case config.TranscriptsGCS:
		bs, closeFn, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Endpoint: cfg.Storage.GCSEndpoint})
		if err != nil {
			return nil, fmt.Errorf("open gcs transcripts: %w", err)
		}
		s.closers = append(s.closers, closeFn)
		return bs, nil
	default:
		return nil, nil
	}
}

func (s *service) openPublisher(ctx context.Context, cfg config.Config) (sinks.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, cfg.PubSub.TopicName)
	s.closers = append(s.closers, func() error {
		pub.Close()
		return client.Close()
	})
	return pub, nil
}

// close stops sessions first so their terminal events reach the hub, then
// drains the hub, then releases storage clients.
func (s *service) close(ctx context.Context) error {
	var errs []error
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.hub != nil {
		if err := s.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.runClosers())
	return errors.Join(errs...)
}

func (s *service) runClosers() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
