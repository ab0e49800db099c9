package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/videre-progress/internal/clock/system"
	"github.com/JakeFAU/videre-progress/internal/config"
	"github.com/JakeFAU/videre-progress/internal/generation"
	iduuid "github.com/JakeFAU/videre-progress/internal/id/uuid"
	"github.com/JakeFAU/videre-progress/internal/progress"
	"github.com/JakeFAU/videre-progress/internal/progress/sinks"
	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/JakeFAU/videre-progress/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	exitFailed   = 1
	exitCanceled = 130
	drainTimeout = 5 * time.Second
)

type trackOptions struct {
	endpoint   string
	noFallback bool
	timeout    time.Duration
}

// newTrackCmd creates the 'track' subcommand.
func newTrackCmd() *cobra.Command {
	var opts trackOptions
	cmd := &cobra.Command{
		Use:   "track <topic>",
		Short: "Start a generation and print progress until it ends",
		Long: `Starts a video generation for the topic, prints the stage status after
every change, and finally prints the video URL. Exits 1 with the reason when
the generation fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(cmd, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "override backend.endpoint")
	cmd.Flags().BoolVar(&opts.noFallback, "no-fallback", false, "disable synthetic progress between events")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "override backend.timeout_seconds (0 keeps the configured value)")
	return cmd
}

func runTrack(cmd *cobra.Command, topic string, opts trackOptions) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := app.Config
	if opts.endpoint != "" {
		cfg.Backend.Endpoint = opts.endpoint
	}
	if opts.noFallback {
		cfg.Fallback.Enabled = false
	}
	timeout := cfg.BackendTimeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	client, err := transport.New(transport.Config{Endpoint: cfg.Backend.Endpoint, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("init backend client: %w", err)
	}
	return track(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), client, cfg, app.Logger, topic)
}

// track runs one session to its end and renders it to out.
func track(
	ctx context.Context,
	out, errOut io.Writer,
	opener generation.Opener,
	cfg config.Config,
	logger *zap.Logger,
	topic string,
) error {
	pipeline, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger))
	mgr, err := generation.NewManager(opener, generation.Config{
		Pipeline:         pipeline,
		Decoder:          cfg.Decoder(),
		ResultField:      cfg.Tracker.ResultField,
		FallbackInterval: cfg.FallbackInterval(),
		ReadChunkSize:    cfg.Backend.ReadBufferBytes,
		Emitter:          hub,
		MaxRetained:      1,
		IDs:              iduuid.New(),
		Clock:            system.New(),
		Logger:           logger,
	})
	if err != nil {
		return errors.Join(err, hub.Close(context.Background()))
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := mgr.Close(drainCtx); err != nil {
			logger.Warn("close generation manager", zap.Error(err))
		}
		if err := hub.Close(drainCtx); err != nil {
			logger.Warn("close progress hub", zap.Error(err))
		}
	}()

	printer := &statusPrinter{w: out}
	sess, err := mgr.Start(generation.NewContext(topic), tracker.ObserverFuncs{OnStatusChange: printer.print})
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}

	outcome, err := sess.Wait(ctx)
	if err != nil {
		sess.Cancel()
		fmt.Fprintln(errOut, "tracking canceled")
		return &exitError{code: exitCanceled, err: err}
	}
	if !outcome.Success {
		fmt.Fprintf(errOut, "generation failed: %s\n", outcome.Reason)
		return &exitError{code: exitFailed, err: fmt.Errorf("generation failed: %s", outcome.Reason)}
	}
	fmt.Fprintln(out, outcome.Result)
	return nil
}

// statusPrinter writes one line per status change. Calls arrive from the
// session goroutine only.
type statusPrinter struct {
	w io.Writer
}

func (p *statusPrinter) print(v tracker.StatusVector) {
	label := "all stages completed"
	if i := v.Processing(); i >= 0 {
		label = v[i].Label
	}
	fmt.Fprintf(p.w, "[%3d%%] %s\n", v.Percent(), label)
}
