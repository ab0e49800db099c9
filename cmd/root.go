// Package cmd defines the videre CLI: track follows one generation from the
// terminal, serve runs the HTTP relay.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/videre-progress/internal/config"
	"github.com/JakeFAU/videre-progress/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App carries what every subcommand needs.
type App struct {
	Config config.Config
	Logger *zap.Logger
}

type rootOptions struct {
	cfgFile string
	verbose bool
}

// exitError ends the process with code after the command printed its own message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// newApp is the application factory. It's a variable so tests can inject
// a logger that records output.
var newApp = func(opts rootOptions, cmd *cobra.Command) (*App, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logOpts := []logging.Option{logging.WithOutput("stderr")}
	if cmd.Name() == "track" && !opts.verbose {
		logOpts = append(logOpts, logging.WithLevel(zapcore.WarnLevel))
	}
	logger, err := logging.New(cfg.Logging.Development, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &App{Config: cfg, Logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "videre",
		Short: "Track streaming video generation progress.",
		Long: `videre follows a video generation backend's event stream and turns it
into per-stage progress. Use "track" from a terminal or "serve" to relay
sessions over HTTP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(opts, cmd)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(app.Logger)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*App); ok && app != nil {
				_ = app.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); VIDERE_* environment variables override it")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log diagnostics while tracking")

	cmd.AddCommand(newTrackCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
