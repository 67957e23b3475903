// Package cmd defines the CLI commands of the nginx-cache-preloader
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/config"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/logging"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// noApp marks commands that run without building the application.
const noApp = "no-app"

// App is what the subcommands need from the application.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	StartPreload(ctx context.Context, req coordinator.PreloadRequest) (coordinator.RunInfo, error)
	PreloadURL(ctx context.Context, rawURL string) (coordinator.URLResult, error)
	StartPurge(ctx context.Context, req coordinator.PurgeRequest) (coordinator.PurgeReport, error)
	WaitIdle(ctx context.Context, kind crawler.Kind, interval time.Duration, report func(progress.RunState)) error
	Snapshot(kind crawler.Kind) progress.RunState
	Entries(ctx context.Context) iter.Seq2[cachekey.CacheEntry, error]
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// newRootCmd builds the command tree. The returned func closes the
// application if a command built one; it runs whether or not the command
// succeeded.
func newRootCmd() (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile string
		built   App
	)
	cmd := &cobra.Command{
		Use:   "nginx-cache-preloader",
		Short: "Keeps an nginx FastCGI cache warm.",
		Long: `nginx-cache-preloader crawls a site to fill its nginx FastCGI cache,
purges cache files by URL, file or pattern, and serves both operations over
an HTTP API with progress polling.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, skip := cmd.Annotations[noApp]; skip {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); NCP_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newPreloadCmd(),
		newPurgeCmd(),
		newEntriesCmd(),
		newDetectCmd(),
	)

	closeApp := func(ctx context.Context) error {
		if built == nil {
			return nil
		}
		return built.Close(ctx)
	}
	return cmd, closeApp
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, closeApp := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	err = multierr.Append(err, closeApp(context.WithoutCancel(ctx)))
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	logger, logErr := logging.New(false, "info")
	if logErr != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.Error("command execution failed", zap.Error(err))
	_ = logger.Sync()
	return 1
}
