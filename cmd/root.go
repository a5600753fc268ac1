// Package cmd defines and implements the CLI commands for the cartescolaire executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/app"
	"github.com/JakeFAU/cartescolaire/internal/config"
	"github.com/JakeFAU/cartescolaire/internal/logging"
	"github.com/JakeFAU/cartescolaire/internal/search"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetSearcher() search.Searcher
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(_ context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "cartescolaire",
		Short: "Student record lookups against the CarteScolaire portal.",
		Long: `cartescolaire queries the CarteScolaire portal for student records.
It acquires and caches the portal's CSRF token, retries transient failures
behind a circuit breaker, and scrapes the results page into structured records.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application after flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Cobra skips this hook when RunE fails; run closes the app then.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			closeApp(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the CARTESCOLAIRE_ prefix")

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func closeApp(cmd *cobra.Command) {
	if cmd == nil || cmd.Context() == nil {
		return
	}
	if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
		appInstance.Close()
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// run executes the root command with args and reports any error on stderr.
// It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if c, err := root.ExecuteContextC(ctx); err != nil {
		closeApp(c)
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
