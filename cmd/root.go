package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/khanhnv2901/arachne-lens/internal/shared/telemetry"
)

// AppContext carries the per-invocation runtime shared by subcommands.
type AppContext struct {
	Logger    *zap.Logger
	Config    *CLIConfig
	Telemetry *telemetry.Providers
}

var (
	cfgFile          string
	verbose          bool
	globalAppContext *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "lens",
	Short: "Watch website scans stream in from the Arachne scanning backend",
	Long: `lens starts crawl-and-audit scans on the scanning backend and follows their
newline-delimited progress stream until a result arrives. Results can be printed,
exported as CSV, or relayed to browsers with "lens serve".`,
	SilenceUsage:       true,
	PersistentPreRunE:  initRuntime,
	PersistentPostRunE: shutdownRuntime,
}

func initRuntime(cmd *cobra.Command, args []string) error {
	if err := initViper(cfgFile); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	applyConfigDefaults(cmd)

	logger, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	providers, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    "arachne-lens",
		ServiceVersion: Version,
		Endpoint:       cliConfig.Telemetry.Endpoint,
		Insecure:       cliConfig.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}

	storeAppContext(cmd, &AppContext{
		Logger:    logger,
		Config:    cliConfig,
		Telemetry: providers,
	})

	logger.Debug("runtime initialised",
		zap.String("backend", cliConfig.Backend.BaseURL),
		zap.String("config_file", viper.ConfigFileUsed()),
		zap.Bool("telemetry", cliConfig.Telemetry.Endpoint != ""))
	return nil
}

func shutdownRuntime(cmd *cobra.Command, args []string) error {
	appCtx := globalAppContext
	if appCtx == nil {
		return nil
	}
	if appCtx.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := appCtx.Telemetry.Shutdown(ctx); err != nil {
			appCtx.Logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on terminals (ENOTTY); nothing useful to do about it.
	_ = appCtx.Logger.Sync()
	return nil
}

// newLogger builds the production JSON logger, or the human-readable development
// logger when verbose is set.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func storeAppContext(cmd *cobra.Command, appCtx *AppContext) {
	globalAppContext = appCtx
}

// getAppContext returns the runtime prepared by initRuntime. Commands run directly in
// tests fall back to defaults with a no-op logger.
func getAppContext(cmd *cobra.Command) *AppContext {
	if globalAppContext != nil {
		return globalAppContext
	}
	return &AppContext{Logger: zap.NewNop(), Config: cliConfig}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorError("Error:"), err)
		os.Exit(exitCode(err))
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+configFileName+".yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose development logging")

	flags.StringVar(&cliConfig.Backend.BaseURL, "backend-url", cliConfig.Backend.BaseURL, "base URL of the scanning backend")
	flags.DurationVar(&cliConfig.Backend.ConnectTimeout, "connect-timeout", cliConfig.Backend.ConnectTimeout, "time allowed to connect and receive response headers (the stream itself is unbounded)")
	flags.IntVar(&cliConfig.Backend.Retries, "retries", cliConfig.Backend.Retries, "connection attempts before giving up")
	flags.IntVar(&cliConfig.Backend.ChunkSize, "chunk-size", cliConfig.Backend.ChunkSize, "read buffer size for the response stream")
	flags.StringVar(&cliConfig.Telemetry.Endpoint, "otlp-endpoint", cliConfig.Telemetry.Endpoint, "OTLP gRPC endpoint for traces and metrics (empty = disabled)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
}
