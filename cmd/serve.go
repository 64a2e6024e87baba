package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/khanhnv2901/arachne-lens/internal/api"
	"github.com/khanhnv2901/arachne-lens/internal/application"
	jsonstore "github.com/khanhnv2901/arachne-lens/internal/infrastructure/persistence/json"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Relay scan sessions to browsers over HTTP",
	Long: `Run the relay server. Browsers start and cancel scans through the REST API and
follow the live session over server-sent events or a websocket.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	appCtx := getAppContext(cmd)
	cfg := appCtx.Config.Serve

	// The relay logs every request, so it always logs at info level or lower.
	logger := appCtx.Logger
	if !verbose {
		l, err := newServerLogger()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
		defer func() { _ = logger.Sync() }()
	}

	container, err := application.NewContainer(appCtx.Config.Backend, logger, appCtx.Telemetry)
	if err != nil {
		return err
	}
	defer container.Close()

	history := api.NewSessionHistory()
	history.SetMaxSessions(cfg.HistorySize)
	if cfg.HistoryDir != "" {
		repo, err := jsonstore.NewSessionRepository(cfg.HistoryDir)
		if err != nil {
			return err
		}
		if err := history.UseRepository(cmd.Context(), repo, logger.Named("history")); err != nil {
			return fmt.Errorf("failed to load session history: %w", err)
		}
	}
	container.Scans.OnFinish(history.Record)

	server := api.NewServer(api.Config{
		Scans:       container.Scans,
		History:     history,
		AuthToken:   cfg.AuthToken,
		Logger:      logger.Named("api"),
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	// Streams hold their request open until the client leaves; cancelling the base
	// context on shutdown ends them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(server, "lens.relay"),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No ReadTimeout or WriteTimeout: both would cut live session streams.
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	// Channel to listen for errors from the server
	serverErrors := make(chan error, 1)

	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Relay listening on %s (backend: %s)\n", colorInfo("→"), cfg.Addr, container.Backend.Endpoint())
		fmt.Fprintf(cmd.OutOrStdout(), "%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s Received signal %v, initiating graceful shutdown...\n", colorInfo("→"), sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		container.Close()
		cancelStreams()
		if err := httpServer.Shutdown(ctx); err != nil {
			// Force close if graceful shutdown fails
			if closeErr := httpServer.Close(); closeErr != nil {
				return fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
			}
			return fmt.Errorf("failed to gracefully shutdown server: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Server shutdown complete\n", colorSuccess("✓"))
	}

	return nil
}

func newServerLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&cliConfig.Serve.Addr, "addr", cliConfig.Serve.Addr, "Address for the relay server")
	flags.StringVar(&cliConfig.Serve.AuthToken, "auth-token", cliConfig.Serve.AuthToken, "Optional shared secret for API requests")
	flags.DurationVar(&cliConfig.Serve.ShutdownTimeout, "shutdown-timeout", cliConfig.Serve.ShutdownTimeout, "Graceful shutdown timeout")
	flags.StringSliceVar(&cliConfig.Serve.CORSOrigins, "cors-origins", cliConfig.Serve.CORSOrigins, "Allowed CORS and websocket origins (empty = allow all)")
	flags.IntVar(&cliConfig.Serve.RateLimit, "rate-limit", cliConfig.Serve.RateLimit, "Rate limit per IP (requests/second, 0 = disabled)")
	flags.IntVar(&cliConfig.Serve.RateBurst, "rate-burst", cliConfig.Serve.RateBurst, "Rate limit burst size")
	flags.IntVar(&cliConfig.Serve.HistorySize, "history-size", cliConfig.Serve.HistorySize, "Finished sessions kept in memory for the history endpoints")
	flags.StringVar(&cliConfig.Serve.HistoryDir, "history-dir", cliConfig.Serve.HistoryDir, "Persist finished sessions as JSON files in this directory")
}
