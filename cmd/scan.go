package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/arachne-lens/internal/application"
	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/export"
)

var scanCmd = &cobra.Command{
	Use:   "scan URL [URL...]",
	Short: "Scan one or more websites and follow their progress",
	Long: `Start a scan for each URL in turn and follow the backend's progress stream.
Targets run one after another; --scan-rate paces how quickly the next one starts.
The command exits non-zero if any scan ends failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	appCtx := getAppContext(cmd)
	cfg := appCtx.Config.Scan
	out := cmd.OutOrStdout()

	// Reject bad input before touching the network.
	targets := make([]string, 0, len(args))
	for _, arg := range args {
		req, err := scan.NewScanRequest(arg)
		if err != nil {
			return fmt.Errorf("%q: %w", arg, err)
		}
		targets = append(targets, req.URL)
	}

	container, err := application.NewContainer(appCtx.Config.Backend, appCtx.Logger, appCtx.Telemetry)
	if err != nil {
		return err
	}
	defer container.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	var failed, finished int
	for _, target := range targets {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		session, err := runOne(ctx, container, target, cfg, out)
		if session.Status == scan.StatusIdle {
			// Never started.
			return err
		}
		finished++
		if session.Status == scan.StatusFailed {
			failed++
		}

		if cfg.ExportDir != "" && session.HasResult() {
			paths, exportErr := export.WriteSession(cfg.ExportDir, session)
			if exportErr != nil {
				return fmt.Errorf("export results for %s: %w", target, exportErr)
			}
			if !cfg.JSON {
				for _, p := range paths {
					fmt.Fprintf(out, "%s Exported %s\n", colorInfo("→"), p)
				}
			}
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			appCtx.Logger.Info("scan run interrupted", zap.Int("remaining", len(targets)-finished))
			break
		}
	}

	if failed > 0 || finished < len(targets) {
		return &ScanFailedError{Failed: failed + len(targets) - finished, Total: len(targets)}
	}
	return nil
}

// runOne runs a single session to completion, rendering progress while it streams.
func runOne(ctx context.Context, container *application.Container, target string, cfg ScanRuntimeConfig, out io.Writer) (scan.Session, error) {
	showProgress := cfg.ProgressEnabled && !cfg.JSON
	if !cfg.JSON {
		fmt.Fprintf(out, "%s Scanning %s\n", colorInfo("→"), target)
	}

	started, err := container.Scans.StartScan(ctx, target)
	if err != nil {
		return container.Scans.Snapshot(), err
	}

	var (
		printer     *progressPrinter
		unsubscribe = func() {}
	)
	if showProgress {
		printer = newProgressPrinter(out, hostLabel(target))
		printer.Update(started)
		var sessions <-chan scan.Session
		sessions, unsubscribe = container.Scans.Subscribe()
		printer.Follow(sessions)
		printer.Start()
	}

	session, err := container.Scans.Wait(ctx)
	if err != nil {
		_ = container.Scans.CancelScan()
		session = container.Scans.Snapshot()
	}
	unsubscribe()
	if printer != nil {
		printer.Finish(session)
	}

	if cfg.JSON {
		if encErr := json.NewEncoder(out).Encode(session); encErr != nil {
			return session, encErr
		}
	} else if session.Status != scan.StatusIdle {
		printSessionSummary(out, session)
	}
	return session, err
}

func hostLabel(target string) string {
	return strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")
}

func printSessionSummary(out io.Writer, s scan.Session) {
	fmt.Fprintf(out, "Status: %s", formatStatusWithColor(s.Status))
	if s.Status == scan.StatusFailed {
		fmt.Fprintf(out, " (%s: %s)", s.ErrorKind, s.ErrorMessage)
	}
	fmt.Fprintf(out, "  Progress: %.1f%%", s.ProgressPercent)
	if s.ParseFailures > 0 {
		fmt.Fprintf(out, "  Skipped records: %s", colorWarn(fmt.Sprint(s.ParseFailures)))
	}
	fmt.Fprintln(out)

	if s.Result == nil {
		return
	}

	fmt.Fprintf(out, "\nBroken links (%d)\n", len(s.Result.BrokenLinks))
	for _, l := range s.Result.BrokenLinks {
		fmt.Fprintf(out, "  %s %s", colorError(fmt.Sprint(l.Status)), l.URL)
		if l.SourceText != "" {
			fmt.Fprintf(out, "  %q", l.SourceText)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "\nSensitive information (%d)\n", len(s.Result.SensitiveInfo))
	for _, f := range s.Result.SensitiveInfo {
		fmt.Fprintf(out, "  [%s] %s: %s\n", formatSeverityWithColor(f.Severity), f.Category, f.Finding)
		if f.URL != "" {
			fmt.Fprintf(out, "      at %s", f.URL)
			if f.Line != "" {
				fmt.Fprintf(out, " line %s", f.Line)
			}
			fmt.Fprintln(out)
		}
	}
}

func init() {
	scanCmd.Flags().Float64Var(&cliConfig.Scan.RateLimit, "scan-rate", cliConfig.Scan.RateLimit, "scan starts per second for multiple targets (0 = no pacing)")
	scanCmd.Flags().StringVar(&cliConfig.Scan.ExportDir, "export-dir", cliConfig.Scan.ExportDir, "write broken_links.csv and sensitive_info.csv under this directory")
	scanCmd.Flags().BoolVar(&cliConfig.Scan.JSON, "json", cliConfig.Scan.JSON, "print each final session as a JSON line")
	scanCmd.Flags().BoolVar(&cliConfig.Scan.ProgressEnabled, "progress", cliConfig.Scan.ProgressEnabled, "show a live progress line")
}
