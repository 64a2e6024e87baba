package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/backend"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the effective configuration",
	Long: `Display the configuration lens will use, including:
  - Backend endpoint and connection settings
  - Export directory
  - Relay server settings
  - Configuration file location`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		cfg := appCtx.Config

		client, err := backend.NewClient(cfg.Backend, appCtx.Logger)
		if err != nil {
			return fmt.Errorf("invalid backend configuration: %w", err)
		}

		configFile := viper.ConfigFileUsed()
		configState := "✓ (loaded)"
		if configFile == "" {
			configState = "✗ (using defaults)"
			if home, err := os.UserHomeDir(); err == nil {
				configFile = filepath.Join(home, configFileName+".yaml")
			}
		}

		exportDir := cfg.Scan.ExportDir
		if exportDir == "" {
			exportDir = "(disabled)"
		}
		telemetryEndpoint := cfg.Telemetry.Endpoint
		if telemetryEndpoint == "" {
			telemetryEndpoint = "(disabled)"
		}

		// Get output writer (for testing support)
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Arachne Lens Information")
		fmt.Fprintln(out, "========================")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Platform:          %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "Version:           %s\n", Version)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Backend:")
		fmt.Fprintf(out, "  Scan Endpoint:      %s\n", client.Endpoint())
		fmt.Fprintf(out, "  Connect Timeout:    %s\n", cfg.Backend.ConnectTimeout)
		fmt.Fprintf(out, "  Connect Attempts:   %d\n", cfg.Backend.Retries)
		fmt.Fprintf(out, "  Chunk Size:         %d\n", cfg.Backend.ChunkSize)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Export Directory:     %s\n", exportDir)
		fmt.Fprintf(out, "Relay Address:        %s\n", cfg.Serve.Addr)
		fmt.Fprintf(out, "Telemetry Endpoint:   %s\n", telemetryEndpoint)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Configuration File:   %s %s\n", configFile, configState)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Every key can also be set through the environment, e.g.")
		fmt.Fprintln(out, "  LENS_BACKEND_URL=http://scanner:5000")

		return nil
	},
}
