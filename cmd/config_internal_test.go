package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	*cliConfig = *newCLIConfig()
	t.Cleanup(func() {
		viper.Reset()
		*cliConfig = *newCLIConfig()
	})
}

func TestApplyIntDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("retries", 0, "")

	var applied int
	applyIntDefault(flags, "retries", 5, func(v int) {
		applied = v
	})
	if applied != 5 {
		t.Fatalf("expected setter to receive 5, got %d", applied)
	}

	// When flag already set, setter should not run.
	if err := flags.Set("retries", "7"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	applied = 0
	applyIntDefault(flags, "retries", 9, func(v int) {
		applied = v
	})
	if applied != 0 {
		t.Fatalf("setter should not run when flag overridden, got %d", applied)
	}
}

func TestApplyStringDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("backend-url", "", "")

	var applied string
	applyStringDefault(flags, "backend-url", "http://scanner:5000", func(v string) { applied = v })
	if applied != "http://scanner:5000" {
		t.Fatalf("expected default to apply, got %q", applied)
	}

	if err := flags.Set("backend-url", "http://cli:1"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	applied = ""
	applyStringDefault(flags, "backend-url", "http://scanner:5000", func(v string) { applied = v })
	if applied != "" {
		t.Fatalf("setter should not run when flag overridden, got %q", applied)
	}
}

func TestApplyDurationDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("connect-timeout", 0, "")

	var applied time.Duration
	applyDurationDefault(flags, "connect-timeout", 3*time.Second, func(v time.Duration) { applied = v })
	if applied != 3*time.Second {
		t.Fatalf("expected 3s, got %s", applied)
	}

	// Unknown flags behave as unset.
	applied = 0
	applyDurationDefault(flags, "missing", time.Second, func(v time.Duration) { applied = v })
	if applied != time.Second {
		t.Fatalf("expected default for unknown flag, got %s", applied)
	}
}

func TestNewCLIConfigDefaults(t *testing.T) {
	cfg := newCLIConfig()
	if cfg.Backend.BaseURL != consts.DefaultBackendURL {
		t.Fatalf("unexpected backend default: %s", cfg.Backend.BaseURL)
	}
	if cfg.Backend.ScanPath != consts.DefaultScanPath {
		t.Fatalf("unexpected scan path: %s", cfg.Backend.ScanPath)
	}
	if cfg.Backend.ConnectTimeout != consts.DefaultConnectTimeout {
		t.Fatalf("unexpected connect timeout: %s", cfg.Backend.ConnectTimeout)
	}
	if cfg.Backend.Retries != consts.DefaultConnectRetries {
		t.Fatalf("unexpected retries: %d", cfg.Backend.Retries)
	}
	if cfg.Backend.ChunkSize != consts.DefaultChunkSize {
		t.Fatalf("unexpected chunk size: %d", cfg.Backend.ChunkSize)
	}
	if !cfg.Scan.ProgressEnabled || cfg.Scan.JSON || cfg.Scan.RateLimit != 0 {
		t.Fatalf("unexpected scan defaults: %+v", cfg.Scan)
	}
	if cfg.Serve.Addr != defaultServeAddr || cfg.Serve.RateLimit != defaultServeRateLimit || cfg.Serve.RateBurst != defaultServeRateBurst {
		t.Fatalf("unexpected serve defaults: %+v", cfg.Serve)
	}
	if cfg.Telemetry.Endpoint != "" {
		t.Fatalf("expected telemetry disabled by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	resetConfig(t)

	viper.Set("backend.url", "http://scanner:5000")
	viper.Set("backend.connect_timeout", "3s")
	viper.Set("backend.retries", 5)
	viper.Set("scan.rate_limit", 0.5)
	viper.Set("scan.export_dir", "/tmp/lens")
	viper.Set("serve.cors_origins", []string{"https://app.example.com"})
	viper.Set("telemetry.otlp_endpoint", "collector:4317")

	overrides := loadConfigOverrides()

	if overrides.BackendURL == nil || *overrides.BackendURL != "http://scanner:5000" {
		t.Fatalf("expected backend url override, got %+v", overrides.BackendURL)
	}
	if overrides.ConnectTimeout == nil || *overrides.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected connect timeout override 3s, got %+v", overrides.ConnectTimeout)
	}
	if overrides.Retries == nil || *overrides.Retries != 5 {
		t.Fatalf("expected retries override 5, got %+v", overrides.Retries)
	}
	if overrides.ScanRateLimit == nil || *overrides.ScanRateLimit != 0.5 {
		t.Fatalf("expected scan rate override 0.5, got %+v", overrides.ScanRateLimit)
	}
	if overrides.ExportDir == nil || *overrides.ExportDir != "/tmp/lens" {
		t.Fatalf("expected export dir override, got %+v", overrides.ExportDir)
	}
	if len(overrides.CORSOrigins) != 1 || overrides.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("expected cors override, got %+v", overrides.CORSOrigins)
	}
	if overrides.OTLPEndpoint == nil || *overrides.OTLPEndpoint != "collector:4317" {
		t.Fatalf("expected otlp override, got %+v", overrides.OTLPEndpoint)
	}
	if overrides.ChunkSize != nil || overrides.AuthToken != nil {
		t.Fatalf("expected unset keys to stay nil, got %+v", overrides)
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	resetConfig(t)

	viper.Set("backend.url", "http://config:5000")
	viper.Set("backend.retries", 6)
	viper.Set("serve.auth_token", "from-config")

	testCmd := &cobra.Command{Use: "root"}
	testCmd.Flags().String("backend-url", "", "")
	testCmd.Flags().Int("retries", 0, "")
	testCmd.Flags().String("auth-token", "", "")
	if err := testCmd.Flags().Set("retries", "2"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	cliConfig.Backend.Retries = 2

	applyConfigDefaults(testCmd)

	if cliConfig.Backend.BaseURL != "http://config:5000" {
		t.Fatalf("expected backend url from config, got %s", cliConfig.Backend.BaseURL)
	}
	if cliConfig.Backend.Retries != 2 {
		t.Fatalf("expected explicit flag to win, got %d", cliConfig.Backend.Retries)
	}
	if cliConfig.Serve.AuthToken != "from-config" {
		t.Fatalf("expected auth token from config, got %q", cliConfig.Serve.AuthToken)
	}
}

func TestInitViperReadsFileAndEnv(t *testing.T) {
	resetConfig(t)

	path := filepath.Join(t.TempDir(), "lens.yaml")
	content := "backend:\n  url: http://file:5000\n  chunk_size: 1024\n"
	if err := os.WriteFile(path, []byte(content), consts.DefaultFilePerm); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("LENS_BACKEND_URL", "http://env:5000")

	if err := initViper(path); err != nil {
		t.Fatalf("initViper: %v", err)
	}
	applyConfigDefaults(&cobra.Command{Use: "root"})

	if cliConfig.Backend.BaseURL != "http://env:5000" {
		t.Fatalf("expected environment to override the file, got %s", cliConfig.Backend.BaseURL)
	}
	if cliConfig.Backend.ChunkSize != 1024 {
		t.Fatalf("expected chunk size from file, got %d", cliConfig.Backend.ChunkSize)
	}
}

func TestInitViperMissingExplicitFile(t *testing.T) {
	resetConfig(t)

	if err := initViper(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}
