package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/backend"
)

const (
	envPrefix              = "LENS"
	configFileName         = ".arachne-lens"
	defaultServeAddr       = "127.0.0.1:8080"
	defaultServeRateLimit  = 10
	defaultServeRateBurst  = 20
	defaultShutdownTimeout = 30 * time.Second
)

// CLIConfig captures runtime configuration shared across commands.
type CLIConfig struct {
	Backend   backend.Config
	Scan      ScanRuntimeConfig
	Serve     ServeRuntimeConfig
	Telemetry TelemetryConfig
}

// ScanRuntimeConfig consolidates flag-driven settings for the scan command.
type ScanRuntimeConfig struct {
	RateLimit       float64 // scan starts per second, 0 = unpaced
	ExportDir       string
	JSON            bool
	ProgressEnabled bool
}

// ServeRuntimeConfig holds relay server settings.
type ServeRuntimeConfig struct {
	Addr            string
	AuthToken       string
	CORSOrigins     []string
	RateLimit       int
	RateBurst       int
	ShutdownTimeout time.Duration
	HistorySize     int
	HistoryDir      string // empty = in-memory history only
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string
	Insecure bool
}

type configOverrides struct {
	BackendURL     *string
	ScanPath       *string
	ConnectTimeout *time.Duration
	Retries        *int
	ChunkSize      *int
	UserAgent      *string
	ScanRateLimit  *float64
	ExportDir      *string
	ServeAddr      *string
	AuthToken      *string
	CORSOrigins    []string
	ServeRateLimit *int
	ServeRateBurst *int
	HistoryDir     *string
	OTLPEndpoint   *string
	OTLPInsecure   *bool
}

var cliConfig = newCLIConfig()

func newCLIConfig() *CLIConfig {
	return &CLIConfig{
		Backend: backend.DefaultConfig(),
		Scan: ScanRuntimeConfig{
			RateLimit:       0,
			ProgressEnabled: true,
		},
		Serve: ServeRuntimeConfig{
			Addr:            defaultServeAddr,
			CORSOrigins:     []string{},
			RateLimit:       defaultServeRateLimit,
			RateBurst:       defaultServeRateBurst,
			ShutdownTimeout: defaultShutdownTimeout,
			HistorySize:     100,
		},
		Telemetry: TelemetryConfig{Insecure: true},
	}
}

// initViper points viper at the config file and the LENS_ environment. Keys map to
// variables with dots replaced by underscores, e.g. backend.url -> LENS_BACKEND_URL.
func initViper(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func lookupString(key string) *string {
	if !viper.IsSet(key) {
		return nil
	}
	val := viper.GetString(key)
	return &val
}

func lookupInt(key string) *int {
	if !viper.IsSet(key) {
		return nil
	}
	val := viper.GetInt(key)
	return &val
}

func loadConfigOverrides() configOverrides {
	overrides := configOverrides{
		BackendURL:     lookupString("backend.url"),
		ScanPath:       lookupString("backend.scan_path"),
		Retries:        lookupInt("backend.retries"),
		ChunkSize:      lookupInt("backend.chunk_size"),
		UserAgent:      lookupString("backend.user_agent"),
		ExportDir:      lookupString("scan.export_dir"),
		ServeAddr:      lookupString("serve.addr"),
		AuthToken:      lookupString("serve.auth_token"),
		ServeRateLimit: lookupInt("serve.rate_limit"),
		ServeRateBurst: lookupInt("serve.rate_burst"),
		HistoryDir:     lookupString("serve.history_dir"),
		OTLPEndpoint:   lookupString("telemetry.otlp_endpoint"),
	}

	if viper.IsSet("backend.connect_timeout") {
		val := viper.GetDuration("backend.connect_timeout")
		overrides.ConnectTimeout = &val
	}

	if viper.IsSet("scan.rate_limit") {
		val := viper.GetFloat64("scan.rate_limit")
		overrides.ScanRateLimit = &val
	}

	if viper.IsSet("serve.cors_origins") {
		overrides.CORSOrigins = viper.GetStringSlice("serve.cors_origins")
	}

	if viper.IsSet("telemetry.insecure") {
		val := viper.GetBool("telemetry.insecure")
		overrides.OTLPInsecure = &val
	}

	return overrides
}

// applyConfigDefaults merges config file and environment values into the runtime config
// when the user did not explicitly set the corresponding flag.
func applyConfigDefaults(cmd *cobra.Command) {
	overrides := loadConfigOverrides()
	flags := cmd.Flags()

	if overrides.BackendURL != nil {
		applyStringDefault(flags, "backend-url", *overrides.BackendURL, func(v string) { cliConfig.Backend.BaseURL = v })
	}
	if overrides.ScanPath != nil {
		cliConfig.Backend.ScanPath = *overrides.ScanPath
	}
	if overrides.ConnectTimeout != nil {
		applyDurationDefault(flags, "connect-timeout", *overrides.ConnectTimeout, func(v time.Duration) { cliConfig.Backend.ConnectTimeout = v })
	}
	if overrides.Retries != nil {
		applyIntDefault(flags, "retries", *overrides.Retries, func(v int) { cliConfig.Backend.Retries = v })
	}
	if overrides.ChunkSize != nil {
		applyIntDefault(flags, "chunk-size", *overrides.ChunkSize, func(v int) { cliConfig.Backend.ChunkSize = v })
	}
	if overrides.UserAgent != nil {
		cliConfig.Backend.UserAgent = *overrides.UserAgent
	}

	if overrides.ScanRateLimit != nil {
		applyFloatDefault(flags, "scan-rate", *overrides.ScanRateLimit, func(v float64) { cliConfig.Scan.RateLimit = v })
	}
	if overrides.ExportDir != nil {
		applyStringDefault(flags, "export-dir", *overrides.ExportDir, func(v string) { cliConfig.Scan.ExportDir = v })
	}

	if overrides.ServeAddr != nil {
		applyStringDefault(flags, "addr", *overrides.ServeAddr, func(v string) { cliConfig.Serve.Addr = v })
	}
	if overrides.AuthToken != nil {
		applyStringDefault(flags, "auth-token", *overrides.AuthToken, func(v string) { cliConfig.Serve.AuthToken = v })
	}
	if overrides.CORSOrigins != nil {
		if flag := flags.Lookup("cors-origins"); flag == nil || !flag.Changed {
			cliConfig.Serve.CORSOrigins = overrides.CORSOrigins
		}
	}
	if overrides.ServeRateLimit != nil {
		applyIntDefault(flags, "rate-limit", *overrides.ServeRateLimit, func(v int) { cliConfig.Serve.RateLimit = v })
	}
	if overrides.ServeRateBurst != nil {
		applyIntDefault(flags, "rate-burst", *overrides.ServeRateBurst, func(v int) { cliConfig.Serve.RateBurst = v })
	}

	if overrides.HistoryDir != nil {
		applyStringDefault(flags, "history-dir", *overrides.HistoryDir, func(v string) { cliConfig.Serve.HistoryDir = v })
	}

	if overrides.OTLPEndpoint != nil {
		applyStringDefault(flags, "otlp-endpoint", *overrides.OTLPEndpoint, func(v string) { cliConfig.Telemetry.Endpoint = v })
	}
	if overrides.OTLPInsecure != nil {
		cliConfig.Telemetry.Insecure = *overrides.OTLPInsecure
	}
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	flag := flags.Lookup(name)
	return flag != nil && flag.Changed
}

func applyIntDefault(flags *pflag.FlagSet, name string, value int, setter func(int)) {
	if flags == nil || setter == nil || flagChanged(flags, name) {
		return
	}
	setter(value)
}

func applyFloatDefault(flags *pflag.FlagSet, name string, value float64, setter func(float64)) {
	if flags == nil || setter == nil || flagChanged(flags, name) {
		return
	}
	setter(value)
}

func applyStringDefault(flags *pflag.FlagSet, name, value string, setter func(string)) {
	if flags == nil || setter == nil || flagChanged(flags, name) {
		return
	}
	setter(value)
}

func applyDurationDefault(flags *pflag.FlagSet, name string, value time.Duration, setter func(time.Duration)) {
	if flags == nil || setter == nil || flagChanged(flags, name) {
		return
	}
	setter(value)
}
