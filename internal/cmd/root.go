// Package cmd implements the privypress command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/privypress/internal/otel"
)

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitBlocked = 2 // scan finished but the policy denied release
)

// resolvedVersion returns Version unless it is "dev" and Go build info
// contains a real module version (e.g. from go install ...@v0.2.0).
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

var tracer = otel.Tracer("github.com/dativo-io/privypress/internal/cmd")

var (
	otelShutdown func(context.Context) error

	// Version info injected via ldflags at build time
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool

	// configErr is set by initConfig when a config file exists but cannot
	// be parsed. A missing file is not an error.
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "privypress",
	Short: "Policy-gated document sanitization",
	Long: `PrivyPress finds sensitive content in documents, redacts it and releases
the sanitized PDF only when a policy decision allows it.

Detection is literal keywords and regular expressions located on the page.
Every job keeps a signed manifest of what was found and the decision taken;
if the policy evaluator fails or times out the document is blocked.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(viper.GetString("log_level"), viper.GetString("log_format"), verbose)
		if configErr != nil {
			return configErr
		}
		if used := viper.ConfigFileUsed(); used != "" {
			log.Debug().Str("config_file", used).Msg("config_loaded")
		}

		otelEnabled := otelFlag || verbose || viper.GetBool("otel_enabled")
		shutdown, err := otel.Setup("privypress", resolvedVersion(), otelEnabled, os.Stderr)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

// setupLogging configures the global zerolog logger. Logs go to stderr so
// stdout stays clean for piping (e.g. privypress jobs get <id> | jq).
func setupLogging(level, format string, debugMode bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debugMode {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "privypress").Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Logger()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./privypress.config.yaml or ~/.privypress/privypress.config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging and telemetry")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error); env PRIVYPRESS_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json); env PRIVYPRESS_LOG_FORMAT")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stderr); env PRIVYPRESS_OTEL_ENABLED")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	configErr = readConfig(viper.GetViper(), cfgFile)
}

// readConfig loads file, or privypress.config.yaml from ~/.privypress and
// the working directory when file is empty.
func readConfig(v *viper.Viper, file string) error {
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("config file %s not found", file)
		}
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".privypress"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("privypress.config")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil, errors.As(err, &notFound):
		return nil
	default:
		return fmt.Errorf("reading config: %w", err)
	}
}

// Execute runs the root command and flushes telemetry on exit.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errBlocked):
		return ExitBlocked
	default:
		return ExitError
	}
}
