package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/privypress/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage PrivyPress configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// renderConfig writes the resolved configuration to w with keys masked (testable).
func renderConfig(w io.Writer, cfg *config.Config) {
	exists := ""
	if dirExists(cfg.DataDir) {
		exists = " (exists)"
	}
	rulesDir := cfg.RulesDir
	if rulesDir == "" {
		rulesDir = "(built-in)"
	}
	keySource := "explicit"
	if cfg.UsingDefaultKeys() {
		keySource = "derived default"
	}
	fmt.Fprintf(w, "Data directory:   %s%s\n", cfg.DataDir, exists)
	fmt.Fprintf(w, "Rules directory:  %s (watch: %t)\n", rulesDir, cfg.WatchRules)
	fmt.Fprintf(w, "Signing key:      %s (%s)\n", mask(cfg.SigningKey), keySource)
	fmt.Fprintf(w, "Artifact key:     %s\n", mask(cfg.ArtifactKey))
	fmt.Fprintf(w, "Default profile:  %s\n", cfg.DefaultProfile)
	fmt.Fprintf(w, "Policy evaluator: %s (timeout %s)\n", cfg.Policy.Kind, cfg.PolicyTimeout)
	if cfg.Policy.Path != "" {
		fmt.Fprintf(w, "Policy module:    %s\n", cfg.Policy.Path)
	}
	if cfg.Policy.OPAURL != "" {
		fmt.Fprintf(w, "OPA URL:          %s\n", cfg.Policy.OPAURL)
	}
	switch cfg.Store {
	case config.StoreRedis:
		fmt.Fprintf(w, "Job store:        redis %s (namespace %s)\n", cfg.RedisAddr, cfg.RedisNamespace)
	default:
		fmt.Fprintf(w, "Job store:        sqlite %s\n", cfg.JobsDBPath())
	}
	fmt.Fprintf(w, "Upload limit:     %d MB, %d/min per client\n", cfg.MaxUploadMB, cfg.UploadRPM)
	fmt.Fprintf(w, "Retention:        %d day(s), schedule %q\n", cfg.RetentionDays, cfg.RetentionSchedule)
	fmt.Fprintf(w, "API keys:         %d configured\n", len(cfg.APIKeys))
}

func mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 8)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
