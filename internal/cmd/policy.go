package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/manifest"
)

var (
	policyEvalProfile string
	policyEvalPath    string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Evaluate release policies",
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval <manifest.json>",
	Short: "Evaluate a manifest under a policy profile",
	Long: `Reads a manifest, or a job record containing one, and prints the decision
the configured evaluator returns. Evaluation failures print the fail-closed deny.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "policy.eval")
		defer span.End()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if policyEvalPath != "" {
			cfg.Policy.Path = policyEvalPath
		}
		profile := cfg.DefaultProfile
		if policyEvalProfile != "" {
			profile = policyEvalProfile
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		m, err := readManifest(raw)
		if err != nil {
			return err
		}

		adapter, err := newAdapter(ctx, cfg)
		if err != nil {
			return err
		}
		d := adapter.Evaluate(ctx, m, profile)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

func init() {
	policyEvalCmd.Flags().StringVarP(&policyEvalProfile, "profile", "p", "", "policy profile (default: default_profile from config)")
	policyEvalCmd.Flags().StringVar(&policyEvalPath, "policy", "", "Rego module to evaluate (default: policy_path from config or the bundled policy)")
	policyCmd.AddCommand(policyEvalCmd)
	rootCmd.AddCommand(policyCmd)
}

// readManifest accepts a bare manifest or a job record as written by
// `scan --manifest` and `jobs get`.
func readManifest(raw []byte) (*manifest.Manifest, error) {
	var rec jobs.Job
	if err := json.Unmarshal(raw, &rec); err == nil && rec.Manifest != nil {
		if err := rec.Manifest.Validate(); err != nil {
			return nil, err
		}
		return rec.Manifest, nil
	}
	return manifest.Parse(raw)
}
