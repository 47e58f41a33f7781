package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/privypress/internal/ingest"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/rules"
)

var (
	scanProfile  string
	scanType     string
	scanOut      string
	scanManifest string
	scanRulesDir string
)

// errBlocked makes `scan` exit non-zero when the policy denies release.
var errBlocked = errors.New("release denied by policy")

var scanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Sanitize a local file without a server",
	Long: `Runs the full pipeline on one file: detection, manifest, policy decision and,
when the decision allows it, redaction. The sanitized PDF is written to --out.
Nothing is persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanProfile, "profile", "p", "", "policy profile (default: default_profile from config)")
	scanCmd.Flags().StringVar(&scanType, "type", "", "media type (default: from file extension)")
	scanCmd.Flags().StringVarP(&scanOut, "out", "o", "", "write the sanitized PDF here")
	scanCmd.Flags().StringVar(&scanManifest, "manifest", "", "write the job record (manifest and decision) as JSON here")
	scanCmd.Flags().StringVar(&scanRulesDir, "rules", "", "rules directory (default: rules_dir from config)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "scan")
	defer span.End()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rulesDir := cfg.RulesDir
	if scanRulesDir != "" {
		rulesDir = scanRulesDir
	}
	profile := cfg.DefaultProfile
	if scanProfile != "" {
		profile = scanProfile
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	mediaType := ingest.ResolveType(scanType, args[0])

	rs, err := loadRules(ctx, rulesDir)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		return err
	}

	// A private in-memory store gives scan the same release gate as serve.
	store, err := jobs.NewSQLiteStore(":memory:", cfg.SigningKey, cfg.ArtifactKey)
	if err != nil {
		return fmt.Errorf("initializing scratch store: %w", err)
	}
	defer store.Close()

	job, err := newPipeline(store, rules.NewHolder(rs), adapter, cfg).Submit(ctx, raw, mediaType, profile)
	if err != nil {
		return err
	}

	if scanManifest != "" {
		if err := writeJSONFile(scanManifest, job); err != nil {
			return err
		}
	}
	renderScanResult(cmd.OutOrStdout(), args[0], job)

	if !job.Releasable() {
		return errBlocked
	}
	if scanOut != "" {
		pdf, err := store.Artifact(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(scanOut, pdf, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", scanOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  Sanitized PDF: %s\n", scanOut)
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// renderScanResult writes the human summary of a scanned job to w (testable).
func renderScanResult(w io.Writer, name string, job *jobs.Job) {
	mark := "✓"
	if !job.Releasable() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s: %s (profile %s)\n", mark, name, job.Status(), job.Profile)
	fmt.Fprintf(w, "  Detections: %d\n", len(job.Manifest.Detections))
	for _, d := range job.Manifest.Detections {
		fmt.Fprintf(w, "    p%d %-12s %-8s %q\n", d.Page, d.Label, d.Action, d.Text)
	}
	for _, r := range job.Decision.Reasons {
		fmt.Fprintf(w, "  Reason: %s\n", r)
	}
}
