package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/privypress/internal/jobs"
)

var (
	jobsLimit     int
	jobsOlderThan time.Duration
	jobsPDFOut    string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage stored jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print a verified job record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  jobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  jobsList,
}

var jobsPDFCmd = &cobra.Command{
	Use:   "pdf <job-id>",
	Short: "Write a released job's sanitized PDF",
	Args:  cobra.ExactArgs(1),
	RunE:  jobsPDF,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete jobs older than --older-than",
	RunE:  jobsPurge,
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to show (0 for all)")
	jobsPDFCmd.Flags().StringVarP(&jobsPDFOut, "out", "o", "", "output file (default: <job-id>.pdf)")
	jobsPurgeCmd.Flags().DurationVar(&jobsOlderThan, "older-than", 30*24*time.Hour, "purge jobs created before now minus this duration")

	jobsCmd.AddCommand(jobsGetCmd, jobsListCmd, jobsPDFCmd, jobsPurgeCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openJobStore() (jobs.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing job store: %w", err)
	}
	return store, nil
}

func jobsGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func jobsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
		return nil
	}
	renderJobList(cmd.OutOrStdout(), list)
	return nil
}

func jobsPDF(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	pdf, err := store.Artifact(ctx, args[0])
	if err != nil {
		return err
	}
	out := jobsPDFOut
	if out == "" {
		out = args[0] + ".pdf"
	}
	if err := os.WriteFile(out, pdf, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s (%d bytes)\n", out, len(pdf))
	return nil
}

func jobsPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	store, err := openJobStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Purge(ctx, time.Now().Add(-jobsOlderThan))
	if err != nil {
		return fmt.Errorf("purging jobs: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d job(s)\n", n)
	return nil
}

// renderJobList writes job summary lines to w (testable).
func renderJobList(w io.Writer, list []jobs.Summary) {
	fmt.Fprintf(w, "Jobs (showing %d):\n\n", len(list))
	for _, s := range list {
		status := "•"
		if s.Allow != nil {
			status = "✗"
			if *s.Allow {
				status = "✓"
			}
		}
		artifact := ""
		if s.HasArtifact {
			artifact = " [PDF]"
		}
		fmt.Fprintf(w, "  %s %s | %s | %-9s | %-8s | %d detection(s)%s\n",
			status,
			s.ID,
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			s.State,
			s.Profile,
			s.Detections,
			artifact,
		)
	}
}
