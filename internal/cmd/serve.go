package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/rules"
	"github.com/dativo-io/privypress/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PrivyPress HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

//nolint:gocyclo // orchestration flow is inherently branched
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.WarnIfDefaultKeys()

	rs, err := loadRules(ctx, cfg.RulesDir)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	holder := rules.NewHolder(rs)
	if cfg.WatchRules && cfg.RulesDir != "" {
		go func() {
			if err := rules.Watch(ctx, cfg.RulesDir, holder); err != nil {
				log.Error().Err(err).Str("rules_dir", cfg.RulesDir).Msg("rules_watch_stopped")
			}
		}()
	}

	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}
	defer store.Close()

	sweeper := jobs.NewSweeper(store, cfg.Retention())
	if cfg.RetentionDays > 0 {
		if err := sweeper.Start(cfg.RetentionSchedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("PRIVYPRESS_API_KEYS not set; upload and job endpoints are unauthenticated. Set for production.")
	}

	srv := server.NewServer(newPipeline(store, holder, adapter, cfg), store, holder,
		server.WithAPIKeys(cfg.APIKeys),
		server.WithUploadRateLimit(cfg.UploadRPM),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
		server.WithDefaultProfile(cfg.DefaultProfile),
		server.WithCORSOrigins([]string{"*"}),
		server.WithVersion(resolvedVersion()),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("store", cfg.Store).
		Str("policy_evaluator", cfg.Policy.Kind).
		Str("rules_fingerprint", rs.Fingerprint()).
		Int("rules", rs.Len()).
		Int("cron_entries", sweeper.Entries()).
		Msg("privypress_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
