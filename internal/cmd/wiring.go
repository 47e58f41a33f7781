package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/privypress/internal/config"
	"github.com/dativo-io/privypress/internal/detect"
	"github.com/dativo-io/privypress/internal/ingest"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/policy"
	"github.com/dativo-io/privypress/internal/rules"
)

// loadConfig resolves configuration and prepares the data directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured job store.
func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return jobs.NewRedisStore(&redis.Options{Addr: cfg.RedisAddr}, cfg.RedisNamespace, cfg.SigningKey, cfg.ArtifactKey)
	default:
		return jobs.NewSQLiteStore(cfg.JobsDBPath(), cfg.SigningKey, cfg.ArtifactKey)
	}
}

// loadRules compiles dir, or the built-in rule set when dir is empty.
// Rule errors are fatal.
func loadRules(ctx context.Context, dir string) (*rules.RuleSet, error) {
	if dir == "" {
		return rules.Default(ctx)
	}
	return rules.LoadDir(ctx, dir)
}

// newAdapter builds the configured evaluator behind a fail-closed adapter.
func newAdapter(ctx context.Context, cfg *config.Config) (*policy.Adapter, error) {
	ev, err := policy.NewEvaluator(ctx, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy evaluator: %w", err)
	}
	log.Debug().
		Str("evaluator", cfg.Policy.Kind).
		Dur("timeout", cfg.PolicyTimeout).
		Msg("policy_evaluator_ready")
	return policy.NewAdapter(ev, policy.WithTimeout(cfg.PolicyTimeout)), nil
}

// newPipeline wires the pipeline stages from cfg.
func newPipeline(store jobs.Store, rs jobs.RuleSource, adapter *policy.Adapter, cfg *config.Config) *jobs.Pipeline {
	return jobs.NewPipeline(store, rs, adapter,
		jobs.WithEngine(detect.New(detect.WithWorkers(cfg.DetectWorkers))),
		jobs.WithConverter(ingest.NewConverter(cfg.MaxUploadBytes())),
	)
}
