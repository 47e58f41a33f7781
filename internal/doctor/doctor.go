// Package doctor provides preflight checks for a PrivyPress installation.
// Used by `privypress doctor`.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dativo-io/privypress/internal/config"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/manifest"
	"github.com/dativo-io/privypress/internal/policy"
	"github.com/dativo-io/privypress/internal/rules"
)

// Check statuses, ordered by severity.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which checks run.
type Options struct {
	SkipUpstream bool // skip the OPA server check (for CI/offline)
	HTTPClient   *http.Client
}

// Run executes all checks against cfg and returns a report.
func Run(ctx context.Context, cfg *config.Config, opts Options) *Report {
	report := &Report{}

	report.Checks = append(report.Checks, checkDataDir(cfg))
	report.Checks = append(report.Checks, checkRules(ctx, cfg))
	report.Checks = append(report.Checks, checkPolicy(ctx, cfg, opts))
	report.Checks = append(report.Checks, checkCryptoKeys(cfg)...)
	report.Checks = append(report.Checks, checkStore(ctx, cfg)...)
	if cfg.Policy.Kind == policy.KindHTTP && !opts.SkipUpstream {
		report.Checks = append(report.Checks, checkOPAServer(ctx, cfg.Policy.OPAURL, opts.HTTPClient)...)
	}
	report.Checks = append(report.Checks, checkDiskSpace(cfg))

	report.tally()
	return report
}

func (r *Report) tally() {
	r.Summary = Summary{}
	for _, c := range r.Checks {
		switch c.Status {
		case StatusPass:
			r.Summary.Pass++
		case StatusWarn:
			r.Summary.Warn++
		case StatusFail:
			r.Summary.Fail++
		}
	}
	r.Status = StatusPass
	if r.Summary.Warn > 0 {
		r.Status = StatusWarn
	}
	if r.Summary.Fail > 0 {
		r.Status = StatusFail
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure PRIVYPRESS_DATA_DIR exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkRules(ctx context.Context, cfg *config.Config) CheckResult {
	var (
		rs   *rules.RuleSet
		err  error
		name = cfg.RulesDir
	)
	if cfg.RulesDir == "" {
		name = "built-in rules"
		rs, err = rules.Default(ctx)
	} else {
		rs, err = rules.LoadDir(ctx, cfg.RulesDir)
	}
	if err != nil {
		return CheckResult{
			Name: "rules_valid", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", name, err),
			Fix:     "Run 'privypress rules validate' for details",
		}
	}
	return CheckResult{
		Name: "rules_valid", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (%d rules, fingerprint %s)", name, rs.Len(), rs.Fingerprint()),
	}
}

// checkPolicy builds the configured evaluator and runs it once on an empty
// manifest under the default profile.
func checkPolicy(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	ev, err := policy.NewEvaluator(ctx, cfg.Policy)
	if err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusFail,
			Message: err.Error(),
			Fix:     "Check policy_evaluator and policy_path",
		}
	}
	if cfg.Policy.Kind == policy.KindHTTP && opts.SkipUpstream {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusPass,
			Message: fmt.Sprintf("%s evaluator configured (probe skipped)", cfg.Policy.Kind),
		}
	}

	raw, err := manifest.Build("doctor-probe", nil).Canonical()
	if err != nil {
		return CheckResult{Name: "policy_valid", Category: "config", Status: StatusFail, Message: err.Error()}
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.PolicyTimeout)
	defer cancel()
	start := time.Now()
	v, err := ev.Evaluate(probeCtx, policy.Input{Profile: cfg.DefaultProfile, Manifest: raw})
	if err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("probe evaluation failed: %v", err),
			Fix:     "Every upload would be blocked; check the evaluator and policy module",
		}
	}
	if !v.Allow {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusWarn,
			Message: fmt.Sprintf("policy denies an empty manifest under %s: %s", cfg.DefaultProfile, strings.Join(v.Reasons, "; ")),
			Fix:     "Every upload will be blocked under the default profile",
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s evaluator, profile %s (%dms)", evaluatorName(cfg.Policy.Kind), cfg.DefaultProfile, time.Since(start).Milliseconds()),
	}
}

func evaluatorName(kind string) string {
	if kind == "" {
		return policy.KindEmbedded
	}
	return kind
}

func checkCryptoKeys(cfg *config.Config) []CheckResult {
	keyCheck := func(name, env string, derived bool) CheckResult {
		if derived {
			return CheckResult{
				Name: name, Category: "config", Status: StatusWarn,
				Message: "Using generated default", Fix: "Set " + env + " for production",
			}
		}
		return CheckResult{Name: name, Category: "config", Status: StatusPass, Message: "Configured"}
	}
	return []CheckResult{
		keyCheck("signing_key", "PRIVYPRESS_SIGNING_KEY", cfg.UsingDefaultSigningKey()),
		keyCheck("artifact_key", "PRIVYPRESS_ARTIFACT_KEY", cfg.UsingDefaultArtifactKey()),
	}
}

// checkStore opens the configured job store and reports how many verified
// records it holds.
func checkStore(ctx context.Context, cfg *config.Config) []CheckResult {
	var (
		store    jobs.Store
		location string
		err      error
	)
	switch cfg.Store {
	case config.StoreRedis:
		location = fmt.Sprintf("redis://%s (namespace %s)", cfg.RedisAddr, cfg.RedisNamespace)
		var rs *jobs.RedisStore
		rs, err = jobs.NewRedisStore(&redis.Options{Addr: cfg.RedisAddr}, cfg.RedisNamespace, cfg.SigningKey, cfg.ArtifactKey)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = rs.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = rs.Close()
			}
		}
		store = rs
	default:
		location = cfg.JobsDBPath()
		store, err = jobs.NewSQLiteStore(cfg.JobsDBPath(), cfg.SigningKey, cfg.ArtifactKey)
	}
	if err != nil {
		return []CheckResult{{
			Name: "job_store", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", location, err),
			Fix:     "Check store, redis_addr and data_dir",
		}}
	}
	defer store.Close()

	results := []CheckResult{{
		Name: "job_store", Category: "config", Status: StatusPass, Message: location,
	}}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	list, err := store.List(listCtx, 0)
	if err != nil {
		return append(results, CheckResult{
			Name: "job_stats", Category: "system", Status: StatusWarn,
			Message: fmt.Sprintf("cannot list jobs: %v", err),
		})
	}
	size := ""
	if cfg.Store != config.StoreRedis {
		if fi, statErr := os.Stat(cfg.JobsDBPath()); statErr == nil {
			size = fmt.Sprintf(", %.1f MB", float64(fi.Size())/(1024*1024))
		}
	}
	return append(results, CheckResult{
		Name: "job_stats", Category: "system", Status: StatusPass,
		Message: fmt.Sprintf("%d verified job(s)%s", len(list), size),
	})
}

// checkOPAServer probes the OPA health endpoint.
func checkOPAServer(ctx context.Context, baseURL string, client *http.Client) []CheckResult {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	healthURL := strings.TrimRight(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return []CheckResult{{
			Name: "opa_server", Category: "system", Status: StatusFail,
			Message: fmt.Sprintf("Invalid URL: %v", err),
			Fix:     "Check opa_url",
		}}
	}
	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // URL from operator config
	latency := time.Since(start)
	if err != nil {
		return []CheckResult{{
			Name: "opa_server", Category: "system", Status: StatusFail,
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check that OPA is running and opa_url is reachable",
		}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := fmt.Sprintf("GET %s returned %d", healthURL, resp.StatusCode)
		if body.Error != "" {
			msg += ": " + body.Error
		}
		return []CheckResult{{Name: "opa_server", Category: "system", Status: StatusFail, Message: msg}}
	}

	results := []CheckResult{{
		Name: "opa_server", Category: "system", Status: StatusPass,
		Message: fmt.Sprintf("%s (%dms)", baseURL, latency.Milliseconds()),
	}}
	switch {
	case latency > 2*time.Second:
		results = append(results, CheckResult{
			Name: "opa_server_latency", Category: "system", Status: StatusFail,
			Message: fmt.Sprintf("%.1fs (> 2s threshold)", latency.Seconds()),
			Fix:     "Run OPA next to PrivyPress or raise policy_timeout",
		})
	case latency > time.Second:
		results = append(results, CheckResult{
			Name: "opa_server_latency", Category: "system", Status: StatusWarn,
			Message: fmt.Sprintf("%.1fs (> 1s threshold)", latency.Seconds()),
			Fix:     "Run OPA next to PrivyPress or raise policy_timeout",
		})
	}
	return results
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	testPath := filepath.Join(cfg.DataDir, ".doctor-space-test")
	data := make([]byte, 1<<20)
	if err := os.WriteFile(testPath, data, 0o600); err != nil {
		return CheckResult{
			Name: "disk_space", Category: "system", Status: StatusWarn,
			Message: fmt.Sprintf("Cannot write a 1 MB test file to %s", cfg.DataDir),
			Fix:     "Free space in data_dir",
		}
	}
	_ = os.Remove(testPath)
	return CheckResult{Name: "disk_space", Category: "system", Status: StatusPass, Message: cfg.DataDir}
}
