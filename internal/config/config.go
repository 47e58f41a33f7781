// Package config holds operator-level configuration for a PrivyPress
// installation.
//
// Values come from env vars (PRIVYPRESS_*), an optional
// privypress.config.yaml and the defaults below, merged by Viper. Crypto
// keys have no baked-in defaults: when unset a deterministic per-machine
// key is derived and a warning is logged.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/privypress/internal/cryptoutil"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/policy"
)

// Viper keys. Each maps to an env var with the PRIVYPRESS_ prefix
// (e.g. "signing_key" → PRIVYPRESS_SIGNING_KEY) and to a YAML field in
// privypress.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyRulesDir          = "rules_dir"
	KeySigningKey        = "signing_key"
	KeyArtifactKey       = "artifact_key"
	KeyDefaultProfile    = "default_profile"
	KeyPolicyEvaluator   = "policy_evaluator"
	KeyPolicyPath        = "policy_path"
	KeyOPABinary         = "opa_binary"
	KeyOPAURL            = "opa_url"
	KeyPolicyTimeout     = "policy_timeout"
	KeyStore             = "store"
	KeyRedisAddr         = "redis_addr"
	KeyRedisNamespace    = "redis_namespace"
	KeyMaxUploadMB       = "max_upload_mb"
	KeyUploadRPM         = "upload_rpm"
	KeyDetectWorkers     = "detect_workers"
	KeyRetentionDays     = "retention_days"
	KeyRetentionSchedule = "retention_schedule"
	KeyWatchRules        = "watch_rules"
	KeyAPIKeys           = "api_keys"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

const (
	DefaultProfile        = "strict"
	DefaultStore          = StoreSQLite
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisNamespace = "default"
	DefaultMaxUploadMB    = 20
	DefaultUploadRPM      = 60
	DefaultRetentionDays  = 30
)

// Config holds resolved operator-level configuration.
type Config struct {
	DataDir           string
	RulesDir          string // empty uses the built-in rule set
	SigningKey        string // HMAC-SHA256 key for job records (≥32 bytes)
	ArtifactKey       string // secretbox key for artifacts at rest (exactly 32 bytes)
	DefaultProfile    string
	Policy            policy.Config
	PolicyTimeout     time.Duration
	Store             string
	RedisAddr         string
	RedisNamespace    string
	MaxUploadMB       int
	UploadRPM         int
	DetectWorkers     int // 0 means one per CPU
	RetentionDays     int // 0 keeps jobs forever
	RetentionSchedule string
	WatchRules        bool
	APIKeys           []string

	usingDefaultSigningKey  bool
	usingDefaultArtifactKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to a
// derived default.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultArtifactKey
}

// UsingDefaultSigningKey returns true if the signing key was derived.
func (c *Config) UsingDefaultSigningKey() bool { return c.usingDefaultSigningKey }

// UsingDefaultArtifactKey returns true if the artifact key was derived.
func (c *Config) UsingDefaultArtifactKey() bool { return c.usingDefaultArtifactKey }

// JobsDBPath returns the full path to the job SQLite database.
func (c *Config) JobsDBPath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Retention returns the job retention period; zero disables purging.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when PRIVYPRESS_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default PRIVYPRESS_SIGNING_KEY; set via env var or config file for production")
	}
	if c.usingDefaultArtifactKey {
		log.Warn().Msg("Using generated default PRIVYPRESS_ARTIFACT_KEY; set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("PRIVYPRESS_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	SetDefaults(viper.GetViper())
}

// SetDefaults binds the env prefix and registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix("PRIVYPRESS")
	v.AutomaticEnv()
	v.SetDefault(KeyDefaultProfile, DefaultProfile)
	v.SetDefault(KeyPolicyEvaluator, policy.KindEmbedded)
	v.SetDefault(KeyOPABinary, "opa")
	v.SetDefault(KeyPolicyTimeout, policy.DefaultTimeout)
	v.SetDefault(KeyStore, DefaultStore)
	v.SetDefault(KeyRedisAddr, DefaultRedisAddr)
	v.SetDefault(KeyRedisNamespace, DefaultRedisNamespace)
	v.SetDefault(KeyMaxUploadMB, DefaultMaxUploadMB)
	v.SetDefault(KeyUploadRPM, DefaultUploadRPM)
	v.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	v.SetDefault(KeyRetentionSchedule, jobs.DefaultSchedule)
	v.SetDefault(KeyWatchRules, false)
}

// Load reads configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and returns a validated Config.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:        resolveDataDir(v),
		RulesDir:       v.GetString(KeyRulesDir),
		SigningKey:     v.GetString(KeySigningKey),
		ArtifactKey:    v.GetString(KeyArtifactKey),
		DefaultProfile: v.GetString(KeyDefaultProfile),
		Policy: policy.Config{
			Kind:      v.GetString(KeyPolicyEvaluator),
			Path:      v.GetString(KeyPolicyPath),
			OPABinary: v.GetString(KeyOPABinary),
			OPAURL:    v.GetString(KeyOPAURL),
		},
		PolicyTimeout:     v.GetDuration(KeyPolicyTimeout),
		Store:             strings.ToLower(v.GetString(KeyStore)),
		RedisAddr:         v.GetString(KeyRedisAddr),
		RedisNamespace:    v.GetString(KeyRedisNamespace),
		MaxUploadMB:       v.GetInt(KeyMaxUploadMB),
		UploadRPM:         v.GetInt(KeyUploadRPM),
		DetectWorkers:     v.GetInt(KeyDetectWorkers),
		RetentionDays:     v.GetInt(KeyRetentionDays),
		RetentionSchedule: v.GetString(KeyRetentionSchedule),
		WatchRules:        v.GetBool(KeyWatchRules),
		APIKeys:           splitKeys(v.GetStringSlice(KeyAPIKeys)),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "job-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.ArtifactKey == "" {
		cfg.ArtifactKey = deriveDefaultKey(cfg.DataDir, "artifact-sealing")
		cfg.usingDefaultArtifactKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// splitKeys accepts both YAML lists and a comma-separated env var.
func splitKeys(in []string) []string {
	var out []string
	for _, s := range in {
		for _, k := range strings.Split(s, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".privypress"
	}
	return filepath.Join(home, ".privypress")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. It is NOT cryptographically strong; it
// exists so `privypress serve` works out of the box with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("privypress:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])[:32]
}

func (c *Config) validate() error {
	if _, err := cryptoutil.DecodeKey(c.SigningKey, 32); err != nil {
		return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set PRIVYPRESS_SIGNING_KEY", len(c.SigningKey))
	}
	if _, err := cryptoutil.DecodeKey32(c.ArtifactKey); err != nil {
		return fmt.Errorf("artifact_key must be exactly 32 bytes or 64 hex characters (got %d); set PRIVYPRESS_ARTIFACT_KEY", len(c.ArtifactKey))
	}
	switch c.DefaultProfile {
	case "strict", "balanced":
	default:
		return fmt.Errorf("default_profile must be strict or balanced (got %q)", c.DefaultProfile)
	}
	switch c.Policy.Kind {
	case policy.KindEmbedded, policy.KindCLI:
	case policy.KindHTTP:
		if c.Policy.OPAURL == "" {
			return fmt.Errorf("opa_url is required when policy_evaluator is http")
		}
	default:
		return fmt.Errorf("policy_evaluator must be embedded, cli or http (got %q)", c.Policy.Kind)
	}
	if c.PolicyTimeout <= 0 {
		return fmt.Errorf("policy_timeout must be positive")
	}
	switch c.Store {
	case StoreSQLite:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when store is redis")
		}
	default:
		return fmt.Errorf("store must be sqlite or redis (got %q)", c.Store)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive")
	}
	if c.UploadRPM < 0 {
		return fmt.Errorf("upload_rpm must not be negative")
	}
	if c.DetectWorkers < 0 {
		return fmt.Errorf("detect_workers must not be negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	return nil
}
