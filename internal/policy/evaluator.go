package policy

import (
	"context"
	"fmt"
)

// Evaluator kinds accepted by NewEvaluator.
const (
	KindEmbedded = "embedded"
	KindCLI      = "cli"
	KindHTTP     = "http"
)

// Config selects and configures an Evaluator.
type Config struct {
	Kind      string
	Path      string // Rego module; empty uses the bundled policy
	OPABinary string
	OPAURL    string
}

// NewEvaluator builds the Evaluator named by cfg.Kind. An empty kind is
// KindEmbedded.
func NewEvaluator(ctx context.Context, cfg Config) (Evaluator, error) {
	switch cfg.Kind {
	case "", KindEmbedded:
		return NewRegoEvaluator(ctx, cfg.Path)
	case KindCLI:
		return NewCLIEvaluator(cfg.OPABinary, cfg.Path), nil
	case KindHTTP:
		if cfg.OPAURL == "" {
			return nil, fmt.Errorf("policy evaluator %q requires opa_url", KindHTTP)
		}
		return NewHTTPEvaluator(cfg.OPAURL, nil), nil
	default:
		return nil, fmt.Errorf("unknown policy evaluator %q (want %s, %s or %s)", cfg.Kind, KindEmbedded, KindCLI, KindHTTP)
	}
}
