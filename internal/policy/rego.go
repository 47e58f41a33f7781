package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	embeddedFile = "rego/redaction.rego"
	// Query is the rule every evaluator asks for.
	Query = "data.privypress.decision"
)

// EmbeddedModule returns the bundled redaction policy.
func EmbeddedModule() []byte {
	b, err := embeddedPolicies.ReadFile(embeddedFile)
	if err != nil {
		panic(fmt.Sprintf("embedded policy %s: %v", embeddedFile, err))
	}
	return b
}

// RegoEvaluator evaluates the policy in-process with OPA.
type RegoEvaluator struct {
	source   string
	prepared rego.PreparedEvalQuery
}

// NewRegoEvaluator compiles the policy at path, or the bundled policy when
// path is empty. The query is prepared once and reused for every call.
func NewRegoEvaluator(ctx context.Context, path string) (*RegoEvaluator, error) {
	ctx, span := tracer.Start(ctx, "policy.rego.prepare")
	defer span.End()

	name := embeddedFile
	module := EmbeddedModule()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy %s: %w", path, err)
		}
		name, module = path, b
	}
	span.SetAttributes(attribute.String("policy.source", name))

	r := rego.New(
		rego.Query(Query),
		rego.Module(name, string(module)),
		rego.Store(inmem.New()),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing Rego policy %s: %w", name, err)
	}
	return &RegoEvaluator{source: name, prepared: prepared}, nil
}

// Source names the module the evaluator was compiled from.
func (e *RegoEvaluator) Source() string { return e.source }

// Evaluate runs the prepared query against in.
func (e *RegoEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	input, err := in.value()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding input: %v", ErrEvaluation, err)
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("%w: %s is undefined", ErrEvaluation, Query)
	}
	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return DecodeVerdict(raw)
}
