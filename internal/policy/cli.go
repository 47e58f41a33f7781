package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CLIEvaluator shells out to the opa binary:
//
//	opa eval --stdin-input -f json -d <policy> data.privypress.decision
type CLIEvaluator struct {
	binary string
	path   string
}

// NewCLIEvaluator uses binary (default "opa") and the policy at path. An
// empty path writes the bundled policy to a temporary directory per call.
func NewCLIEvaluator(binary, path string) *CLIEvaluator {
	if binary == "" {
		binary = "opa"
	}
	return &CLIEvaluator{binary: binary, path: path}
}

type evalOutput struct {
	Result []struct {
		Expressions []struct {
			Value json.RawMessage `json:"value"`
		} `json:"expressions"`
	} `json:"result"`
}

// Evaluate runs one opa process. A non-zero exit, killed process or
// undefined result is ErrEvaluation.
func (e *CLIEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	path := e.path
	if path == "" {
		dir, err := os.MkdirTemp("", "privypress-policy-*")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "redaction.rego")
		if err := os.WriteFile(path, EmbeddedModule(), 0o600); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
		}
	}

	stdin, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding input: %v", ErrEvaluation, err)
	}

	cmd := exec.CommandContext(ctx, e.binary, "eval", "--stdin-input", "-f", "json", "-d", path, Query) //nolint:gosec // binary is operator configuration
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrEvaluation, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrEvaluation, e.binary, err, strings.TrimSpace(stderr.String()))
	}

	var out evalOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding opa output: %v", ErrEvaluation, err)
	}
	if len(out.Result) == 0 || len(out.Result[0].Expressions) == 0 {
		return nil, fmt.Errorf("%w: %s is undefined", ErrEvaluation, Query)
	}
	return DecodeVerdict(out.Result[0].Expressions[0].Value)
}
