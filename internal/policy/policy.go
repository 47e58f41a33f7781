// Package policy gates release of sanitized documents on an external
// policy verdict. The Adapter is the trust boundary of the pipeline: it
// never returns an allow Decision unless an Evaluator produced one.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/privypress/internal/manifest"
	privyotel "github.com/dativo-io/privypress/internal/otel"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/policy")

// ErrEvaluation is returned by evaluators that could not produce a verdict.
var ErrEvaluation = errors.New("policy evaluation failed")

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 5 * time.Second

// Input is the document handed to the evaluator.
type Input struct {
	Profile  string          `json:"profile"`
	Manifest json.RawMessage `json:"manifest"`
}

// value returns the input as generic JSON data.
func (in Input) value() (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var v map[string]interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Verdict is an evaluator's answer.
type Verdict struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons"`
}

// Evaluator decides whether a manifest may be released under a profile.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, in Input) (*Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (*Verdict, error) { return f(ctx, in) }

// DecodeVerdict parses {"allow": bool, "reasons": [string]}. allow is
// required; missing or null reasons decode as empty.
func DecodeVerdict(raw []byte) (*Verdict, error) {
	var wire struct {
		Allow   *bool     `json:"allow"`
		Reasons *[]string `json:"reasons"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decoding verdict: %v", ErrEvaluation, err)
	}
	if wire.Allow == nil {
		return nil, fmt.Errorf("%w: verdict has no allow field", ErrEvaluation)
	}
	v := &Verdict{Allow: *wire.Allow, Reasons: []string{}}
	if wire.Reasons != nil && *wire.Reasons != nil {
		v.Reasons = *wire.Reasons
	}
	return v, nil
}

// Adapter turns evaluator results into Decisions, failing closed.
type Adapter struct {
	evaluator Evaluator
	timeout   time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTimeout bounds each evaluation. Non-positive values keep the default.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdapter wraps ev.
func NewAdapter(ev Evaluator, opts ...AdapterOption) *Adapter {
	a := &Adapter{evaluator: ev, timeout: DefaultTimeout}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Timeout returns the per-evaluation bound.
func (a *Adapter) Timeout() time.Duration { return a.timeout }

// Evaluate returns the Decision for m under profile. Any evaluator error,
// timeout, panic or malformed verdict yields a deny with the single reason
// manifest.EvaluationErrorReason. It never returns nil.
func (a *Adapter) Evaluate(ctx context.Context, m *manifest.Manifest, profile string) *manifest.Decision {
	ctx, span := tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(privyotel.PolicyProfile.String(profile)))
	defer span.End()

	v, err := a.evaluate(ctx, m, profile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().
			Err(err).
			Str("profile", profile).
			Dur("timeout", a.timeout).
			Func(privyotel.LogFields(ctx)).
			Msg("policy_evaluation_failed")
		privyotel.RecordPolicyError(ctx, profile)
		d := manifest.EvaluationFailed(profile)
		privyotel.RecordDecision(ctx, profile, d.Allow)
		span.SetAttributes(privyotel.PolicyAllow.Bool(false))
		return d
	}

	d := &manifest.Decision{Profile: profile, Allow: v.Allow, Reasons: v.Reasons}
	if d.Reasons == nil {
		d.Reasons = []string{}
	}
	privyotel.RecordDecision(ctx, profile, d.Allow)
	span.SetAttributes(privyotel.PolicyAllow.Bool(d.Allow))
	return d
}

type outcome struct {
	v   *Verdict
	err error
}

func (a *Adapter) evaluate(ctx context.Context, m *manifest.Manifest, profile string) (*Verdict, error) {
	if a.evaluator == nil {
		return nil, fmt.Errorf("%w: no evaluator configured", ErrEvaluation)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrEvaluation)
	}
	raw, err := m.Canonical()
	if err != nil {
		return nil, fmt.Errorf("%w: serializing manifest: %v", ErrEvaluation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// The evaluator runs on its own goroutine so an implementation that
	// ignores ctx still cannot hold the caller past the deadline.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: evaluator panic: %v", ErrEvaluation, r)}
			}
		}()
		v, err := a.evaluator.Evaluate(ctx, Input{Profile: profile, Manifest: raw})
		done <- outcome{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.v == nil {
			return nil, fmt.Errorf("%w: evaluator returned no verdict", ErrEvaluation)
		}
		return out.v, nil
	}
}
