package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/manifest"
	"github.com/dativo-io/privypress/internal/testutil"
)

func newRegoEvaluator(t *testing.T) *RegoEvaluator {
	t.Helper()
	ev, err := NewRegoEvaluator(context.Background(), "")
	require.NoError(t, err)
	return ev
}

func inputFor(t *testing.T, m *manifest.Manifest, profile string) Input {
	t.Helper()
	raw, err := m.Canonical()
	require.NoError(t, err)
	return Input{Profile: profile, Manifest: raw}
}

func TestRegoEvaluator_Profiles(t *testing.T) {
	ev := newRegoEvaluator(t)
	ignored := testManifest("email", "phone")
	ignored.Detections[1].Action = manifest.ActionIgnore

	tests := []struct {
		name    string
		m       *manifest.Manifest
		profile string
		want    Verdict
	}{
		{"strict allows email", testManifest("email"), "strict", Verdict{Allow: true, Reasons: []string{}}},
		{"strict allows empty manifest", testManifest(), "strict", Verdict{Allow: true, Reasons: []string{}}},
		{"strict blocks ssn", testManifest("email", "us_ssn"), "strict", Verdict{
			Allow:   false,
			Reasons: []string{"label us_ssn is not releasable under strict"},
		}},
		{"balanced allows ssn", testManifest("email", "us_ssn"), "balanced", Verdict{Allow: true, Reasons: []string{}}},
		{"strict blocks ignored detections", ignored, "strict", Verdict{
			Allow:   false,
			Reasons: []string{"ignored phone detection on page 1 would be disclosed"},
		}},
		{"balanced allows ignored detections", ignored, "balanced", Verdict{Allow: true, Reasons: []string{}}},
		{"unknown profile", testManifest("email"), "lenient", Verdict{
			Allow:   false,
			Reasons: []string{`unknown policy profile "lenient"`},
		}},
		{"empty profile", testManifest(), "", Verdict{
			Allow:   false,
			Reasons: []string{`unknown policy profile ""`},
		}},
		{"reasons are sorted", testManifest("us_ssn", "credit_card"), "strict", Verdict{
			Allow: false,
			Reasons: []string{
				"label credit_card is not releasable under strict",
				"label us_ssn is not releasable under strict",
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Evaluate(context.Background(), inputFor(t, tt.m, tt.profile))
			require.NoError(t, err)
			assert.Equal(t, &tt.want, got)
		})
	}
}

func TestRegoEvaluator_DetectionLimit(t *testing.T) {
	ev := newRegoEvaluator(t)
	labels := make([]string, 201)
	for i := range labels {
		labels[i] = "email"
	}

	got, err := ev.Evaluate(context.Background(), inputFor(t, testManifest(labels...), "strict"))
	require.NoError(t, err)
	assert.False(t, got.Allow)
	assert.Equal(t, []string{"201 detections exceed the strict limit of 200"}, got.Reasons)

	got, err = ev.Evaluate(context.Background(), inputFor(t, testManifest(labels...), "balanced"))
	require.NoError(t, err)
	assert.True(t, got.Allow)
}

func TestRegoEvaluator_MissingManifest(t *testing.T) {
	ev := newRegoEvaluator(t)
	got, err := ev.Evaluate(context.Background(), Input{Profile: "strict", Manifest: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.False(t, got.Allow)
	assert.Contains(t, got.Reasons, "manifest missing")
}

func TestRegoEvaluator_CustomPolicyFile(t *testing.T) {
	path := testutil.WritePolicyFile(t, `package privypress

import rego.v1

decision := {"allow": false, "reasons": ["closed for maintenance"]}
`)
	ev, err := NewRegoEvaluator(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, ev.Source())

	got, err := ev.Evaluate(context.Background(), inputFor(t, testManifest(), "strict"))
	require.NoError(t, err)
	assert.Equal(t, &Verdict{Allow: false, Reasons: []string{"closed for maintenance"}}, got)
}

func TestRegoEvaluator_UndefinedDecision(t *testing.T) {
	path := testutil.WritePolicyFile(t, `package privypress

import rego.v1

decision := {"allow": true, "reasons": []} if input.profile == "open"
`)
	ev, err := NewRegoEvaluator(context.Background(), path)
	require.NoError(t, err)

	_, err = ev.Evaluate(context.Background(), inputFor(t, testManifest(), "strict"))
	assert.ErrorIs(t, err, ErrEvaluation)

	// Through the adapter an undefined decision is a deny.
	d := NewAdapter(ev).Evaluate(context.Background(), testManifest(), "strict")
	assert.False(t, d.Allow)
	assert.Equal(t, []string{manifest.EvaluationErrorReason}, d.Reasons)
}

func TestRegoEvaluator_MalformedVerdict(t *testing.T) {
	path := testutil.WritePolicyFile(t, `package privypress

import rego.v1

decision := {"allow": "yes"}
`)
	ev, err := NewRegoEvaluator(context.Background(), path)
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background(), inputFor(t, testManifest(), "strict"))
	assert.ErrorIs(t, err, ErrEvaluation)
}

func TestNewRegoEvaluator_Errors(t *testing.T) {
	_, err := NewRegoEvaluator(context.Background(), "/does/not/exist.rego")
	assert.Error(t, err)

	path := testutil.WritePolicyFile(t, "package privypress\n\nimport rego.v1\n\ndecision := {")
	_, err = NewRegoEvaluator(context.Background(), path)
	assert.Error(t, err)
}

func TestEmbeddedModule(t *testing.T) {
	assert.Contains(t, string(EmbeddedModule()), "package privypress")
}
