package jobs

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/ingest"
	"github.com/dativo-io/privypress/internal/manifest"
	"github.com/dativo-io/privypress/internal/policy"
	"github.com/dativo-io/privypress/internal/redact"
	"github.com/dativo-io/privypress/internal/rules"
	"github.com/dativo-io/privypress/internal/testutil"
)

func allowAll() *policy.Adapter {
	return policy.NewAdapter(policy.EvaluatorFunc(func(context.Context, policy.Input) (*policy.Verdict, error) {
		return &policy.Verdict{Allow: true}, nil
	}))
}

func sequentialIDs() PipelineOption {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	})
}

type failingRenderer struct{}

func (failingRenderer) RenderPDF(context.Context, *document.Document, *manifest.Manifest) ([]byte, error) {
	return nil, fmt.Errorf("%w: font table missing", redact.ErrRender)
}

func TestPipeline_ReleasesAllowedJob(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	ev, err := policy.NewRegoEvaluator(ctx, "")
	require.NoError(t, err)
	p := NewPipeline(store, holder, policy.NewAdapter(ev), sequentialIDs())

	job, err := p.Submit(ctx, []byte("Contact john@x.com now\n"), ingest.TypePlain, "strict")
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, StateReleased, job.State)
	assert.Equal(t, "ready", job.Status())
	assert.True(t, job.HasArtifact)
	require.Len(t, job.Manifest.Detections, 1)
	d := job.Manifest.Detections[0]
	assert.Equal(t, "john@x.com", d.Text)
	assert.Equal(t, "email", d.Label)
	assert.Equal(t, manifest.ActionRedact, d.Action)
	assert.Equal(t, holder.Current().Fingerprint(), job.Manifest.RulesFingerprint)
	assert.Equal(t, "job-1", job.Manifest.DocID)

	pdf, err := store.Artifact(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pdf), "%PDF-"))
	assert.Contains(t, string(pdf), testutil.PDFText("Contact"))
	assert.NotContains(t, string(pdf), testutil.PDFText("john@x.com"))
}

func TestPipeline_BlockedJobHasNoArtifact(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, store Store) {
		holder := rules.NewHolder(testutil.RuleSet(t, "names:\n  - Jane Doe\n", ""))
		rendered := false
		p := NewPipeline(store, holder,
			policy.NewAdapter(policy.EvaluatorFunc(func(context.Context, policy.Input) (*policy.Verdict, error) {
				return &policy.Verdict{Allow: false, Reasons: []string{"names are not releasable"}}, nil
			})),
			WithRenderer(rendererFunc(func(context.Context, *document.Document, *manifest.Manifest) ([]byte, error) {
				rendered = true
				return []byte("%PDF"), nil
			})),
			sequentialIDs())

		job, err := p.Process(ctx, testutil.NewDocument([]string{"Report by Jane Doe."}), "strict")
		require.NoError(t, err)
		assert.Equal(t, StateBlocked, job.State)
		assert.Equal(t, "blocked", job.Status())
		assert.Equal(t, []string{"names are not releasable"}, job.Decision.Reasons)
		assert.False(t, rendered, "denied jobs are never rendered")

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Manifest, stored.Manifest)
		_, err = store.Artifact(ctx, job.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestPipeline_EvaluatorTimeoutFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	slow := policy.EvaluatorFunc(func(ctx context.Context, _ policy.Input) (*policy.Verdict, error) {
		select {
		case <-time.After(5 * time.Second):
			return &policy.Verdict{Allow: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	p := NewPipeline(store, holder, policy.NewAdapter(slow, policy.WithTimeout(50*time.Millisecond)), sequentialIDs())

	job, err := p.Submit(ctx, []byte("Contact john@x.com now"), ingest.TypePlain, "strict")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, job.State)
	assert.Equal(t, []string{manifest.EvaluationErrorReason}, job.Decision.Reasons)
	assert.False(t, job.HasArtifact)

	_, err = store.Artifact(ctx, job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPipeline_RenderFailureLeavesJobFailed(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, store Store) {
		holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
		p := NewPipeline(store, holder, allowAll(), WithRenderer(failingRenderer{}), sequentialIDs())

		job, err := p.Submit(ctx, []byte("Contact john@x.com now"), ingest.TypePlain, "balanced")
		require.Error(t, err)
		assert.ErrorIs(t, err, redact.ErrRender)
		require.NotNil(t, job)
		assert.Equal(t, StateFailed, job.State)
		assert.False(t, job.HasArtifact)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, stored.State)
		assert.Contains(t, stored.Error, "font table missing")
		assert.True(t, stored.Decision.Allow, "the decision is kept")

		has, err := store.HasArtifact(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestPipeline_UnsupportedFormatCreatesNoJob(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), sequentialIDs())

	job, err := p.Submit(ctx, []byte{0x50, 0x4b, 0x03, 0x04}, "application/zip", "strict")
	assert.ErrorIs(t, err, ingest.ErrUnsupportedFormat)
	assert.Nil(t, job)

	list, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPipeline_TooLarge(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), WithConverter(ingest.NewConverter(8)))

	_, err := p.Submit(ctx, []byte("more than eight bytes"), ingest.TypePlain, "strict")
	assert.ErrorIs(t, err, ingest.ErrTooLarge)
}

func TestPipeline_CancelledBeforeDetectionStoresNothing(t *testing.T) {
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), sequentialIDs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job, err := p.Process(ctx, testutil.NewDocument([]string{"Contact john@x.com now"}), "strict")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, job)

	_, err = store.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipeline_UsesCurrentRules(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), sequentialIDs())
	doc := func() *document.Document {
		return testutil.NewDocument([]string{"Jane Doe wrote to john@x.com"})
	}

	first, err := p.Process(ctx, doc(), "balanced")
	require.NoError(t, err)
	require.Len(t, first.Manifest.Detections, 1)

	holder.Swap(testutil.RuleSet(t, "names:\n  - Jane Doe\n", testutil.EmailPattern))
	second, err := p.Process(ctx, doc(), "balanced")
	require.NoError(t, err)
	require.Len(t, second.Manifest.Detections, 2)
	assert.Equal(t, "names", second.Manifest.Detections[0].Label)
	assert.NotEqual(t, first.Manifest.RulesFingerprint, second.Manifest.RulesFingerprint)
}

func TestPipeline_SameInputSameManifest(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "names:\n  - Jane Doe\n", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), WithIDGenerator(func() string { return "fixed" }))

	input := []byte("Jane Doe <jane@corp.io>\nCC: john@x.com, JANE DOE\n")
	a, err := p.Submit(ctx, input, ingest.TypePlain, "balanced")
	require.NoError(t, err)
	pdfA, err := store.Artifact(ctx, "fixed")
	require.NoError(t, err)

	b, err := p.Submit(ctx, input, ingest.TypePlain, "balanced")
	require.NoError(t, err)
	pdfB, err := store.Artifact(ctx, "fixed")
	require.NoError(t, err)

	assert.Equal(t, a.Manifest, b.Manifest)
	assert.Equal(t, pdfA, pdfB)
}

type rendererFunc func(context.Context, *document.Document, *manifest.Manifest) ([]byte, error)

func (f rendererFunc) RenderPDF(ctx context.Context, doc *document.Document, m *manifest.Manifest) ([]byte, error) {
	return f(ctx, doc, m)
}

func TestPipeline_RedactsUploadedPDF(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	p := NewPipeline(store, holder, allowAll(), sequentialIDs())

	src := fpdf.New("P", "pt", "Letter", "")
	src.AddPage()
	src.SetFont("Helvetica", "", 12)
	src.Text(72, 100, "Contact john@x.com now")
	var raw bytes.Buffer
	require.NoError(t, src.Output(&raw))

	job, err := p.Submit(ctx, raw.Bytes(), ingest.TypePDF, "strict")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, job.State)
	require.Len(t, job.Manifest.Detections, 1)
	assert.Equal(t, "john@x.com", job.Manifest.Detections[0].Text)

	pdf, err := store.Artifact(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, string(pdf), testutil.PDFText("Contact"))
	assert.NotContains(t, string(pdf), testutil.PDFText("john@x.com"))
}
