package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/privypress/internal/detect"
	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/ingest"
	"github.com/dativo-io/privypress/internal/manifest"
	privyotel "github.com/dativo-io/privypress/internal/otel"
	"github.com/dativo-io/privypress/internal/policy"
	"github.com/dativo-io/privypress/internal/redact"
	"github.com/dativo-io/privypress/internal/requestctx"
	"github.com/dativo-io/privypress/internal/rules"
)

// RuleSource supplies the rule set a job runs with. rules.Holder
// implements it.
type RuleSource interface {
	Current() *rules.RuleSet
}

// ArtifactRenderer produces the sanitized artifact. *redact.Renderer
// implements it.
type ArtifactRenderer interface {
	RenderPDF(ctx context.Context, doc *document.Document, m *manifest.Manifest) ([]byte, error)
}

// Pipeline runs ingest → detect → manifest → policy → render → store.
type Pipeline struct {
	store     Store
	rules     RuleSource
	adapter   *policy.Adapter
	engine    *detect.Engine
	renderer  ArtifactRenderer
	converter *ingest.Converter
	newID     func() string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEngine sets the detection engine.
func WithEngine(e *detect.Engine) PipelineOption {
	return func(p *Pipeline) { p.engine = e }
}

// WithRenderer sets the artifact renderer.
func WithRenderer(r ArtifactRenderer) PipelineOption {
	return func(p *Pipeline) { p.renderer = r }
}

// WithConverter sets the ingest converter.
func WithConverter(c *ingest.Converter) PipelineOption {
	return func(p *Pipeline) { p.converter = c }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(f func() string) PipelineOption {
	return func(p *Pipeline) { p.newID = f }
}

// NewPipeline wires a pipeline. Engine, renderer and converter default to
// their package defaults; ids are random UUIDs.
func NewPipeline(store Store, rs RuleSource, adapter *policy.Adapter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     store,
		rules:     rs,
		adapter:   adapter,
		engine:    detect.New(),
		renderer:  redact.NewRenderer(),
		converter: ingest.NewConverter(0),
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submit converts raw and processes it. Conversion errors (unsupported
// format, oversize or invalid input) return before any job is created.
func (p *Pipeline) Submit(ctx context.Context, raw []byte, declaredType, profile string) (*Job, error) {
	doc, err := p.converter.Convert(ctx, raw, declaredType)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, doc, profile)
}

// Process runs an already converted document. The job is persisted with
// its manifest and decision whatever the verdict. Only allowed jobs are
// rendered; a render failure leaves the job failed with no artifact and is
// returned alongside the job.
func (p *Pipeline) Process(ctx context.Context, doc *document.Document, profile string) (*Job, error) {
	id := p.newID()
	ctx = requestctx.SetJobID(ctx, id)
	ctx, span := tracer.Start(ctx, "jobs.process",
		trace.WithAttributes(
			privyotel.JobID.String(id),
			privyotel.PolicyProfile.String(profile),
			privyotel.DocumentPages.Int(len(doc.Pages)),
		))
	defer span.End()

	doc.ID = id
	job := &Job{ID: id, State: StateCreated, Profile: profile}

	// One snapshot per job: a rules reload mid-job does not mix rule sets.
	rs := p.rules.Current()
	perPage, err := p.engine.Detect(ctx, doc, rs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("detecting job %s: %w", id, err)
	}
	job.State = StateDetected

	m := manifest.Build(id, perPage, manifest.WithRulesFingerprint(rs.Fingerprint()))
	job.Manifest = m
	job.Decision = p.adapter.Evaluate(ctx, m, profile)
	job.State = StateEvaluated
	if !job.Decision.Allow {
		job.State = StateBlocked
	}
	span.SetAttributes(
		privyotel.DetectionCount.Int(len(m.Detections)),
		privyotel.PolicyAllow.Bool(job.Decision.Allow),
	)

	if err := p.store.Put(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log.Info().
		Str("profile", profile).
		Int("detections", len(m.Detections)).
		Bool("allow", job.Decision.Allow).
		Strs("reasons", job.Decision.Reasons).
		Func(privyotel.LogFields(ctx)).
		Msg("job_evaluated")

	if job.State == StateBlocked {
		return job, nil
	}

	artifact, err := p.renderer.RenderPDF(ctx, doc, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Func(privyotel.LogFields(ctx)).Msg("job_render_failed")
		if ferr := p.store.Fail(context.WithoutCancel(ctx), id, err.Error()); ferr != nil {
			return nil, fmt.Errorf("recording render failure for job %s: %w", id, ferr)
		}
		applyFail(job, err.Error(), job.UpdatedAt)
		return job, fmt.Errorf("rendering job %s: %w", id, err)
	}

	if err := p.store.Release(ctx, id, artifact); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	stored, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Int("artifact_bytes", len(artifact)).Func(privyotel.LogFields(ctx)).Msg("job_released")
	return stored, nil
}
