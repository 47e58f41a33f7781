// Package detect turns page text into located, classified Detections.
//
// Every Detection corresponds to text the geometry lookup actually located
// on the page. Occurrences that cannot be located (text wrapped across
// lines, lookup failures) are skipped, so coverage is a lower bound.
package detect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/manifest"
	privyotel "github.com/dativo-io/privypress/internal/otel"
	"github.com/dativo-io/privypress/internal/rules"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/detect")

// ErrGeometryLookup marks an occurrence whose rectangle could not be resolved.
var ErrGeometryLookup = errors.New("geometry lookup failed")

// BBoxPrecision is the number of decimals bboxes are rounded to when
// detecting duplicates.
const BBoxPrecision = 2

// GeometryLookup resolves a literal to the rectangle of every visual
// occurrence on one page.
type GeometryLookup interface {
	SearchText(literal string) ([]document.Rect, error)
}

// LookupFunc adapts a function to GeometryLookup.
type LookupFunc func(literal string) ([]document.Rect, error)

// SearchText calls f.
func (f LookupFunc) SearchText(literal string) ([]document.Rect, error) { return f(literal) }

// bounded is implemented by lookups that know their page size; rectangles
// outside it are rejected.
type bounded interface {
	Bounds() document.Rect
}

// Engine runs the rule set over pages. It holds no per-job state and is safe
// for concurrent use.
type Engine struct {
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of pages scanned concurrently per document.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an Engine. Workers default to GOMAXPROCS.
func New(opts ...Option) *Engine {
	e := &Engine{workers: runtime.GOMAXPROCS(0)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DetectPage scans one page. Keyword rules come first, then pattern rules,
// each in rule-set order, each hit in lookup order. Duplicates are removed.
func (e *Engine) DetectPage(ctx context.Context, page int, text string, lookup GeometryLookup, rs *rules.RuleSet) []manifest.Detection {
	var bounds *document.Rect
	if b, ok := lookup.(bounded); ok {
		r := b.Bounds()
		bounds = &r
	}

	var found []manifest.Detection
	emit := func(rule rules.Rule, matched string, src manifest.Source, conf float64, reason string) {
		rects, err := lookup.SearchText(matched)
		if err != nil {
			logLookupFailure(ctx, page, rule.Label, fmt.Errorf("%w: %v", ErrGeometryLookup, err))
			return
		}
		for _, r := range rects {
			if !r.Valid() || (bounds != nil && !r.Within(bounds.Width(), bounds.Height())) {
				logLookupFailure(ctx, page, rule.Label, fmt.Errorf("%w: rectangle %v outside page", ErrGeometryLookup, r))
				continue
			}
			found = append(found, manifest.Detection{
				Page:       page,
				BBox:       r,
				Text:       matched,
				Label:      rule.Label,
				Source:     src,
				Confidence: conf,
				Action:     manifest.ActionRedact,
				Reason:     reason,
			})
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range rs.Keywords() {
		if ctx.Err() != nil {
			return nil
		}
		if rule.ContainedIn(lower) {
			emit(rule, rule.Term, manifest.SourceKeyword, manifest.KeywordConfidence, "Protected "+rule.Label)
		}
	}

	for _, rule := range rs.Patterns() {
		if ctx.Err() != nil {
			return nil
		}
		// The lookup already returns every occurrence of a literal, so each
		// distinct match string is resolved once.
		resolved := make(map[string]bool)
		for _, m := range rule.FindAll(text) {
			if resolved[m] {
				continue
			}
			resolved[m] = true
			emit(rule, m, manifest.SourcePattern, manifest.PatternConfidence, "Pattern "+rule.Label)
		}
	}

	return Dedupe(found)
}

// Detect scans every page of doc on a bounded worker pool. Results are
// returned in page order regardless of completion order. Cancelling ctx
// stops outstanding pages and returns ctx's error.
func (e *Engine) Detect(ctx context.Context, doc *document.Document, rs *rules.RuleSet) ([][]manifest.Detection, error) {
	ctx, span := tracer.Start(ctx, "detect.document")
	defer span.End()
	span.SetAttributes(
		privyotel.DocumentPages.Int(len(doc.Pages)),
		privyotel.RulesFingerprint.String(rs.Fingerprint()),
		attribute.Int("detect.workers", e.workers),
	)

	slots := make([][]manifest.Detection, len(doc.Pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range doc.Pages {
		if gctx.Err() != nil {
			break
		}
		p := &doc.Pages[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = e.DetectPage(gctx, p.Number, p.Text(), p, rs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	total := 0
	for _, page := range slots {
		total += len(page)
		for _, d := range page {
			privyotel.RecordDetection(ctx, d.Label, string(d.Source))
		}
	}
	span.SetAttributes(privyotel.DetectionCount.Int(total))
	return slots, nil
}

type dedupeKey struct {
	page  int
	label string
	text  string
	bbox  document.Rect
}

// Dedupe drops detections whose (page, label, text) matches an earlier one
// and whose bbox is equal after rounding to BBoxPrecision decimals. Text is
// compared case-insensitively, as the lookup matches case-insensitively.
// The first occurrence wins; order is otherwise preserved, so Dedupe is
// idempotent.
func Dedupe(dets []manifest.Detection) []manifest.Detection {
	seen := make(map[dedupeKey]bool, len(dets))
	out := make([]manifest.Detection, 0, len(dets))
	for _, d := range dets {
		k := dedupeKey{page: d.Page, label: d.Label, text: strings.ToLower(d.Text), bbox: d.BBox.Round(BBoxPrecision)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, d)
	}
	return out
}

func logLookupFailure(ctx context.Context, page int, label string, err error) {
	log.Debug().
		Err(err).
		Int("page", page).
		Str("label", label).
		Func(privyotel.LogFields(ctx)).
		Msg("occurrence_skipped")
}
