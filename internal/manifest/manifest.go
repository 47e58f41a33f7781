// Package manifest holds the auditable records of a sanitization job: the
// Detections found in a document, the Manifest aggregating them and the
// policy Decision taken on that Manifest.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dativo-io/privypress/internal/document"
)

// ErrInvalidManifest is returned when a manifest violates its invariants.
var ErrInvalidManifest = errors.New("invalid manifest")

// Source names the rule kind that produced a Detection.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourcePattern Source = "pattern"
)

// Action is what the renderer does with a Detection.
type Action string

const (
	// ActionRedact burns an opaque fill over the detection.
	ActionRedact Action = "redact"
	// ActionIgnore marks an accepted disclosure; the renderer leaves it visible.
	ActionIgnore Action = "ignore"
)

// Confidence values assigned by the detection engine.
const (
	KeywordConfidence = 1.0
	PatternConfidence = 0.99
)

// Detection is one located, classified candidate for redaction.
type Detection struct {
	Page       int           `json:"page"`
	BBox       document.Rect `json:"bbox"`
	Text       string        `json:"text"`
	Label      string        `json:"label"`
	Source     Source        `json:"source"`
	Confidence float64       `json:"confidence"`
	Action     Action        `json:"action"`
	Reason     string        `json:"reason"`
}

// Validate checks the field invariants that do not need the page itself.
func (d Detection) Validate() error {
	switch {
	case d.Page < 1:
		return fmt.Errorf("page %d is not 1-based", d.Page)
	case !d.BBox.Valid():
		return fmt.Errorf("page %d: bbox %v has no area", d.Page, d.BBox)
	case d.Text == "":
		return fmt.Errorf("page %d: empty matched text", d.Page)
	case d.Label == "":
		return fmt.Errorf("page %d: empty label", d.Page)
	case d.Source != SourceKeyword && d.Source != SourcePattern:
		return fmt.Errorf("page %d: unknown source %q", d.Page, d.Source)
	case !(d.Confidence > 0 && d.Confidence <= 1):
		return fmt.Errorf("page %d: confidence %v outside (0,1]", d.Page, d.Confidence)
	case d.Action != ActionRedact && d.Action != ActionIgnore:
		return fmt.Errorf("page %d: unknown action %q", d.Page, d.Action)
	}
	return nil
}

// Stats summarizes a Manifest.
type Stats struct {
	Total int `json:"total"`
	// CoverageEstimate is advisory only. It is 1.0 for every manifest and
	// does not measure how much sensitive content was actually found.
	CoverageEstimate float64 `json:"coverage_estimate"`
}

// Manifest is the immutable, ordered list of detections for one document.
type Manifest struct {
	DocID            string      `json:"doc_id"`
	Detections       []Detection `json:"detections"`
	Stats            Stats       `json:"stats"`
	RulesFingerprint string      `json:"rules_fingerprint,omitempty"`
}

// Option configures Build.
type Option func(*Manifest)

// WithRulesFingerprint records which rule set produced the detections.
func WithRulesFingerprint(fp string) Option {
	return func(m *Manifest) { m.RulesFingerprint = fp }
}

// Build concatenates per-page detections in page order, keeping each page's
// internal order, and computes the summary stats.
func Build(docID string, perPage [][]Detection, opts ...Option) *Manifest {
	total := 0
	for _, page := range perPage {
		total += len(page)
	}
	dets := make([]Detection, 0, total)
	for _, page := range perPage {
		dets = append(dets, page...)
	}

	m := &Manifest{
		DocID:      docID,
		Detections: dets,
		Stats: Stats{
			Total:            len(dets),
			CoverageEstimate: 1.0,
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Canonical returns the deterministic JSON encoding used for policy input
// and record signing.
func (m *Manifest) Canonical() ([]byte, error) {
	if m.Detections == nil {
		cp := *m
		cp.Detections = []Detection{}
		return json.Marshal(&cp)
	}
	return json.Marshal(m)
}

// Validate checks every detection, page ordering and the stats total.
func (m *Manifest) Validate() error {
	prev := 0
	for i, d := range m.Detections {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%w: detection %d: %v", ErrInvalidManifest, i, err)
		}
		if d.Page < prev {
			return fmt.Errorf("%w: detection %d on page %d follows page %d", ErrInvalidManifest, i, d.Page, prev)
		}
		prev = d.Page
	}
	if m.Stats.Total != len(m.Detections) {
		return fmt.Errorf("%w: stats.total %d but %d detections", ErrInvalidManifest, m.Stats.Total, len(m.Detections))
	}
	return nil
}

// Parse decodes and validates a serialized Manifest.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Detections == nil {
		m.Detections = []Detection{}
	}
	return &m, nil
}
