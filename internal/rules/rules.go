// Package rules loads and compiles the detection rule set: protected terms
// grouped by label and named case-insensitive regular expressions.
//
// A RuleSet is compiled once and never mutated afterwards. It is shared by
// every job and every page without locking.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	xxhash "github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"

	privyotel "github.com/dativo-io/privypress/internal/otel"
	"github.com/dativo-io/privypress/patterns"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/rules")

// ErrConfig is returned for any malformed rule source. It is fatal at startup.
var ErrConfig = errors.New("invalid rule configuration")

// File names looked up by LoadDir.
const (
	ProtectedFile = "protected.yaml"
	PatternsFile  = "patterns.yaml"
)

// Kind distinguishes literal keyword rules from regular-expression rules.
type Kind string

const (
	KindKeyword Kind = "keyword"
	KindPattern Kind = "pattern"
)

// Rule is a single compiled detection rule.
type Rule struct {
	Label string
	Kind  Kind
	// Term is the literal for keyword rules and the regex source for pattern rules.
	Term string

	lowerTerm string
	re        *regexp.Regexp
}

// ContainedIn reports whether a keyword rule's term occurs in lowerText,
// which must already be lower-cased.
func (r Rule) ContainedIn(lowerText string) bool {
	return r.Kind == KindKeyword && strings.Contains(lowerText, r.lowerTerm)
}

// FindAll returns every non-overlapping match of a pattern rule in text.
func (r Rule) FindAll(text string) []string {
	if r.Kind != KindPattern || r.re == nil {
		return nil
	}
	return r.re.FindAllString(text, -1)
}

// RuleSet is an immutable, compiled set of keyword and pattern rules.
type RuleSet struct {
	keywords    []Rule
	patterns    []Rule
	fingerprint string
}

// Keywords returns the keyword rules in source order.
func (rs *RuleSet) Keywords() []Rule { return append([]Rule(nil), rs.keywords...) }

// Patterns returns the pattern rules in source order.
func (rs *RuleSet) Patterns() []Rule { return append([]Rule(nil), rs.patterns...) }

// Len returns the total number of rules.
func (rs *RuleSet) Len() int { return len(rs.keywords) + len(rs.patterns) }

// Fingerprint identifies the rule content; equal rule lists share a fingerprint.
func (rs *RuleSet) Fingerprint() string { return rs.fingerprint }

// Source holds the raw bytes of both rule files. Name is used in errors.
type Source struct {
	Name      string
	Protected []byte
	Patterns  []byte
}

// Load parses, validates and compiles a rule source.
func Load(ctx context.Context, src Source) (*RuleSet, error) {
	_, span := tracer.Start(ctx, "rules.load")
	defer span.End()

	keywords, err := parseProtected(src.Protected)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrConfig, src.Name, ProtectedFile, err)
	}
	pats, err := parsePatterns(src.Patterns)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrConfig, src.Name, PatternsFile, err)
	}

	rs := &RuleSet{keywords: keywords, patterns: pats}
	rs.fingerprint = fingerprint(rs)

	span.SetAttributes(
		attribute.Int("rules.keywords", len(keywords)),
		attribute.Int("rules.patterns", len(pats)),
		privyotel.RulesFingerprint.String(rs.fingerprint),
	)
	return rs, nil
}

// LoadDir reads protected.yaml and patterns.yaml from dir. Both files must exist.
func LoadDir(ctx context.Context, dir string) (*RuleSet, error) {
	protected, err := os.ReadFile(filepath.Join(dir, ProtectedFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	pats, err := os.ReadFile(filepath.Join(dir, PatternsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return Load(ctx, Source{Name: dir, Protected: protected, Patterns: pats})
}

// Default compiles the embedded default rules.
func Default(ctx context.Context) (*RuleSet, error) {
	return Load(ctx, Source{
		Name:      "embedded",
		Protected: patterns.ProtectedYAML(),
		Patterns:  patterns.PatternsYAML(),
	})
}

// fingerprint hashes a canonical listing of the rules in order.
func fingerprint(rs *RuleSet) string {
	d := xxhash.New()
	for _, group := range [][]Rule{rs.keywords, rs.patterns} {
		for _, r := range group {
			_, _ = d.WriteString(string(r.Kind))
			_, _ = d.WriteString("\x00" + r.Label + "\x00" + r.Term + "\n")
		}
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
