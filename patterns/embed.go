// Package patterns provides the embedded default rule sources: a protected
// term list grouped by label and a list of named regular expressions.
package patterns

import _ "embed"

//go:embed protected.yaml
var protectedYAML []byte

//go:embed patterns.yaml
var patternsYAML []byte

// ProtectedYAML returns the embedded default protected-term list.
func ProtectedYAML() []byte { return protectedYAML }

// PatternsYAML returns the embedded default pattern list.
func PatternsYAML() []byte { return patternsYAML }
