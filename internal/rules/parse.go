package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const protectedSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "protected.yaml",
  "type": "object",
  "additionalProperties": {
    "oneOf": [
      {"type": "null"},
      {"type": "array", "items": {"type": "string", "minLength": 1}}
    ]
  }
}`

const patternsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "patterns.yaml",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "patterns": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "regex"],
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
              "regex": {"type": "string", "minLength": 1}
            }
          }
        }
      ]
    }
  }
}`

// parseProtected returns one keyword rule per term, labels and terms in
// document order.
func parseProtected(data []byte) ([]Rule, error) {
	if err := validateSchema(data, protectedSchema); err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of label to terms", root.Line)
	}

	var out []Rule
	seen := make(map[string]bool)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		label := strings.TrimSpace(key.Value)
		if label == "" {
			return nil, fmt.Errorf("line %d: empty label", key.Line)
		}
		if seen[label] {
			return nil, fmt.Errorf("line %d: duplicate label %q", key.Line, label)
		}
		seen[label] = true

		if val.Kind != yaml.SequenceNode {
			// null: a label with no terms yet
			continue
		}
		for _, item := range val.Content {
			if item.Kind != yaml.ScalarNode || item.ShortTag() != "!!str" {
				return nil, fmt.Errorf("line %d: term under %q must be a string", item.Line, label)
			}
			term := strings.TrimSpace(item.Value)
			if term == "" {
				return nil, fmt.Errorf("line %d: blank term under %q", item.Line, label)
			}
			out = append(out, Rule{
				Label:     label,
				Kind:      KindKeyword,
				Term:      term,
				lowerTerm: strings.ToLower(term),
			})
		}
	}
	return out, nil
}

type patternFile struct {
	Patterns []struct {
		Name  string `yaml:"name"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
}

// parsePatterns compiles every entry case-insensitively.
func parsePatterns(data []byte) ([]Rule, error) {
	if err := validateSchema(data, patternsSchema); err != nil {
		return nil, err
	}

	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	out := make([]Rule, 0, len(pf.Patterns))
	seen := make(map[string]bool)
	for _, p := range pf.Patterns {
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate pattern name %q", p.Name)
		}
		seen[p.Name] = true

		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		if re.MatchString("") {
			return nil, fmt.Errorf("pattern %q matches the empty string", p.Name)
		}
		out = append(out, Rule{Label: p.Name, Kind: KindPattern, Term: p.Regex, re: re})
	}
	return out, nil
}

// validateSchema converts YAML to JSON and checks it against schema.
// An empty document is valid.
func validateSchema(data []byte, schema string) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// normalizeYAML turns map[interface{}]interface{} into string-keyed maps so
// the value can be marshalled to JSON.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
