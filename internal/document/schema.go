package document

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// layoutSchema is the JSON Schema for a serialized Document. Geometry
// invariants that need arithmetic (spans inside the page) are checked by
// Validate after decoding.
const layoutSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "PrivyPress layout document",
  "type": "object",
  "required": ["pages"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string"},
    "pages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["number", "width", "height", "spans"],
        "additionalProperties": false,
        "properties": {
          "number": {"type": "integer", "minimum": 1},
          "width": {"type": "number", "exclusiveMinimum": 0},
          "height": {"type": "number", "exclusiveMinimum": 0},
          "spans": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["text", "x", "y", "advance", "height"],
              "additionalProperties": false,
              "properties": {
                "text": {"type": "string"},
                "x": {"type": "number", "minimum": 0},
                "y": {"type": "number", "minimum": 0},
                "advance": {"type": "number", "exclusiveMinimum": 0},
                "height": {"type": "number", "exclusiveMinimum": 0}
              }
            }
          },
          "fills": {
            "type": "array",
            "items": {
              "type": "array",
              "minItems": 4,
              "maxItems": 4,
              "items": {"type": "number"}
            }
          }
        }
      }
    }
  }
}`

var layoutSchemaLoader = gojsonschema.NewStringLoader(layoutSchema)

// ValidateSchema checks raw JSON against the layout document schema.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(layoutSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("%w: schema validation errors:\n%s", ErrInvalidDocument, errMsg)
	}
	return nil
}
