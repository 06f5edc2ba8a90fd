package dsl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// searchDSLSchema is the structural contract for incoming rule documents.
// It rejects malformed shapes before preflight validation sees them;
// semantic checks (catalog membership, range caps) stay in the validator
// and compiler.
const searchDSLSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string"},
    "search": {
      "type": "object",
      "additionalProperties": false,
      "required": ["time_range", "tenant_ids"],
      "properties": {
        "time_range": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "last_seconds": {"type": "integer", "minimum": 1},
            "start": {"type": "integer", "minimum": 0},
            "end": {"type": "integer", "minimum": 0}
          }
        },
        "where": {"$ref": "#/definitions/expr"},
        "tenant_ids": {"type": "array", "items": {"type": "string"}}
      }
    },
    "threshold": {
      "type": "object",
      "additionalProperties": false,
      "required": ["group_by", "count_gte"],
      "properties": {
        "group_by": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "count_gte": {"type": "integer", "minimum": 1},
        "window_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "cardinality": {
      "type": "object",
      "additionalProperties": false,
      "required": ["group_by", "field", "distinct_gte"],
      "properties": {
        "group_by": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "field": {"type": "string"},
        "distinct_gte": {"type": "integer", "minimum": 1},
        "window_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "sequence": {
      "type": "object",
      "additionalProperties": false,
      "required": ["steps", "group_by", "window_seconds"],
      "properties": {
        "steps": {
          "type": "array",
          "minItems": 1,
          "maxItems": 5,
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["where"],
            "properties": {"where": {"$ref": "#/definitions/expr"}}
          }
        },
        "group_by": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "window_seconds": {"type": "integer", "minimum": 1, "maximum": 86400}
      }
    }
  },
  "definitions": {
    "expr": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "and": {"type": "array", "items": {"$ref": "#/definitions/expr"}, "minItems": 1},
        "or": {"type": "array", "items": {"$ref": "#/definitions/expr"}, "minItems": 1},
        "not": {"$ref": "#/definitions/expr"},
        "field": {"type": "string"},
        "op": {"type": "string"},
        "values": {"type": "array"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(searchDSLSchema)

// ParseSearchDSLJSON validates a raw JSON document against the DSL schema
// and unmarshals it. Schema violations are reported with their document
// paths.
func ParseSearchDSLJSON(data []byte) (*SearchDSL, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid search document: %v", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, fmt.Errorf("search document failed schema validation: %s", strings.Join(problems, "; "))
	}

	var d SearchDSL
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search document: %w", err)
	}
	return &d, nil
}

// ParseSearchDSLYAML accepts the YAML form used by the compile CLI. The
// document is converted to JSON and run through the same schema gate.
func ParseSearchDSLYAML(data []byte) (*SearchDSL, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML search document: %w", err)
	}
	jsonData, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to convert search document to JSON: %w", err)
	}
	return ParseSearchDSLJSON(jsonData)
}

// normalizeYAML rewrites map[interface{}]interface{} trees into
// map[string]interface{} so they can round-trip through encoding/json.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
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
