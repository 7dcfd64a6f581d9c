// Package extract pulls JSON out of free-text model completions and
// validates it against a caller-supplied JSON Schema. Completions wrap
// structured answers unpredictably in prose or markdown fences, so
// extraction tries several framings before giving up.
package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/routegate/routegate/internal/domain"
)

// ExtractJSON parses a JSON value out of completion text. Fallback order:
// the whole text, a fenced code block, then the substring between the
// first '{' and the last '}'.
func ExtractJSON(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	if obj, ok := tryParse(trimmed); ok {
		return obj, nil
	}

	if block, ok := fencedBlock(trimmed); ok {
		if obj, ok := tryParse(block); ok {
			return obj, nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if obj, ok := tryParse(trimmed[start : end+1]); ok {
			return obj, nil
		}
	}

	return nil, &domain.ExtractionError{Reason: "no parseable JSON object in completion text"}
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// fencedBlock returns the contents of the first ``` fenced block,
// skipping an optional language tag on the opening fence.
func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	close := strings.Index(rest, "```")
	if close < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:close]), true
}

// CoerceAndValidate validates obj against the given JSON Schema. With
// coerce set, string leaves are first converted to the numeric or boolean
// types the schema declares. Validation failures enumerate every violated
// field path, not just the first.
func CoerceAndValidate(obj map[string]any, schema []byte, coerce bool) (map[string]any, error) {
	var schemaDoc map[string]any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, &domain.SchemaValidationError{Violations: []domain.FieldViolation{
			{Path: "", Message: "invalid response_schema: " + err.Error()},
		}}
	}

	if coerce {
		obj = coerceValue(obj, schemaDoc).(map[string]any)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaDoc))
	if err != nil {
		return nil, &domain.SchemaValidationError{Violations: []domain.FieldViolation{
			{Path: "", Message: "invalid response_schema: " + err.Error()},
		}}
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return nil, &domain.SchemaValidationError{Violations: []domain.FieldViolation{
			{Path: "", Message: err.Error()},
		}}
	}
	if result.Valid() {
		return obj, nil
	}

	violations := make([]domain.FieldViolation, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, domain.FieldViolation{
			Path:    pointerPath(re),
			Message: re.Description(),
		})
	}
	return nil, &domain.SchemaValidationError{Violations: violations}
}

// pointerPath renders a result error location as a JSON pointer, e.g. /x.
func pointerPath(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY || field == "(root)" {
		field = ""
	}
	if prop, ok := re.Details()["property"].(string); ok && prop != "" && !strings.HasSuffix(field, prop) {
		if field == "" {
			field = prop
		} else {
			field += "." + prop
		}
	}
	if field == "" {
		return "/"
	}
	return "/" + strings.ReplaceAll(field, ".", "/")
}

// coerceValue converts string leaves toward the types the schema names.
// Only string→number/integer/boolean conversions happen; anything not
// convertible is left for validation to reject.
func coerceValue(v any, schema map[string]any) any {
	typ, _ := schema["type"].(string)

	switch val := v.(type) {
	case string:
		switch typ {
		case "number", "integer":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		case "boolean":
			if b, err := strconv.ParseBool(val); err == nil {
				return b
			}
		}
		return val
	case map[string]any:
		props, _ := schema["properties"].(map[string]any)
		if props == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			if childSchema, ok := props[k].(map[string]any); ok {
				out[k] = coerceValue(child, childSchema)
			} else {
				out[k] = child
			}
		}
		return out
	case []any:
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return val
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = coerceValue(child, items)
		}
		return out
	default:
		return v
	}
}
