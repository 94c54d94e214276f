package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ToJSONSchema renders a Schema to a standard JSON Schema document, used to
// populate tools/list descriptors and to drive the gojsonschema-backed deep
// structural check below.
func ToJSONSchema(s *Schema) map[string]interface{} {
	if s == nil {
		return map[string]interface{}{}
	}

	switch s.Kind {
	case KindRef:
		return map[string]interface{}{"$ref": "#/$defs/" + s.RefName}

	case KindObject:
		props := make(map[string]interface{}, len(s.Properties))
		var required []string
		for name, field := range s.Properties {
			props[name] = ToJSONSchema(field.Schema)
			if field.Required {
				required = append(required, name)
			}
		}
		doc := map[string]interface{}{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			doc["required"] = required
		}
		if s.Closed {
			doc["additionalProperties"] = false
		}
		if len(s.Defs) > 0 {
			defs := make(map[string]interface{}, len(s.Defs))
			for name, def := range s.Defs {
				defs[name] = ToJSONSchema(def)
			}
			doc["$defs"] = defs
		}
		return doc

	case KindArray:
		doc := map[string]interface{}{
			"type":  "array",
			"items": ToJSONSchema(s.Items),
		}
		if s.MinItems != nil {
			doc["minItems"] = *s.MinItems
		}
		if s.MaxItems != nil {
			doc["maxItems"] = *s.MaxItems
		}
		return doc

	case KindString:
		doc := map[string]interface{}{"type": "string"}
		if s.MinLength != nil {
			doc["minLength"] = *s.MinLength
		}
		if s.MaxLength != nil {
			doc["maxLength"] = *s.MaxLength
		}
		if s.Pattern != "" {
			doc["pattern"] = s.Pattern
		}
		return doc

	case KindNumber, KindInteger:
		typeName := "number"
		if s.Kind == KindInteger {
			typeName = "integer"
		}
		doc := map[string]interface{}{"type": typeName}
		if s.Minimum != nil {
			doc["minimum"] = *s.Minimum
		}
		if s.Maximum != nil {
			doc["maximum"] = *s.Maximum
		}
		return doc

	case KindBoolean:
		return map[string]interface{}{"type": "boolean"}

	case KindEnum:
		return map[string]interface{}{"enum": s.EnumValues}

	case KindOneOf:
		branches := make([]interface{}, len(s.OneOf))
		for i, branch := range s.OneOf {
			branches[i] = ToJSONSchema(branch)
		}
		return map[string]interface{}{"oneOf": branches}

	default:
		return map[string]interface{}{}
	}
}

// CompileJSONSchema compiles a Schema to a gojsonschema.Schema by way of its
// ToJSONSchema rendering. The compiled form checks the same Schema the
// walker in validate.go checks, plus the string "pattern" rule the walker
// does not evaluate.
func CompileJSONSchema(s *Schema) (*gojsonschema.Schema, error) {
	doc := ToJSONSchema(s)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal for gojsonschema: %w", err)
	}
	loader := gojsonschema.NewBytesLoader(data)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return compiled, nil
}

// ValidateDeep runs value through both the lockstep walker (for normalized
// output and dotted-path errors) and, best-effort, the compiled gojsonschema
// form of the same Schema (which adds the string "pattern" check). gojsonschema
// errors are folded into the same ValidationError shape.
func ValidateDeep(s *Schema, value interface{}) (interface{}, []ValidationError) {
	normalized, errs := Validate(s, value)
	if len(errs) > 0 {
		return nil, errs
	}

	compiled, err := CompileJSONSchema(s)
	if err != nil {
		// The walker already accepted the value; a schema that cannot be
		// compiled to JSON Schema (e.g. it uses refs without defs) is not
		// treated as a hard failure here — the walker is authoritative.
		return normalized, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, []ValidationError{{Path: "$", Message: fmt.Sprintf("value is not JSON-serializable: %v", err)}}
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, []ValidationError{{Path: "$", Message: fmt.Sprintf("gojsonschema validation error: %v", err)}}
	}
	if !result.Valid() {
		var deepErrs []ValidationError
		for _, re := range result.Errors() {
			path := "$"
			if f := re.Field(); f != "" && f != "(root)" {
				path = "$." + f
			}
			deepErrs = append(deepErrs, ValidationError{Path: path, Message: re.Description()})
		}
		return nil, deepErrs
	}

	return normalized, nil
}
