package schema

import (
	"fmt"
	"strconv"
)

// Coerce performs best-effort lossless coercion of a raw value toward the
// shape a schema expects — e.g. a JSON number that happens to be integral
// coerced to an integer, or the exact strings "true"/"false" coerced to a
// boolean. It never silently loses precision: a coercion that would lose
// information is left unconverted and surfaces as a validation error from a
// subsequent Validate call instead of failing silently here.
func Coerce(s *Schema, raw interface{}) (interface{}, error) {
	if s == nil {
		return raw, nil
	}

	switch s.Kind {
	case KindRef:
		target, err := resolveRef(s, s.Defs)
		if err != nil {
			return raw, err
		}
		return Coerce(target, raw)

	case KindInteger:
		switch n := raw.(type) {
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
			return raw, nil
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
			return raw, nil
		}
		return raw, nil

	case KindNumber:
		if str, ok := raw.(string); ok {
			if f, err := strconv.ParseFloat(str, 64); err == nil {
				return f, nil
			}
		}
		return raw, nil

	case KindBoolean:
		if str, ok := raw.(string); ok {
			switch str {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return raw, nil

	case KindObject:
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return raw, nil
		}
		result := make(map[string]interface{}, len(obj))
		for key, val := range obj {
			field, known := s.Properties[key]
			if !known {
				result[key] = val
				continue
			}
			coerced, err := Coerce(field.Schema, val)
			if err != nil {
				return raw, fmt.Errorf("field %q: %w", key, err)
			}
			result[key] = coerced
		}
		return result, nil

	case KindArray:
		arr, ok := raw.([]interface{})
		if !ok {
			return raw, nil
		}
		result := make([]interface{}, len(arr))
		for i, item := range arr {
			coerced, err := Coerce(s.Items, item)
			if err != nil {
				return raw, fmt.Errorf("item %d: %w", i, err)
			}
			result[i] = coerced
		}
		return result, nil

	default:
		return raw, nil
	}
}
