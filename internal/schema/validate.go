package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValidationError carries the dotted field path at which validation failed.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

type validator struct {
	rootDefs map[string]*Schema
	errs     []ValidationError
}

func (v *validator) fail(path, format string, args ...interface{}) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate traverses schema and value in lockstep, returning either a
// normalized value or a non-empty list of validation errors — never both.
func Validate(s *Schema, value interface{}) (interface{}, []ValidationError) {
	if s == nil {
		return value, nil
	}
	v := &validator{rootDefs: s.Defs}
	normalized := v.validate(s, value, "$")
	if len(v.errs) > 0 {
		return nil, v.errs
	}
	return normalized, nil
}

func (v *validator) validate(s *Schema, value interface{}, path string) interface{} {
	if s == nil {
		v.fail(path, "no schema to validate against")
		return nil
	}

	switch s.Kind {
	case KindRef:
		target, err := resolveRef(s, v.rootDefs)
		if err != nil {
			v.fail(path, "%v", err)
			return nil
		}
		return v.validate(target, value, path)

	case KindObject:
		return v.validateObject(s, value, path)

	case KindArray:
		return v.validateArray(s, value, path)

	case KindString:
		str, ok := value.(string)
		if !ok {
			v.fail(path, "expected string, got %T", value)
			return nil
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			v.fail(path, "string length %d is below minimum %d", len(str), *s.MinLength)
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			v.fail(path, "string length %d exceeds maximum %d", len(str), *s.MaxLength)
		}
		return str

	case KindNumber, KindInteger:
		return v.validateNumeric(s, value, path)

	case KindBoolean:
		b, ok := value.(bool)
		if !ok {
			v.fail(path, "expected boolean, got %T", value)
			return nil
		}
		return b

	case KindEnum:
		for _, allowed := range s.EnumValues {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				return value
			}
		}
		v.fail(path, "value %v is not one of the allowed enum members", value)
		return nil

	case KindOneOf:
		return v.validateOneOf(s, value, path)

	default:
		v.fail(path, "%v: %s", ErrUnknownKind, s.Kind)
		return nil
	}
}

func (v *validator) validateNumeric(s *Schema, value interface{}, path string) interface{} {
	f, isIntegral, err := toFloat(value)
	if err != nil {
		v.fail(path, "expected number, got %T", value)
		return nil
	}
	if s.Kind == KindInteger && !isIntegral {
		v.fail(path, "expected integer, got non-integral number %v", f)
		return nil
	}
	if s.Minimum != nil && f < *s.Minimum {
		v.fail(path, "value %v is below minimum %v", f, *s.Minimum)
	}
	if s.Maximum != nil && f > *s.Maximum {
		v.fail(path, "value %v exceeds maximum %v", f, *s.Maximum)
	}
	if s.Kind == KindInteger {
		return int64(f)
	}
	return f
}

func toFloat(value interface{}) (float64, bool, error) {
	switch n := value.(type) {
	case float64:
		return n, n == float64(int64(n)), nil
	case float32:
		return float64(n), n == float32(int64(n)), nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case int32:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("not a number")
	}
}

func (v *validator) validateObject(s *Schema, value interface{}, path string) interface{} {
	obj, ok := value.(map[string]interface{})
	if !ok {
		v.fail(path, "expected object, got %T", value)
		return nil
	}

	result := make(map[string]interface{}, len(obj))

	fieldNames := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	for _, name := range fieldNames {
		field := s.Properties[name]
		raw, present := obj[name]
		fieldPath := path + "." + name
		if !present {
			if field.Required {
				v.fail(fieldPath, "missing required field")
				continue
			}
			if field.Default != nil {
				result[name] = field.Default
			}
			continue
		}
		result[name] = v.validate(field.Schema, raw, fieldPath)
	}

	if s.Closed {
		for key := range obj {
			if _, known := s.Properties[key]; !known {
				v.fail(path+"."+key, "unknown field on closed object")
			}
		}
	} else {
		for key, raw := range obj {
			if _, known := s.Properties[key]; !known {
				result[key] = raw
			}
		}
	}

	return result
}

func (v *validator) validateArray(s *Schema, value interface{}, path string) interface{} {
	arr, ok := value.([]interface{})
	if !ok {
		v.fail(path, "expected array, got %T", value)
		return nil
	}
	if s.MinItems != nil && len(arr) < *s.MinItems {
		v.fail(path, "array length %d is below minimum %d", len(arr), *s.MinItems)
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		v.fail(path, "array length %d exceeds maximum %d", len(arr), *s.MaxItems)
	}
	result := make([]interface{}, len(arr))
	for i, item := range arr {
		itemPath := path + "[" + strconv.Itoa(i) + "]"
		result[i] = v.validate(s.Items, item, itemPath)
	}
	return result
}

// validateOneOf discriminates deterministically: if multiple branches
// match, validation fails with an ambiguity error unless exactly one branch
// carries the discriminator tag.
func (v *validator) validateOneOf(s *Schema, value interface{}, path string) interface{} {
	if len(s.OneOf) == 0 {
		v.fail(path, "oneOf schema has no branches")
		return nil
	}

	type candidate struct {
		index      int
		normalized interface{}
	}
	var matches []candidate

	for i, branch := range s.OneOf {
		sub := &validator{rootDefs: v.rootDefs}
		normalized := sub.validate(branch, value, path)
		if len(sub.errs) == 0 {
			matches = append(matches, candidate{index: i, normalized: normalized})
		}
	}

	switch len(matches) {
	case 0:
		v.fail(path, "value does not match any branch of oneOf")
		return nil
	case 1:
		return matches[0].normalized
	default:
		if s.DiscriminatorField != "" {
			obj, ok := value.(map[string]interface{})
			if ok {
				tag, hasTag := obj[s.DiscriminatorField]
				if hasTag {
					var discriminated []candidate
					for _, m := range matches {
						branch := s.OneOf[m.index]
						field, ok := branch.Properties[s.DiscriminatorField]
						if !ok {
							continue
						}
						if field.Schema != nil && field.Schema.Kind == KindEnum {
							for _, allowed := range field.Schema.EnumValues {
								if fmt.Sprint(allowed) == fmt.Sprint(tag) {
									discriminated = append(discriminated, m)
								}
							}
						}
					}
					if len(discriminated) == 1 {
						return discriminated[0].normalized
					}
				}
			}
		}
		branches := make([]string, 0, len(matches))
		for _, m := range matches {
			branches = append(branches, strconv.Itoa(m.index))
		}
		v.fail(path, "ambiguous oneOf: value matches multiple branches [%s] and no discriminator resolves it",
			strings.Join(branches, ","))
		return nil
	}
}
