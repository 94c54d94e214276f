package schema

import "fmt"

// Compatibility reports whether an output schema can satisfy an input
// schema's required fields and whether the overlapping fields' types line
// up, without running any actual value through either.
type Compatibility struct {
	Compatible bool
	Issues     []string
	Warnings   []string
}

// Check compares an output Schema against a downstream input Schema.
func Check(output, input *Schema) Compatibility {
	result := Compatibility{Compatible: true}

	if output == nil || input == nil {
		return result
	}
	if output.Kind != KindObject || input.Kind != KindObject {
		return result
	}

	for name, field := range input.Properties {
		outField, exists := output.Properties[name]
		if !exists {
			if field.Required {
				result.Compatible = false
				result.Issues = append(result.Issues,
					fmt.Sprintf("input requires field %q but output schema does not declare it", name))
				continue
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("input expects optional field %q which output may not provide", name))
			continue
		}
		if err := checkKindCompatible(name, outField.Schema, field.Schema); err != nil {
			result.Compatible = false
			result.Issues = append(result.Issues, err.Error())
		}
	}

	return result
}

func checkKindCompatible(field string, out, in *Schema) error {
	if out == nil || in == nil {
		return nil
	}
	if out.Kind == in.Kind {
		if out.Kind == KindArray {
			return checkKindCompatible(field+"[]", out.Items, in.Items)
		}
		return nil
	}
	if out.Kind == KindInteger && in.Kind == KindNumber {
		return nil
	}
	return fmt.Errorf("field %q: output kind %q is not compatible with input kind %q", field, out.Kind, in.Kind)
}
