package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ObjectRequiredAndUnknownFields(t *testing.T) {
	s := Object(map[string]Field{
		"name": {Schema: String(), Required: true},
		"age":  {Schema: Integer()},
	})
	s.Closed = true

	_, errs := Validate(s, map[string]interface{}{
		"age":   float64(30),
		"extra": "nope",
	})
	require.Len(t, errs, 2)

	var paths []string
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "$.name")
	assert.Contains(t, paths, "$.extra")
}

func TestValidate_NormalizesIntegerFromFloat(t *testing.T) {
	s := Object(map[string]Field{
		"count": {Schema: Integer(), Required: true},
	})
	normalized, errs := Validate(s, map[string]interface{}{"count": float64(3)})
	require.Empty(t, errs)
	m := normalized.(map[string]interface{})
	assert.Equal(t, int64(3), m["count"])
}

func TestValidate_IntegerRejectsNonIntegralFloat(t *testing.T) {
	s := Integer()
	_, errs := Validate(s, 3.5)
	require.Len(t, errs, 1)
}

func TestValidate_EnumRejectsUnknownMember(t *testing.T) {
	s := Enum("red", "green", "blue")
	_, errs := Validate(s, "purple")
	require.Len(t, errs, 1)

	_, errs = Validate(s, "red")
	require.Empty(t, errs)
}

func TestValidate_OneOfAmbiguousWithoutDiscriminator(t *testing.T) {
	s := &Schema{
		Kind: KindOneOf,
		OneOf: []*Schema{
			Object(map[string]Field{"a": {Schema: String()}}),
			Object(map[string]Field{"b": {Schema: String()}}),
		},
	}
	// Both branches treat unknown/missing fields as optional (open object),
	// so an empty object matches both branches and must be ambiguous.
	_, errs := Validate(s, map[string]interface{}{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "ambiguous")
}

func TestValidate_OneOfDiscriminated(t *testing.T) {
	dog := Object(map[string]Field{
		"kind":  {Schema: Enum("dog"), Required: true},
		"bark":  {Schema: Boolean()},
	})
	cat := Object(map[string]Field{
		"kind": {Schema: Enum("cat"), Required: true},
		"purr": {Schema: Boolean()},
	})
	s := &Schema{
		Kind:               KindOneOf,
		OneOf:              []*Schema{dog, cat},
		DiscriminatorField: "kind",
	}

	_, errs := Validate(s, map[string]interface{}{"kind": "dog", "bark": true})
	require.Empty(t, errs)
}

func TestValidate_ArrayBounds(t *testing.T) {
	min, max := 1, 2
	s := &Schema{Kind: KindArray, Items: String(), MinItems: &min, MaxItems: &max}

	_, errs := Validate(s, []interface{}{})
	require.Len(t, errs, 1)

	_, errs = Validate(s, []interface{}{"a", "b", "c"})
	require.Len(t, errs, 1)

	_, errs = Validate(s, []interface{}{"a"})
	require.Empty(t, errs)
}

func TestValidate_TotalNeverReturnsBothValueAndErrors(t *testing.T) {
	s := Object(map[string]Field{"x": {Schema: String(), Required: true}})
	normalized, errs := Validate(s, map[string]interface{}{})
	assert.Nil(t, normalized)
	assert.NotEmpty(t, errs)

	normalized, errs = Validate(s, map[string]interface{}{"x": "ok"})
	assert.NotNil(t, normalized)
	assert.Empty(t, errs)
}

func TestEqual_SameStructureDifferentPointers(t *testing.T) {
	a := Object(map[string]Field{"x": {Schema: String(), Required: true}})
	b := Object(map[string]Field{"x": {Schema: String(), Required: true}})
	assert.True(t, Equal(a, b))

	c := Object(map[string]Field{"x": {Schema: Integer(), Required: true}})
	assert.False(t, Equal(a, c))
}

func TestCoerce_StringToBooleanAndIntegerFromFloat(t *testing.T) {
	b, err := Coerce(Boolean(), "true")
	require.NoError(t, err)
	assert.Equal(t, true, b)

	i, err := Coerce(Integer(), float64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), i)

	// Non-integral floats are left untouched rather than losing precision.
	untouched, err := Coerce(Integer(), 7.5)
	require.NoError(t, err)
	assert.Equal(t, 7.5, untouched)
}

func TestCheck_MissingRequiredFieldIsIncompatible(t *testing.T) {
	output := Object(map[string]Field{"tags": {Schema: Array(String())}})
	input := Object(map[string]Field{"tags": {Schema: Array(String()), Required: true}})

	result := Check(output, input)
	assert.True(t, result.Compatible)

	input2 := Object(map[string]Field{"category": {Schema: String(), Required: true}})
	result2 := Check(output, input2)
	assert.False(t, result2.Compatible)
	assert.Len(t, result2.Issues, 1)
}
