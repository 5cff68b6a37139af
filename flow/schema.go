package flow

import (
	"fmt"
	"sort"
)

// FieldType names the shape of a single schema field. Typing is structural
// and shallow: a field is a string, a number, a bool, an object, an array,
// or anything.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// Schema declares the named, typed fields a node consumes or produces.
// A nil or empty input schema accepts any values; a nil or empty output
// schema promises nothing and is never checked.
type Schema map[string]FieldType

// fields returns the schema's field names in sorted order so reports and
// errors come out stable.
func (s Schema) fields() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// satisfies reports whether an output schema provides every field an input
// schema requires, by name and type. Each violation names the field, the
// expected type, and what the producer actually offers.
func satisfies(out, in Schema) []string {
	var issues []string
	for _, field := range in.fields() {
		want := in[field]
		got, ok := out[field]
		if !ok {
			issues = append(issues, fmt.Sprintf("field %q (%s) is required but not produced", field, want))
			continue
		}
		if !compatible(got, want) {
			issues = append(issues, fmt.Sprintf("field %q expects %s but producer provides %s", field, want, got))
		}
	}
	return issues
}

// compatible reports whether a produced field type can satisfy an expected
// one. TypeAny is a wildcard on either side.
func compatible(got, want FieldType) bool {
	if got == want || got == TypeAny || want == TypeAny {
		return true
	}
	return false
}

// Check validates concrete values against the schema at runtime. It reports
// missing fields and fields whose dynamic type does not match the declared
// one. Extra fields are permitted; schemas constrain what must be present,
// not what may be.
func (s Schema) Check(values map[string]any) []string {
	var issues []string
	for _, field := range s.fields() {
		want := s[field]
		v, ok := values[field]
		if !ok {
			issues = append(issues, fmt.Sprintf("missing field %q (%s)", field, want))
			continue
		}
		if want == TypeAny {
			continue
		}
		got := typeOf(v)
		if !compatible(got, want) {
			issues = append(issues, fmt.Sprintf("field %q expects %s but value is %s", field, want, got))
		}
	}
	return issues
}

// typeOf maps a runtime value to its FieldType. JSON decoding produces
// map[string]any, []any, float64, bool, and string, but native Go ints and
// typed slices show up too when nodes build outputs directly.
func typeOf(v any) FieldType {
	switch v.(type) {
	case nil:
		return TypeAny
	case string:
		return TypeString
	case bool:
		return TypeBool
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any, []string, []int, []float64, []map[string]any:
		return TypeArray
	default:
		return TypeObject
	}
}
