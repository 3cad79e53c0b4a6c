package foldstream

import "fmt"

// Schema validates a data shape. It is a capability supplied at
// registration: the runtime only ever asks "is this value acceptable,
// and if not, why". A nil Schema accepts everything.
//
// The explanation returned for a failing value is machine-readable and
// travels on CommandInvalidError / AggregateInvalidError unchanged.
type Schema interface {
	Validate(value map[string]any) (ok bool, explain map[string]any)
}

// SchemaFunc adapts a function to the Schema interface.
type SchemaFunc func(value map[string]any) (bool, map[string]any)

// Validate implements Schema.
func (f SchemaFunc) Validate(value map[string]any) (bool, map[string]any) {
	return f(value)
}

// FieldKind is the expected shape of a field in a MapSchema.
type FieldKind string

// Field kinds understood by MapSchema.
const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindMap    FieldKind = "map"
	KindSeq    FieldKind = "seq"
)

// MapSchema is a small structural validator for map payloads: required
// keys must be present, and typed keys must hold the declared kind.
// Unknown keys pass. Applications with richer needs plug in their own
// Schema implementation.
type MapSchema struct {
	// Required lists keys that must be present.
	Required []string

	// Fields maps keys to their expected kind. Keys absent from the
	// value are not checked unless also listed in Required.
	Fields map[string]FieldKind
}

// Validate implements Schema.
func (s MapSchema) Validate(value map[string]any) (bool, map[string]any) {
	var problems []map[string]any

	for _, key := range s.Required {
		if _, present := value[key]; !present {
			problems = append(problems, map[string]any{
				"field":  key,
				"reason": "required key is missing",
			})
		}
	}

	for key, kind := range s.Fields {
		v, present := value[key]
		if !present {
			continue
		}
		if !matchesKind(v, kind) {
			problems = append(problems, map[string]any{
				"field":  key,
				"reason": fmt.Sprintf("expected %s, got %T", kind, v),
			})
		}
	}

	if len(problems) == 0 {
		return true, nil
	}
	return false, map[string]any{"problems": problems}
}

func matchesKind(v any, kind FieldKind) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindMap:
		_, ok := v.(map[string]any)
		return ok
	case KindSeq:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// validateSchema runs a possibly-nil schema.
func validateSchema(schema Schema, value map[string]any) (bool, map[string]any) {
	if schema == nil {
		return true, nil
	}
	return schema.Validate(value)
}
