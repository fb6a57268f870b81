package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// FieldMapping moves one field from a source record into a target record,
// optionally transforming and validating it on the way.
type FieldMapping struct {
	// SourcePath is the dotted path read from the source record
	SourcePath string `json:"source_path" validate:"required"`
	// TargetPath is the dotted path written in the target record
	TargetPath string `json:"target_path" validate:"required"`
	// Transform names a registered transform function, empty for none
	Transform string `json:"transform,omitempty"`
	// Validation is a validator tag expression applied to the final value,
	// e.g. "required,max=64" or "numeric"
	Validation string `json:"validation,omitempty"`
	// Required fails the record when the source field is missing and no
	// default is configured
	Required bool `json:"required"`
	// Default is used when the source field is missing
	Default any `json:"default,omitempty"`
}

// TransformFunc converts a field value during mapping
type TransformFunc func(value any) (any, error)

// Transformer applies ordered field mappings to records. Named transforms
// are looked up in its registry; validation rules run through the shared
// validator instance.
type Transformer struct {
	transforms map[string]TransformFunc
	validate   *validator.Validate
}

// NewTransformer creates a transformer with the built-in transform registry
func NewTransformer() *Transformer {
	t := &Transformer{
		transforms: make(map[string]TransformFunc),
		validate:   validator.New(),
	}
	t.registerBuiltins()
	return t
}

// Register adds or replaces a named transform
func (t *Transformer) Register(name string, fn TransformFunc) {
	t.transforms[name] = fn
}

// registerBuiltins installs the default transform set
func (t *Transformer) registerBuiltins() {
	t.Register("uppercase", func(v any) (any, error) {
		return strings.ToUpper(toString(v)), nil
	})
	t.Register("lowercase", func(v any) (any, error) {
		return strings.ToLower(toString(v)), nil
	})
	t.Register("trim", func(v any) (any, error) {
		return strings.TrimSpace(toString(v)), nil
	})
	// decimal normalizes numeric values to a canonical decimal string,
	// avoiding float drift on monetary amounts
	t.Register("decimal", func(v any) (any, error) {
		d, ok := toDecimal(v)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return d.String(), nil
	})
	// decimal_2dp rounds monetary amounts to two decimal places
	t.Register("decimal_2dp", func(v any) (any, error) {
		d, ok := toDecimal(v)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return d.Round(2).String(), nil
	})
	t.Register("unix_to_rfc3339", func(v any) (any, error) {
		d, ok := toDecimal(v)
		if !ok {
			return nil, fmt.Errorf("value %v is not a unix timestamp", v)
		}
		return time.Unix(d.IntPart(), 0).UTC().Format(time.RFC3339), nil
	})
	t.Register("string", func(v any) (any, error) {
		return toString(v), nil
	})
}

// Apply maps a source record into a fresh target record using the ordered
// mappings. It fails on the first missing required field, unknown transform,
// transform error, or validation failure.
func (t *Transformer) Apply(mappings []FieldMapping, source Record) (Record, error) {
	target := make(Record)
	for _, m := range mappings {
		value, ok := GetPath(source, m.SourcePath)
		if !ok || value == nil {
			if m.Default != nil {
				value = m.Default
			} else if m.Required {
				return nil, fmt.Errorf("required field %q is missing", m.SourcePath)
			} else {
				continue
			}
		}

		if m.Transform != "" {
			fn, ok := t.transforms[m.Transform]
			if !ok {
				return nil, fmt.Errorf("unknown transform %q for field %q", m.Transform, m.SourcePath)
			}
			transformed, err := fn(value)
			if err != nil {
				return nil, fmt.Errorf("transform %q on field %q: %w", m.Transform, m.SourcePath, err)
			}
			value = transformed
		}

		if m.Validation != "" {
			if err := t.validate.Var(value, m.Validation); err != nil {
				return nil, fmt.Errorf("validation %q failed on field %q: %w", m.Validation, m.SourcePath, err)
			}
		}

		SetPath(target, m.TargetPath, value)
	}
	return target, nil
}

// DecimalOf exposes the shared numeric coercion for callers that need to
// compare amounts outside of mapping, returning false for non-numerics.
func DecimalOf(v any) (decimal.Decimal, bool) {
	return toDecimal(v)
}
