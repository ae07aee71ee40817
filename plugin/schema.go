package plugin

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// validate checks string formats; it is safe for concurrent use
var validate = validator.New()

// FieldType is the value type of a config field
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldPassword    FieldType = "password"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldTextarea    FieldType = "textarea"
	FieldURL         FieldType = "url"
	FieldEmail       FieldType = "email"
)

// Valid reports whether t is a known field type
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldPassword, FieldNumber, FieldBoolean, FieldSelect,
		FieldMultiSelect, FieldTextarea, FieldURL, FieldEmail:
		return true
	}
	return false
}

func (t FieldType) isString() bool {
	switch t {
	case FieldText, FieldPassword, FieldTextarea, FieldURL, FieldEmail, FieldSelect:
		return true
	}
	return false
}

// Dependency makes a field conditional on another field's value
type Dependency struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Field declares one configuration parameter.
// Min and Max bound numbers, and the length of string values.
type Field struct {
	Key         string      `json:"key"`
	Label       string      `json:"label,omitempty"`
	Type        FieldType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     any         `json:"default,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
	Pattern     string      `json:"pattern,omitempty"`
	DependsOn   *Dependency `json:"depends_on,omitempty"`

	// Check is a custom predicate returning a message, or "" when the value is acceptable
	Check func(value any, params map[string]any) string `json:"-"`
}

// Bound is a helper for Field.Min / Field.Max literals
func Bound(v float64) *float64 {
	return &v
}

// Schema is the ordered set of fields a plugin accepts
type Schema struct {
	Fields []Field `json:"fields"`
}

// ValidationResult is the outcome of validating parameters against a schema
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err returns a *errors.ValidationError for an invalid result, nil otherwise
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.NewValidationError(r.Errors)
}

// Field returns the field with key, if declared
func (s Schema) Field(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Defaults returns a fresh map of every field that declares a default
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any)
	for _, f := range s.Fields {
		if f.Default != nil {
			out[f.Key] = f.Default
		}
	}
	return out
}

// Check verifies the schema itself is well formed
func (s Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Key == "" {
			return errors.New("schema field with empty key")
		}
		if seen[f.Key] {
			return errors.Newf("schema field %q declared twice", f.Key)
		}
		seen[f.Key] = true
		if !f.Type.Valid() {
			return errors.Newf("schema field %q has unknown type %q", f.Key, f.Type)
		}
		if (f.Type == FieldSelect || f.Type == FieldMultiSelect) && len(f.Options) == 0 {
			return errors.Newf("schema field %q is a %s without options", f.Key, f.Type)
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				return errors.Wrapf(err, "schema field %q pattern", f.Key)
			}
		}
	}
	for _, f := range s.Fields {
		if f.DependsOn != nil && !seen[f.DependsOn.Field] {
			return errors.Newf("schema field %q depends on unknown field %q", f.Key, f.DependsOn.Field)
		}
	}
	return nil
}

// Validate checks params against the schema. Fields are visited in
// declaration order; params is never modified.
func (s Schema) Validate(params map[string]any) ValidationResult {
	var errs []string

	for _, f := range s.Fields {
		if f.DependsOn != nil && !dependencyMet(*f.DependsOn, params) {
			continue
		}

		value, present := params[f.Key]
		if !present || isEmpty(value) {
			if f.Required {
				errs = append(errs, fmt.Sprintf("%s: is required", f.Key))
			}
			continue
		}

		if msg := checkType(f, value); msg != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", f.Key, msg))
			continue
		}
		if msg := checkRange(f, value); msg != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", f.Key, msg))
		}
		if msg := checkPattern(f, value); msg != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", f.Key, msg))
		}
		if f.Check != nil {
			if msg := f.Check(value, params); msg != "" {
				errs = append(errs, fmt.Sprintf("%s: %s", f.Key, msg))
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func dependencyMet(dep Dependency, params map[string]any) bool {
	actual, ok := params[dep.Field]
	if !ok {
		return false
	}
	return looselyEqual(actual, dep.Value)
}

// looselyEqual compares numbers by value regardless of Go type, then falls
// back to deep equality and finally string form.
func looselyEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStrings(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func checkType(f Field, value any) string {
	switch f.Type {
	case FieldNumber:
		n, ok := toFloat(value)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return "must be a number"
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case FieldMultiSelect:
		items, ok := toStrings(value)
		if !ok {
			return "must be a list of strings"
		}
		for _, item := range items {
			if !contains(f.Options, item) {
				return fmt.Sprintf("%q is not one of %s", item, strings.Join(f.Options, ", "))
			}
		}
	default:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		switch f.Type {
		case FieldSelect:
			if !contains(f.Options, s) {
				return fmt.Sprintf("must be one of %s", strings.Join(f.Options, ", "))
			}
		case FieldURL:
			if validate.Var(s, "url") != nil {
				return "must be a valid URL"
			}
		case FieldEmail:
			if validate.Var(s, "email") != nil {
				return "must be a valid email address"
			}
		}
	}
	return ""
}

func checkRange(f Field, value any) string {
	if f.Min == nil && f.Max == nil {
		return ""
	}

	var n float64
	unit := ""
	switch {
	case f.Type == FieldNumber:
		n, _ = toFloat(value)
	case f.Type == FieldMultiSelect:
		items, _ := toStrings(value)
		n = float64(len(items))
		unit = " selections"
	case f.Type.isString():
		n = float64(len([]rune(value.(string))))
		unit = " characters"
	default:
		return ""
	}

	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("must be at least %s%s", formatBound(*f.Min), unit)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("must be at most %s%s", formatBound(*f.Max), unit)
	}
	return ""
}

func checkPattern(f Field, value any) string {
	if f.Pattern == "" || !f.Type.isString() {
		return ""
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return "has an invalid pattern in its schema"
	}
	if !re.MatchString(value.(string)) {
		return fmt.Sprintf("must match pattern %s", f.Pattern)
	}
	return ""
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
