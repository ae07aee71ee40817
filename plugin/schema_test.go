package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/errors"
)

func backupSchema() Schema {
	return Schema{Fields: []Field{
		{Key: "targetPath", Type: FieldText, Required: true},
		{Key: "compress", Type: FieldBoolean, Default: true},
		{Key: "retention", Type: FieldNumber, Min: Bound(1), Max: Bound(365), Default: 7},
	}}
}

func TestValidate_RequiredMissing(t *testing.T) {
	res := backupSchema().Validate(map[string]any{})

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"targetPath: is required"}, res.Errors)

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigValidation))
}

func TestValidate_RequiredEmptyString(t *testing.T) {
	res := backupSchema().Validate(map[string]any{"targetPath": "   "})
	assert.Equal(t, []string{"targetPath: is required"}, res.Errors)
}

func TestValidate_Valid(t *testing.T) {
	res := backupSchema().Validate(map[string]any{"targetPath": "/data", "retention": int64(30)})

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidate_TypeMismatch(t *testing.T) {
	res := backupSchema().Validate(map[string]any{
		"targetPath": 42,
		"compress":   "yes",
		"retention":  "seven",
	})

	assert.Equal(t, []string{
		"targetPath: must be a string",
		"compress: must be a boolean",
		"retention: must be a number",
	}, res.Errors)
}

func TestValidate_Range(t *testing.T) {
	schema := backupSchema()

	low := schema.Validate(map[string]any{"targetPath": "/d", "retention": 0})
	assert.Equal(t, []string{"retention: must be at least 1"}, low.Errors)

	high := schema.Validate(map[string]any{"targetPath": "/d", "retention": 365.5})
	assert.Equal(t, []string{"retention: must be at most 365"}, high.Errors)
}

func TestValidate_StringLength(t *testing.T) {
	schema := Schema{Fields: []Field{{Key: "code", Type: FieldText, Min: Bound(3), Max: Bound(5)}}}

	assert.Equal(t, []string{"code: must be at least 3 characters"}, schema.Validate(map[string]any{"code": "ab"}).Errors)
	assert.Equal(t, []string{"code: must be at most 5 characters"}, schema.Validate(map[string]any{"code": "abcdef"}).Errors)
	assert.True(t, schema.Validate(map[string]any{"code": "abcd"}).Valid)
}

func TestValidate_Pattern(t *testing.T) {
	schema := Schema{Fields: []Field{{Key: "slug", Type: FieldText, Pattern: `^[a-z-]+$`}}}

	assert.True(t, schema.Validate(map[string]any{"slug": "nightly-backup"}).Valid)
	assert.Equal(t, []string{"slug: must match pattern ^[a-z-]+$"}, schema.Validate(map[string]any{"slug": "Nightly"}).Errors)
}

func TestValidate_RangeAndPatternEachReport(t *testing.T) {
	schema := Schema{Fields: []Field{{Key: "slug", Type: FieldText, Pattern: `^[a-z]+$`, Max: Bound(3)}}}

	res := schema.Validate(map[string]any{"slug": "ABCD"})
	assert.Len(t, res.Errors, 2)
}

func TestValidate_SelectAndMultiSelect(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Key: "method", Type: FieldSelect, Options: []string{"GET", "POST"}},
		{Key: "channels", Type: FieldMultiSelect, Options: []string{"email", "sms"}},
	}}

	assert.True(t, schema.Validate(map[string]any{"method": "GET", "channels": []any{"email", "sms"}}).Valid)

	res := schema.Validate(map[string]any{"method": "PATCH", "channels": []string{"fax"}})
	assert.Equal(t, []string{
		"method: must be one of GET, POST",
		`channels: "fax" is not one of email, sms`,
	}, res.Errors)
}

func TestValidate_URLAndEmail(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Key: "endpoint", Type: FieldURL},
		{Key: "notify", Type: FieldEmail},
	}}

	assert.True(t, schema.Validate(map[string]any{"endpoint": "https://example.com/hook", "notify": "ops@example.com"}).Valid)

	res := schema.Validate(map[string]any{"endpoint": "not a url", "notify": "Ops <ops@example.com>"})
	assert.Equal(t, []string{
		"endpoint: must be a valid URL",
		"notify: must be a valid email address",
	}, res.Errors)

	res = schema.Validate(map[string]any{"endpoint": "/hooks/relative", "notify": "ops@"})
	assert.Equal(t, []string{
		"endpoint: must be a valid URL",
		"notify: must be a valid email address",
	}, res.Errors)
}

func TestValidate_DependsOnSkipsField(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Key: "method", Type: FieldSelect, Options: []string{"GET", "POST"}, Required: true},
		{Key: "body", Type: FieldTextarea, Required: true, Max: Bound(5), DependsOn: &Dependency{Field: "method", Value: "POST"}},
	}}

	// Condition not met: body is neither required nor range-checked
	assert.True(t, schema.Validate(map[string]any{"method": "GET"}).Valid)
	assert.True(t, schema.Validate(map[string]any{"method": "GET", "body": "far too long"}).Valid)

	// Condition met: rules apply
	assert.Equal(t, []string{"body: is required"}, schema.Validate(map[string]any{"method": "POST"}).Errors)
}

func TestValidate_DependsOnNumericValue(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Key: "level", Type: FieldNumber},
		{Key: "reason", Type: FieldText, Required: true, DependsOn: &Dependency{Field: "level", Value: 3}},
	}}

	assert.False(t, schema.Validate(map[string]any{"level": float64(3)}).Valid)
	assert.True(t, schema.Validate(map[string]any{"level": int64(2)}).Valid)
}

func TestValidate_CustomCheck(t *testing.T) {
	schema := Schema{Fields: []Field{{
		Key:  "targetPath",
		Type: FieldText,
		Check: func(value any, _ map[string]any) string {
			if value.(string)[0] != '/' {
				return "must be an absolute path"
			}
			return ""
		},
	}}}

	assert.Equal(t, []string{"targetPath: must be an absolute path"}, schema.Validate(map[string]any{"targetPath": "data"}).Errors)
}

func TestValidate_IsPure(t *testing.T) {
	schema := backupSchema()
	params := map[string]any{"targetPath": "", "retention": 900, "tags": []any{"a"}}
	snapshot := map[string]any{"targetPath": "", "retention": 900, "tags": []any{"a"}}

	first := schema.Validate(params)
	second := schema.Validate(params)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, params)
}

func TestSchemaDefaults(t *testing.T) {
	defaults := backupSchema().Defaults()
	assert.Equal(t, map[string]any{"compress": true, "retention": 7}, defaults)

	// Each call returns a fresh map
	defaults["compress"] = false
	assert.Equal(t, true, backupSchema().Defaults()["compress"])
}

func TestSchemaCheck(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{"valid", backupSchema(), ""},
		{"empty key", Schema{Fields: []Field{{Type: FieldText}}}, "empty key"},
		{"duplicate", Schema{Fields: []Field{{Key: "a", Type: FieldText}, {Key: "a", Type: FieldText}}}, "declared twice"},
		{"unknown type", Schema{Fields: []Field{{Key: "a", Type: "date"}}}, "unknown type"},
		{"select without options", Schema{Fields: []Field{{Key: "a", Type: FieldSelect}}}, "without options"},
		{"bad pattern", Schema{Fields: []Field{{Key: "a", Type: FieldText, Pattern: "("}}}, "pattern"},
		{"unknown dependency", Schema{Fields: []Field{{Key: "a", Type: FieldText, DependsOn: &Dependency{Field: "b"}}}}, "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Check()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
