package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

const channelSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`

func TestParamsValidator_Valid(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(map[string]any{"channel": "#ops", "limit": 10}, []byte(channelSchema))
	assert.NoError(t, err)
}

func TestParamsValidator_MissingRequired(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(map[string]any{"limit": 10}, []byte(channelSchema))
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
	assert.NotEmpty(t, flowErr.Details["violations"])
}

func TestParamsValidator_WrongType(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(map[string]any{"channel": "#ops", "limit": "ten"}, []byte(channelSchema))
	assert.Error(t, err)
}

func TestParamsValidator_AdditionalPropertyRejected(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(map[string]any{"channel": "#ops", "extra": true}, []byte(channelSchema))
	assert.Error(t, err)
}

func TestParamsValidator_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewParamsValidator()

	assert.NoError(t, v.Validate(map[string]any{"whatever": 1}, nil))
}

func TestParamsValidator_NilParamsValidatedAsEmptyObject(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(nil, []byte(channelSchema))
	assert.Error(t, err, "required properties still apply to empty params")
}

func TestParamsValidator_InvalidSchema(t *testing.T) {
	v := NewParamsValidator()

	err := v.Validate(map[string]any{}, []byte(`{"type": 42}`))
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
}

func TestParamsValidator_CachesCompiledSchemas(t *testing.T) {
	v := NewParamsValidator()

	require.NoError(t, v.Validate(map[string]any{"channel": "#ops"}, []byte(channelSchema)))
	require.NoError(t, v.Validate(map[string]any{"channel": "#eng"}, []byte(channelSchema)))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
