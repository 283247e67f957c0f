package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaWithRequired() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
			"size": map[string]interface{}{"type": "number"},
		},
		"required": []interface{}{"path"},
	}
}

func TestValidateInputAcceptsValid(t *testing.T) {
	err := ValidateInput(schemaWithRequired(), []byte(`{"path":"a.txt","size":3}`))
	assert.NoError(t, err)
}

func TestValidateInputMissingRequired(t *testing.T) {
	err := ValidateInput(schemaWithRequired(), []byte(`{"size":3}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestValidateInputWrongType(t *testing.T) {
	err := ValidateInput(schemaWithRequired(), []byte(`{"path":42}`))
	assert.Error(t, err)
}

func TestValidateInputEmptyTreatedAsEmptyObject(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	assert.NoError(t, ValidateInput(schema, nil))
}

func TestValidateInputMalformedJSON(t *testing.T) {
	assert.Error(t, ValidateInput(schemaWithRequired(), []byte(`{`)))
}

func TestRegistryNormalizesNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedTool{name: "  spaced  "})

	_, ok := r.Get("spaced")
	assert.True(t, ok)
	_, ok = r.Get("   spaced ")
	assert.True(t, ok)
}

func TestGetDescriptorsSortedAndAnnotated(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedTool{name: "zeta"})
	r.Register(&annotatedTool{namedTool{name: "alpha"}})

	descriptors := r.GetDescriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "alpha", descriptors[0].Definition.Name)
	assert.Equal(t, "zeta", descriptors[1].Definition.Name)
	assert.True(t, descriptors[0].Annotations.ReadOnly)
	assert.False(t, descriptors[1].Annotations.ReadOnly)
}
