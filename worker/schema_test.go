package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompiledSchemaNilWhenRawEmpty(t *testing.T) {
	s, err := compileSchema("empty", nil)
	require.NoError(t, err)
	require.Nil(t, s)
	require.NoError(t, s.validate("anything")) // nil receiver always succeeds
}

func TestCompiledSchemaValidatesRequiredFields(t *testing.T) {
	s, err := compileSchema("task#input", []byte(additionSchema))
	require.NoError(t, err)
	require.NotNil(t, s)

	require.NoError(t, s.validate(map[string]any{"a": float64(1), "b": float64(2)}))
	require.Error(t, s.validate(map[string]any{"a": float64(1)}))
}

func TestCompileSchemaRejectsInvalidDocument(t *testing.T) {
	_, err := compileSchema("task#input", []byte(`{"type": "nonsense-type"}`))
	require.Error(t, err)
}
