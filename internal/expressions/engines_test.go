package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

func assertErrCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr), "expected KinetiqError, got %T", err)
	assert.Equal(t, code, kErr.Code)
}

func TestCELEngine_GuardExpressions(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", engine.Name())

	data := map[string]any{
		"steps": map[string]any{
			"provision": map[string]any{"ok": true, "host": "node-1"},
		},
		"params": map[string]any{"env": "prod", "replicas": 3},
		"execution": map[string]any{
			"id":          "exec-1",
			"retry_count": 0,
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`steps.provision.ok == true`, true},
		{`params.env == "prod"`, true},
		{`params.env == "staging"`, false},
		{`params.replicas > 2 && steps.provision.host == "node-1"`, true},
		{`execution.retry_count > 0`, false},
	}
	for _, tt := range tests {
		out, err := engine.Evaluate(context.Background(), tt.expr, data)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, out, tt.expr)
	}
}

func TestCELEngine_MissingScopeKeysDefaultToEmptyMaps(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	out, err := engine.Evaluate(context.Background(), `size(steps) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), `params.env ==`, nil)
	assertErrCode(t, err, schema.ErrCodeValidation)
}

func TestCELEngine_RuntimeError(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	// Key lookup on a missing entry fails at evaluation time.
	_, err = engine.Evaluate(context.Background(), `steps.missing.ok`, map[string]any{
		"steps": map[string]any{},
	})
	assertErrCode(t, err, schema.ErrCodeExpression)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "", nil)
	assertErrCode(t, err, schema.ErrCodeValidation)
}

func TestExprEngine_ConditionsAsTopLevelVariables(t *testing.T) {
	engine := NewExprEngine()
	assert.Equal(t, "expr", engine.Name())

	out, err := engine.Evaluate(context.Background(), `priority > 3 && env == "prod"`, map[string]any{
		"priority": 5,
		"env":      "prod",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	engine := NewExprEngine()

	// Unknown names compile; they evaluate to nil.
	out, err := engine.Evaluate(context.Background(), `approved == true`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_CompileError(t *testing.T) {
	engine := NewExprEngine()

	_, err := engine.Evaluate(context.Background(), `1 +`, nil)
	assertErrCode(t, err, schema.ErrCodeValidation)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	engine := NewExprEngine()

	_, err := engine.Evaluate(context.Background(), "", nil)
	assertErrCode(t, err, schema.ErrCodeValidation)
}

func TestGoJQEngine_SelectsField(t *testing.T) {
	engine := NewGoJQEngine()
	assert.Equal(t, "jq", engine.Name())

	out, err := engine.Evaluate(context.Background(), `.data.value`, map[string]any{
		"data": map[string]any{"value": 42, "noise": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQEngine_ReshapesObject(t *testing.T) {
	engine := NewGoJQEngine()

	out, err := engine.Evaluate(context.Background(), `{id: .meta.id, count: (.items | length)}`, map[string]any{
		"meta":  map[string]any{"id": "abc"},
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "abc", "count": 3}, out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	engine := NewGoJQEngine()

	out, err := engine.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_NoOutputIsNil(t *testing.T) {
	engine := NewGoJQEngine()

	out, err := engine.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_NumbersNormalizedToFloat64(t *testing.T) {
	engine := NewGoJQEngine()

	out, err := engine.Evaluate(context.Background(), `.n * 2`, map[string]any{"n": int64(21)})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	engine := NewGoJQEngine()

	_, err := engine.Evaluate(context.Background(), `.foo[`, nil)
	assertErrCode(t, err, schema.ErrCodeValidation)
}

func TestGoJQEngine_EnvAccessSandboxed(t *testing.T) {
	t.Setenv("KINETIQ_SECRET", "hunter2")
	engine := NewGoJQEngine()

	out, err := engine.Evaluate(context.Background(), `env.KINETIQ_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"empty string", "", false},
		{"string", "x", true},
		{"zero int", 0, false},
		{"int", 7, true},
		{"zero float", float64(0), false},
		{"float", 0.5, true},
		{"empty map", map[string]any{}, false},
		{"map", map[string]any{"k": 1}, true},
		{"empty slice", []any{}, false},
		{"slice", []any{1}, true},
		{"opaque value", struct{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truthy(tt.in))
		})
	}
}
