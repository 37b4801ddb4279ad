package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

func echoHandler(ctx context.Context, params, execCtx map[string]any) (map[string]any, error) {
	return map[string]any{"params": params, "exec": execCtx}, nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewService("db").HandleFunc("query", echoHandler)))

	out, err := r.Execute(context.Background(),
		Action{Target: "db", Operation: "query"},
		map[string]any{"sql": "select 1"},
		map[string]any{"execution_id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, "select 1", out["params"].(map[string]any)["sql"])
	assert.Equal(t, "e1", out["exec"].(map[string]any)["execution_id"])
}

func TestRegistry_RegisterRejectsInvalidServices(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(NewService("")))

	require.NoError(t, r.Register(NewService("db")))
	err := r.Register(NewService("db"))
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeConflict, kErr.Code)
}

func TestRegistry_ExecuteUnknownTarget(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), Action{Target: "ghost", Operation: "op"}, nil, nil)
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeServiceNotFound, kErr.Code)
}

func TestRegistry_ExecuteUnknownOperation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewService("db").HandleFunc("query", echoHandler)))

	_, err := r.Execute(context.Background(), Action{Target: "db", Operation: "drop"}, nil, nil)
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeActionNotFound, kErr.Code)
}

func TestRegistry_HealthCheck(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewService("db").HandleFunc("query", echoHandler)))
	require.NoError(t, r.Register(NewService("cache").
		HandleFunc("get", echoHandler).
		WithHealth(func(ctx context.Context) string { return "unhealthy: connection refused" })))

	assert.Equal(t, "healthy", r.HealthCheck(context.Background(), "db"))
	assert.Equal(t, "unhealthy: connection refused", r.HealthCheck(context.Background(), "cache"))
	assert.Equal(t, "unhealthy: target not registered", r.HealthCheck(context.Background(), "ghost"))
}

func TestRegistry_TargetsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewService("zeta")))
	require.NoError(t, r.Register(NewService("alpha")))
	require.NoError(t, r.Register(NewService("mid")))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Targets())
}

func TestRegistry_OperationSchemaAndHas(t *testing.T) {
	rawSchema := json.RawMessage(`{"type":"object","required":["region"]}`)
	r := NewRegistry()
	require.NoError(t, r.Register(NewService("infra").
		Handle("provision", Handler{Fn: echoHandler, InputSchema: rawSchema}).
		HandleFunc("teardown", echoHandler)))

	got, ok := r.OperationSchema(Action{Target: "infra", Operation: "provision"})
	require.True(t, ok)
	assert.JSONEq(t, string(rawSchema), string(got))

	_, ok = r.OperationSchema(Action{Target: "infra", Operation: "teardown"})
	assert.False(t, ok)
	_, ok = r.OperationSchema(Action{Target: "ghost", Operation: "provision"})
	assert.False(t, ok)

	assert.True(t, r.Has(Action{Target: "infra", Operation: "provision"}))
	assert.True(t, r.Has(Action{Target: "infra", Operation: "teardown"}))
	assert.False(t, r.Has(Action{Target: "infra", Operation: "ghost"}))
	assert.False(t, r.Has(Action{Target: "ghost", Operation: "provision"}))
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "db.query", Action{Target: "db", Operation: "query"}.String())
}
