package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

// --- Basic evaluation ---

func TestExpr_IntegerLiteral(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "42", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"a": 10, "b": 3}

	t.Run("addition", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "a + b", data)
		require.NoError(t, err)
		assert.Equal(t, 13, out)
	})

	t.Run("comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "a > b", data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestExpr_VariableInjection(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"order": map[string]any{
			"amount":  250.0,
			"country": "ES",
		},
	}

	out, err := e.Evaluate(context.Background(), `order.amount > 100 && order.country == "ES"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

// --- Array operations ---

func TestExpr_Filter(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"items": []any{1, 5, 12, 20},
	}

	out, err := e.Evaluate(context.Background(), "filter(items, # > 10)", data)
	require.NoError(t, err)
	assert.Equal(t, []any{12, 20}, out)
}

func TestExpr_Sum(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"amounts": []any{10, 20, 30},
	}

	out, err := e.Evaluate(context.Background(), "sum(amounts)", data)
	require.NoError(t, err)
	assert.Equal(t, 60, out)
}

// --- Nil handling ---

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

// --- Errors ---

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "a +* b", map[string]any{"a": 1, "b": 2})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
	assert.Equal(t, "a +* b", flowErr.Details["expression"])
}

// --- Caching and concurrency ---

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "x * 2", map[string]any{"x": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
