package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/adapters/expression"
	"github.com/eleven-am/procflow/internal/domain"
)

func newTestRegistry() *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRegistry(expression.NewEvaluator(logger), logger)
}

func TestRegistryRegister(t *testing.T) {
	r := newTestRegistry()
	handler := func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}

	require.NoError(t, r.Register("charge", handler))
	assert.True(t, r.Has("charge"))

	var regErr *RegistrationError
	assert.ErrorAs(t, r.Register("charge", handler), &regErr)
	assert.ErrorAs(t, r.Register("", handler), &regErr)
	assert.ErrorAs(t, r.Register("nil", nil), &regErr)

	require.NoError(t, r.Register("audit", handler))
	assert.Equal(t, []string{"audit", "charge"}, r.List())

	require.NoError(t, r.Unregister("audit"))
	assert.Error(t, r.Unregister("audit"))
}

func TestRegistryExecuteService(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register("charge", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"charged": data["amount"]}, nil
	}))

	out, err := r.Execute(context.Background(), &domain.TaskSpec{ID: "pay", Kind: domain.KindServiceTask, Operation: "charge"},
		map[string]interface{}{"amount": 10.0})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out["charged"])

	_, err = r.Execute(context.Background(), &domain.TaskSpec{ID: "ship", Kind: domain.KindServiceTask}, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRegistryExecuteScript(t *testing.T) {
	r := newTestRegistry()
	spec := &domain.TaskSpec{ID: "calc", Kind: domain.KindScriptTask, Script: "# totals\nsubtotal = amount\ndoubled = multiply(subtotal)"}

	_, err := r.Execute(context.Background(), spec, map[string]interface{}{"amount": 2.0})
	var xerr *domain.ExpressionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 3, xerr.Line)

	spec.Script = "subtotal = amount\nlabel = 'total'"
	out, err := r.Execute(context.Background(), spec, map[string]interface{}{"amount": 2.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"subtotal": 2.0, "label": "total"}, out)
}

func TestScriptRunnerRaiseAndFail(t *testing.T) {
	s := NewScriptRunner(expression.NewEvaluator(nil))

	_, err := s.Run("checked = `true`\nraise CreditDenied over limit", nil)
	var bpmnErr *domain.BpmnError
	require.ErrorAs(t, err, &bpmnErr)
	assert.Equal(t, "CreditDenied", bpmnErr.Code)
	assert.Equal(t, "over limit", bpmnErr.Message)
	assert.Equal(t, true, bpmnErr.Payload["checked"])

	_, err = s.Run("\nfail upstream unavailable", nil)
	var xerr *domain.ExpressionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 2, xerr.Line)
	assert.Equal(t, "upstream unavailable", xerr.Message)

	_, err = s.Run("just words", nil)
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 1, xerr.Line)
}
