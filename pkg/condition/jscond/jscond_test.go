package jscond

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/actrt/pkg/activity"
)

func TestEvaluator_ConditionEvaluatesAgainstContent(t *testing.T) {
	eval := NewEvaluator(context.Background(), 4, 1)
	cond := eval.Condition("amount > 100")

	ok, err := cond(&activity.RunMessage{Content: map[string]any{"amount": 150}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond(&activity.RunMessage{Content: map[string]any{"amount": 50}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_ConditionReturnsErrorOnBadExpression(t *testing.T) {
	eval := NewEvaluator(context.Background(), 2, 1)
	cond := eval.Condition("amount >")

	_, err := cond(&activity.RunMessage{Content: map[string]any{"amount": 1}})
	assert.Error(t, err)
}

func TestEvaluator_ReusesRunnersAcrossCalls(t *testing.T) {
	eval := NewEvaluator(context.Background(), 1, 1)
	cond := eval.Condition("true")

	for i := 0; i < 5; i++ {
		ok, err := cond(&activity.RunMessage{})
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
