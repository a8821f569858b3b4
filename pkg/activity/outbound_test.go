package activity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func always(result bool) ConditionFunc {
	return func(*RunMessage) (bool, error) { return result, nil }
}

func failing(err error) ConditionFunc {
	return func(*RunMessage) (bool, error) { return false, err }
}

func actionOf(t *testing.T, results []OutboundResult, id string) OutboundAction {
	t.Helper()
	for _, r := range results {
		if r.Id == id {
			return r.Action
		}
	}
	t.Fatalf("no result for flow %q", id)
	return ""
}

func TestEvaluateOutbound_ExclusiveTakeOneShortCircuits(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1", ConditionFunc: always(false)},
		SimpleFlow{FlowId: "f2", ConditionFunc: always(true)},
		SimpleFlow{FlowId: "f3", ConditionFunc: always(true)},
	}
	results, err := EvaluateOutbound("gw1", &RunMessage{}, flows, true)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ActionDiscard, actionOf(t, results, "f1"))
	assert.Equal(t, ActionTake, actionOf(t, results, "f2"))
	assert.Equal(t, ActionDiscard, actionOf(t, results, "f3"))
}

func TestEvaluateOutbound_InclusiveMultipleTakes(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1", ConditionFunc: always(true)},
		SimpleFlow{FlowId: "f2", ConditionFunc: always(true)},
		SimpleFlow{FlowId: "f3", ConditionFunc: always(false)},
	}
	results, err := EvaluateOutbound("gw1", &RunMessage{}, flows, false)
	require.NoError(t, err)
	assert.Equal(t, ActionTake, actionOf(t, results, "f1"))
	assert.Equal(t, ActionTake, actionOf(t, results, "f2"))
	assert.Equal(t, ActionDiscard, actionOf(t, results, "f3"))
}

func TestEvaluateOutbound_DefaultFlowEvaluatedLastAndTakenWhenNothingElseIs(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1", ConditionFunc: always(false)},
		SimpleFlow{FlowId: "default", Default: true},
		SimpleFlow{FlowId: "f2", ConditionFunc: always(false)},
	}
	results, err := EvaluateOutbound("gw1", &RunMessage{}, flows, true)
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, actionOf(t, results, "f1"))
	assert.Equal(t, ActionDiscard, actionOf(t, results, "f2"))
	assert.Equal(t, ActionTake, actionOf(t, results, "default"))
	// original declaration order preserved
	require.Equal(t, "f1", results[0].Id)
	require.Equal(t, "default", results[1].Id)
	require.Equal(t, "f2", results[2].Id)
}

func TestEvaluateOutbound_DefaultDiscardedOnceSomethingElseTaken(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "default", Default: true},
		SimpleFlow{FlowId: "f1", ConditionFunc: always(true)},
	}
	results, err := EvaluateOutbound("gw1", &RunMessage{}, flows, false)
	require.NoError(t, err)
	assert.Equal(t, ActionTake, actionOf(t, results, "f1"))
	assert.Equal(t, ActionDiscard, actionOf(t, results, "default"))
}

func TestEvaluateOutbound_NoFlowTakenErrors(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1", ConditionFunc: always(false)},
		SimpleFlow{FlowId: "f2", ConditionFunc: always(false)},
	}
	_, err := EvaluateOutbound("gw1", &RunMessage{}, flows, true)
	require.Error(t, err)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, err, ErrNoFlowTaken)
}

func TestEvaluateOutbound_ConditionErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1", ConditionFunc: failing(boom)},
		SimpleFlow{FlowId: "f2", ConditionFunc: always(true)},
	}
	_, err := EvaluateOutbound("gw1", &RunMessage{}, flows, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestEvaluateOutbound_NoConditionMeansTake(t *testing.T) {
	flows := []SequenceFlow{
		SimpleFlow{FlowId: "f1"},
	}
	results, err := EvaluateOutbound("gw1", &RunMessage{}, flows, false)
	require.NoError(t, err)
	assert.Equal(t, ActionTake, actionOf(t, results, "f1"))
}

func TestEvaluateOutbound_NoOutboundFlowsReturnsEmpty(t *testing.T) {
	results, err := EvaluateOutbound("end1", &RunMessage{}, nil, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEvaluateOutbound_MessagePayloadCarriedOntoEachResult(t *testing.T) {
	flows := []SequenceFlow{SimpleFlow{FlowId: "f1"}}
	msg := &RunMessage{Content: map[string]any{"orderId": 42}}
	results, err := EvaluateOutbound("t1", msg, flows, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, msg.Content, results[0].Message)
}
