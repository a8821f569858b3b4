package activity

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/actrt/pkg/broker"
)

type fakeBehaviour struct {
	executeCalls     int
	discardCalls     int
	passthroughCalls int
	executeErr       error
	discardErr       error
}

func (f *fakeBehaviour) Execute(msg *RunMessage, pub ExecutionPublisher) error {
	f.executeCalls++
	if f.executeErr != nil {
		return f.executeErr
	}
	return pub.Publish("execute.completed", map[string]any{})
}

func (f *fakeBehaviour) Discard(msg *RunMessage) error {
	f.discardCalls++
	return f.discardErr
}

type passthroughBehaviour struct {
	fakeBehaviour
}

func (f *passthroughBehaviour) Passthrough(msg *RunMessage) error {
	f.passthroughCalls++
	return nil
}

func newTestExecutionBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New("test", hclog.NewNullLogger())
	require.NoError(t, b.AssertExchange(exchangeExecution, broker.Topic))
	return b
}

func TestExecution_ExecuteIsIdempotent(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())

	require.NoError(t, e.Execute(&RunMessage{}))
	require.NoError(t, e.Execute(&RunMessage{}))
	assert.Equal(t, 1, beh.executeCalls, "a redelivered run.execute must not invoke Execute twice")
}

func TestExecution_ExecuteWrapsBehaviourError(t *testing.T) {
	b := newTestExecutionBroker(t)
	boom := assert.AnError
	beh := &fakeBehaviour{executeErr: boom}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())

	err := e.Execute(&RunMessage{})
	require.Error(t, err)
	var actErr *ActivityError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "a1", actErr.Source)
	assert.ErrorIs(t, err, boom)
}

func TestExecution_PassthroughNoopWhenUnsupported(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Passthrough(&RunMessage{}))
}

func TestExecution_PassthroughCallsImplementor(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &passthroughBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Passthrough(&RunMessage{}))
	assert.Equal(t, 1, beh.passthroughCalls)
}

func TestExecution_DiscardNoopBeforeStart(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Discard(&RunMessage{}))
	assert.Equal(t, 0, beh.discardCalls)
}

func TestExecution_DiscardDelegatesOnceStarted(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Execute(&RunMessage{}))
	require.NoError(t, e.Discard(&RunMessage{}))
	assert.Equal(t, 1, beh.discardCalls)
}

func TestExecution_DiscardNoopAfterDone(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Execute(&RunMessage{}))
	e.markDone()
	require.NoError(t, e.Discard(&RunMessage{}))
	assert.Equal(t, 0, beh.discardCalls, "a finished execution must not be discarded")
}

func TestExecution_SnapshotRoundTrip(t *testing.T) {
	b := newTestExecutionBroker(t)
	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec1", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Execute(&RunMessage{}))

	snap := e.Snapshot()
	assert.Equal(t, "exec1", snap.ExecutionId)
	assert.True(t, snap.Started)
	assert.False(t, snap.Done)

	recovered := recoverExecution(snap, "a1", beh, b, hclog.NewNullLogger())
	require.NoError(t, recovered.Execute(&RunMessage{}))
	assert.Equal(t, 1, beh.executeCalls, "recovered execution with started=true must not re-invoke Execute")
}

func TestExecutionPublisher_StampsExecutionId(t *testing.T) {
	b := newTestExecutionBroker(t)
	require.NoError(t, b.AssertQueue(queueExecution, broker.QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue(queueExecution, exchangeExecution, "execute.*"))

	var got map[string]any
	_, err := b.AssertConsumer(queueExecution, func(d *broker.Delivery) {
		got = d.Content.(map[string]any)
		d.Ack()
	}, broker.ConsumeOptions{})
	require.NoError(t, err)

	beh := &fakeBehaviour{}
	e := newExecution("a1", "exec42", beh, b, hclog.NewNullLogger())
	require.NoError(t, e.Execute(&RunMessage{}))
	require.Equal(t, "exec42", got["executionId"])
}
