package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/actrt/pkg/broker"
)

// completingBehaviour immediately publishes execute.completed, so a
// Run() call cascades synchronously all the way to run.leave (the
// broker's delivery is inline with Publish, not queued to a
// goroutine).
type completingBehaviour struct{}

func (completingBehaviour) Execute(msg *RunMessage, pub ExecutionPublisher) error {
	return pub.Publish("execute.completed", map[string]any{"done": true})
}
func (completingBehaviour) Discard(msg *RunMessage) error { return nil }

// parkedBehaviour never publishes a terminal execute.* message, so the
// run stays parked at StatusExecuting once Run() returns -- the shape
// a long-running task (awaiting an external signal) takes.
type parkedBehaviour struct{}

func (parkedBehaviour) Execute(msg *RunMessage, pub ExecutionPublisher) error { return nil }
func (parkedBehaviour) Discard(msg *RunMessage) error                        { return nil }

func newTestActivity(t *testing.T, id, typ string, beh BehaviourFactory, opts ...Option) *Activity {
	t.Helper()
	allOpts := append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	a := New(id, typ, id, beh, allOpts...)
	require.NoError(t, a.Init())
	require.NoError(t, a.Activate())
	return a
}

// subscribeEvent registers a handler on the event exchange before the
// caller triggers whatever publishes it. Dispatch in this broker is
// synchronous with Publish, so the subscription must exist before the
// triggering call, not after.
func subscribeEvent(t *testing.T, a *Activity, pattern string) (<-chan map[string]any, func()) {
	t.Helper()
	ch := make(chan map[string]any, 8)
	tag, err := a.On(pattern, func(_ string, content map[string]any) {
		select {
		case ch <- content:
		default:
		}
	})
	require.NoError(t, err)
	return ch, func() { _ = a.broker.Cancel(tag) }
}

func recv(t *testing.T, ch <-chan map[string]any, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestActivity_StartToLeaveHappyPath(t *testing.T) {
	a := newTestActivity(t, "task1", "serviceTask", func() Behaviour { return completingBehaviour{} })

	leaveCh, cancel := subscribeEvent(t, a, "activity.leave")
	defer cancel()

	require.NoError(t, a.Run(map[string]any{"orderId": 7}, nil))

	leave := recv(t, leaveCh, time.Second)
	assert.Equal(t, "task1", leave["activityId"])

	assert.Equal(t, StatusUnset, a.status)
	assert.Equal(t, 1, a.counters.Taken)
	assert.Equal(t, 0, a.counters.Discarded)
}

func TestActivity_RunWhileRunningErrors(t *testing.T) {
	a := newTestActivity(t, "task2", "serviceTask", func() Behaviour { return parkedBehaviour{} })

	require.NoError(t, a.Run(nil, nil))
	assert.Equal(t, StatusExecuting, a.status)

	err := a.Run(nil, nil)
	assert.ErrorIs(t, err, ErrRunWhileRunning)
}

func TestActivity_NilBehaviourSkipsStraightToEnd(t *testing.T) {
	a := newTestActivity(t, "gateway1", "exclusiveGateway", nil)

	leaveCh, cancel := subscribeEvent(t, a, "activity.leave")
	defer cancel()

	require.NoError(t, a.Run(nil, nil))
	recv(t, leaveCh, time.Second)
	assert.Equal(t, StatusUnset, a.status)
	assert.Equal(t, 1, a.counters.Taken)
}

func TestActivity_OutboundDispatchedOnEnd(t *testing.T) {
	flow := SimpleFlow{FlowId: "flow1"}
	a := newTestActivity(t, "task3", "serviceTask", func() Behaviour { return completingBehaviour{} }, WithOutboundFlows([]SequenceFlow{flow}))

	takeCh, cancelTake := subscribeEvent(t, a, "flow.take")
	defer cancelTake()
	leaveCh, cancelLeave := subscribeEvent(t, a, "activity.leave")
	defer cancelLeave()

	require.NoError(t, a.Run(nil, nil))

	taken := recv(t, takeCh, time.Second)
	assert.Equal(t, "flow1", taken["flowId"])
	recv(t, leaveCh, time.Second)
}

func TestActivity_DiscardBeforeRunSeedsFreshDiscardedRun(t *testing.T) {
	a := newTestActivity(t, "task4", "serviceTask", nil)

	leaveCh, cancel := subscribeEvent(t, a, "activity.leave")
	defer cancel()

	require.NoError(t, a.Discard(map[string]any{"reason": "cancelled"}))
	recv(t, leaveCh, time.Second)
	assert.Equal(t, 0, a.counters.Taken)
	assert.Equal(t, 1, a.counters.Discarded)
}

func TestActivity_DiscardWhileExecutingDelegatesToExecution(t *testing.T) {
	a := newTestActivity(t, "task5", "serviceTask", func() Behaviour { return parkedBehaviour{} })

	require.NoError(t, a.Run(nil, nil))
	require.Equal(t, StatusExecuting, a.status)

	require.NoError(t, a.Discard(nil))
}

func TestActivity_StopCancelsConsumersAndPublishesStopEvent(t *testing.T) {
	a := newTestActivity(t, "task6", "serviceTask", nil)

	stopCh, cancel := subscribeEvent(t, a, "activity.stop")
	defer cancel()

	require.NoError(t, a.Stop())
	content := recv(t, stopCh, time.Second)
	assert.Equal(t, "task6", content["activityId"])
	assert.True(t, a.stopped)
	assert.False(t, a.consuming)
}

func TestActivity_ShakeEndOnEndActivity(t *testing.T) {
	a := newTestActivity(t, "end1", "endEvent", nil)
	assert.True(t, a.flags.IsEnd)

	shakeEndCh, cancel := subscribeEvent(t, a, "activity.shake.end")
	defer cancel()

	a.Shake()
	content := recv(t, shakeEndCh, time.Second)
	assert.Equal(t, "end1", content["activityId"])
}

func TestActivity_IsStartFlagWithoutInboundFlows(t *testing.T) {
	a := New("start1", "startEvent", "start1", nil, WithLogger(hclog.NewNullLogger()))
	assert.True(t, a.Flags().IsStart)
	assert.True(t, a.Flags().IsEnd)
}

func TestActivity_GetStateRoundTripsThroughRecover(t *testing.T) {
	a := newTestActivity(t, "task7", "serviceTask", func() Behaviour { return parkedBehaviour{} })
	require.NoError(t, a.Run(map[string]any{"x": 1}, nil))
	require.Equal(t, StatusExecuting, a.status)

	snap := a.GetState(false)
	assert.Equal(t, StatusExecuting, snap.Status)
	assert.NotEmpty(t, snap.ExecutionId)

	b := New("task7", "serviceTask", "task7", func() Behaviour { return parkedBehaviour{} }, WithLogger(hclog.NewNullLogger()))
	require.NoError(t, b.Recover(snap, func() Behaviour { return parkedBehaviour{} }))
	assert.Equal(t, StatusExecuting, b.status)
	assert.Equal(t, snap.ExecutionId, b.execution.ExecutionId)
}

func TestActivity_OnceCancelsAfterFirstDelivery(t *testing.T) {
	a := newTestActivity(t, "task8", "serviceTask", func() Behaviour { return completingBehaviour{} })

	var deliveries int
	_, err := a.Once("activity.leave", func(_ string, _ map[string]any) {
		deliveries++
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(nil, nil))
	require.NoError(t, a.Run(nil, nil))

	assert.Equal(t, 1, deliveries)
}

func TestActivity_WaitForBlocksUntilMatchingEvent(t *testing.T) {
	a := newTestActivity(t, "task9", "serviceTask", func() Behaviour { return completingBehaviour{} })

	resultCh := make(chan map[string]any, 1)
	go func() {
		_, content := a.WaitFor("activity.leave", func(content map[string]any) bool {
			return content["activityId"] == "task9"
		})
		resultCh <- content
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, a.Run(nil, nil))
	content := recv(t, resultCh, time.Second)
	assert.Equal(t, "task9", content["activityId"])
}

func TestActivity_EmitFatalReturnsErrNoRouteWhenUnbound(t *testing.T) {
	a := newTestActivity(t, "task10", "serviceTask", nil)
	err := a.EmitFatal(fmt.Errorf("boom"))
	var noRoute *broker.ErrNoRoute
	assert.ErrorAs(t, err, &noRoute)
}
