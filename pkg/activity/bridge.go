package activity

import "github.com/flowcore/actrt/pkg/broker"

// startExecutionBridge wires the execution-queue bridge: a durable
// consumer on execution-q that translates the behaviour's execute.*
// vocabulary back into run-q transitions.
func (a *Activity) startExecutionBridge() error {
	_, err := a.broker.AssertConsumer(queueExecution, a.handleExecutionMessage, broker.ConsumeOptions{
		ConsumerTag: consumerTagExecution,
		Prefetch:    1,
	})
	return err
}

func (a *Activity) handleExecutionMessage(d *broker.Delivery) {
	execContent := asContent(d.Content)

	a.mu.Lock()
	runMsg := a.currentRunMessageLocked()
	exec := a.execution.Execution
	a.mu.Unlock()

	effective := mergeExecutionContent(runMsg, execContent)

	_ = a.events.publishEvent("activity."+d.RoutingKey, effective)

	switch d.RoutingKey {
	case "execution.outbound.take":
		hints, _ := execContent["outbound"].([]OutboundResult)
		next := &RunMessage{
			ExecutionId: runMsg.ExecutionId,
			Parent:      runMsg.Parent,
			Content:     effective,
			Outbound:    hints,
		}
		a.publishRun("run.execute.passthrough", next)
	case "execution.error", "execute.error":
		var innerErr error
		if msg, ok := execContent["error"].(string); ok {
			innerErr = &ActivityError{Source: a.id, Inner: errFromString(msg)}
		}
		errMsg := &RunMessage{ExecutionId: runMsg.ExecutionId, Parent: runMsg.Parent, Content: effective, Outbound: runMsg.Outbound, Error: innerErr}
		a.publishRun("run.error", errMsg)
		a.publishRun("run.discarded", errMsg)
	case "execution.discard", "execute.discard":
		discMsg := &RunMessage{ExecutionId: runMsg.ExecutionId, Parent: runMsg.Parent, Content: effective, Outbound: runMsg.Outbound}
		a.publishRun("run.discarded", discMsg)
	case "execute.wait":
		// not terminal: the run stays at executing until a later
		// execute.* message arrives
		d.Ack()
		return
	default:
		endMsg := &RunMessage{ExecutionId: runMsg.ExecutionId, Parent: runMsg.Parent, Content: effective, Outbound: runMsg.Outbound}
		a.publishRun("run.end", endMsg)
	}

	if exec != nil {
		exec.markDone()
	}
	d.Ack()
}

// currentRunMessageLocked returns the state message's RunMessage, or a
// bare one carrying just the ExecutionState's executionId if none is
// tracked yet. Must be called with a.mu held.
func (a *Activity) currentRunMessageLocked() *RunMessage {
	if a.stateMsg != nil && a.stateMsg.msg != nil {
		return a.stateMsg.msg
	}
	return &RunMessage{ExecutionId: a.execution.ExecutionId}
}

// mergeExecutionContent builds the effective content: the original
// run.execute content overlaid with the
// execution message's content, with executionId and parent
// re-injected from the original.
func mergeExecutionContent(runMsg *RunMessage, execContent map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range runMsg.Content {
		merged[k] = v
	}
	for k, v := range execContent {
		merged[k] = v
	}
	merged["executionId"] = runMsg.ExecutionId
	if runMsg.Parent != nil {
		merged["parent"] = runMsg.Parent
	}
	return merged
}

func errFromString(s string) error {
	return stringError(s)
}

type stringError string

func (e stringError) Error() string { return string(e) }
