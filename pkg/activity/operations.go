// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

import (
	"github.com/flowcore/actrt/pkg/broker"
	"github.com/flowcore/actrt/pkg/ptr"
)

// Discard is the public cooperative-cancellation operation. Its three
// branches cover the not-yet-run, executing and waiting-to-leave cases.
func (a *Activity) Discard(content map[string]any) error {
	a.mu.Lock()
	status := a.status
	exec := a.execution.Execution
	sm := a.stateMsg
	a.mu.Unlock()

	if status == StatusUnset {
		return a.RunDiscard(content, nil)
	}
	if exec != nil {
		if err := exec.Discard(&RunMessage{Content: content}); err != nil {
			errMsg := &RunMessage{ExecutionId: a.execution.ExecutionId, Content: content, Error: err}
			a.publishRun("run.error", errMsg)
			a.publishRun("run.discarded", errMsg)
		}
		return nil
	}
	if err := a.broker.Purge(queueRun); err != nil {
		return err
	}
	var msgContent map[string]any
	execId := a.execution.ExecutionId
	if sm != nil && sm.msg != nil {
		msgContent = sm.msg.Content
	}
	a.publishRun("run.discard", &RunMessage{ExecutionId: execId, Content: msgContent})
	return nil
}

// Stop cancels every consumer synchronously, marks the activity
// stopped and publishes event activity.stop. It does not purge any
// queue: resume() relies on redelivery to replay the unacked state
// message.
func (a *Activity) Stop() error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	for _, tag := range []string{consumerTagRun, consumerTagInbound, consumerTagExecution} {
		_ = a.broker.Cancel(tag)
	}
	a.inbound.teardown()
	a.consuming = false
	return a.events.publishEvent("activity.stop", map[string]any{"activityId": a.id})
}

// Resume refuses if the activity is already consuming; otherwise it
// clears stopped, re-subscribes and (if a run was in flight) publishes
// a transient run.resume to re-drive the state machine from wherever
// redelivery lands it.
func (a *Activity) Resume() error {
	a.mu.Lock()
	if a.consuming {
		a.mu.Unlock()
		return ErrResumeWhileConsuming
	}
	status := a.status
	a.stopped = false
	a.mu.Unlock()

	if err := a.inbound.setup(); err != nil {
		return err
	}
	if _, err := a.broker.AssertConsumer(queueRun, a.handleRunMessage, broker.ConsumeOptions{
		ConsumerTag: consumerTagRun,
		Exclusive:   true,
		Prefetch:    1,
	}); err != nil {
		return err
	}
	if _, err := a.broker.AssertConsumer(queueExecution, a.handleExecutionMessage, broker.ConsumeOptions{
		ConsumerTag: consumerTagExecution,
		Prefetch:    1,
	}); err != nil {
		return err
	}
	a.consuming = true

	if status == StatusUnset {
		return a.Activate()
	}
	_ = a.broker.Publish(exchangeRun, "run.resume", &RunMessage{ExecutionId: a.execution.ExecutionId}, broker.PublishOptions{})
	return a.startInboundConsumer()
}

// Recover refuses while running. Otherwise it restores status,
// executionId, counters and the stopped flag from snap, reconstructs
// ExecutionState.execution if one was recorded, and finally asks the
// broker to recover its own queues/exchanges.
func (a *Activity) Recover(snap ActivitySnapshot, behaviourFactory BehaviourFactory) error {
	a.mu.Lock()
	if a.status != StatusUnset {
		a.mu.Unlock()
		return ErrRecoverWhileRunning
	}
	a.status = snap.Status
	a.execution.InitExecutionId = snap.ExecutionId
	a.execution.ExecutionId = snap.ExecutionId
	a.counters = snap.Counters
	a.stopped = snap.Stopped
	if snap.Execution != nil {
		var b Behaviour
		if behaviourFactory != nil {
			b = behaviourFactory()
		}
		a.execution.Execution = recoverExecution(*snap.Execution, a.id, b, a.broker, a.logger)
	}
	a.mu.Unlock()
	a.broker.Recover(snap.Broker)
	return nil
}

// Next implements step mode: it acks the pending state message and
// returns it, refusing while executing or formatting (formatting is
// synchronous in this implementation, so only StatusExecuting can be
// observed here).
func (a *Activity) Next() (*RunMessage, error) {
	a.mu.Lock()
	sm := a.stateMsg
	status := a.status
	a.mu.Unlock()
	if status == StatusExecuting {
		return nil, ErrRunWhileRunning
	}
	if sm == nil || sm.delivery == nil {
		return nil, nil
	}
	sm.delivery.Ack()
	return sm.msg, nil
}

// Shake starts a dry-run traversal from this activity, the public
// counterpart of the shake handling wired into the InboundRouter.
func (a *Activity) Shake() {
	a.shake(map[string]any{})
}

// EvaluateOutbound exposes the Outbound Evaluator directly, for
// callers (or tests) that want a selection without driving it through
// a full run.
func (a *Activity) EvaluateOutbound(msg *RunMessage, discardRestAtTake bool) ([]OutboundResult, error) {
	return EvaluateOutbound(a.id, msg, a.outbound, discardRestAtTake)
}

// GetApi returns the current state message's content, or nil when no
// run-q message has been seen yet.
func (a *Activity) GetApi() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stateMsg == nil || a.stateMsg.msg == nil {
		return nil
	}
	return a.stateMsg.msg.Content
}

// ActivitySnapshot is the serializable state snapshot shape.
type ActivitySnapshot struct {
	Id          string             `json:"id"`
	Type        string             `json:"type"`
	Name        string             `json:"name,omitempty"`
	Status      Status             `json:"status,omitempty"`
	ExecutionId string             `json:"executionId"`
	Stopped     bool                `json:"stopped"`
	Counters    Counters           `json:"counters"`
	Broker      broker.Snapshot    `json:"broker"`
	Execution   *ExecutionSnapshot `json:"execution,omitempty"`
	Flags       map[string]bool    `json:"flags,omitempty"`
}

// GetState captures the Activity's recoverable fields. Truthy flags are
// listed by name in the Flags map; they are not inlined as top-level
// fields of the snapshot.
func (a *Activity) GetState(durableOnly bool) ActivitySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := ActivitySnapshot{
		Id:          a.id,
		Type:        a.typ,
		Name:        a.name,
		Status:      a.status,
		ExecutionId: a.execution.ExecutionId,
		Stopped:     a.stopped,
		Counters:    a.counters,
		Broker:      a.broker.GetState(durableOnly),
		Flags:       truthyFlags(a.flags),
	}
	if a.execution.Execution != nil {
		snap.Execution = ptr.To(a.execution.Execution.Snapshot())
	}
	return snap
}

func truthyFlags(f Flags) map[string]bool {
	out := map[string]bool{}
	if f.IsEnd {
		out["isEnd"] = true
	}
	if f.IsStart {
		out["isStart"] = true
	}
	if f.IsSubProcess {
		out["isSubProcess"] = true
	}
	if f.IsMultiInstance {
		out["isMultiInstance"] = true
	}
	if f.IsTransaction {
		out["isTransaction"] = true
	}
	if f.IsThrowing {
		out["isThrowing"] = true
	}
	if f.IsForCompensation {
		out["isForCompensation"] = true
	}
	if f.IsParallelJoin {
		out["isParallelJoin"] = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
