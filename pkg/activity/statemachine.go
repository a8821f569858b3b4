// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

import (
	"github.com/flowcore/actrt/pkg/broker"
)

// FlowTaker and FlowDiscarder are optional hooks a SequenceFlow
// implementation may satisfy to react to being taken or discarded
// (e.g. a BPMN-XML-backed flow recording its own traversal state).
// Neither is required: SimpleFlow satisfies neither, and doOutbound
// treats their absence as a no-op.
type FlowTaker interface {
	Take()
}

type FlowDiscarder interface {
	Discard()
}

// controlRoutingKeys are run-q messages the formatter hook does not
// run against: housekeeping transitions, not the forward progress of
// a run.
var controlRoutingKeys = map[string]bool{
	"run.leave":               true,
	"run.next":                true,
	"run.resume":              true,
	"run.execute.passthrough": true,
	"run.discard":             true,
	"run.error":               true,
}

func (a *Activity) publishRun(routingKey string, msg *RunMessage) {
	_ = a.broker.Publish(exchangeRun, routingKey, msg, broker.PublishOptions{Persistent: true})
}

// Run is the public run(runContent?) operation: it seeds a fresh run
// by enqueuing run.enter followed by run.start. Calling it while
// already running is a programmer error.
func (a *Activity) Run(content map[string]any, inbound []InboundMessage) error {
	a.mu.Lock()
	if a.status != StatusUnset {
		a.mu.Unlock()
		return ErrRunWhileRunning
	}
	execId := newExecutionId()
	a.execution.InitExecutionId = execId
	a.execution.ExecutionId = execId
	msg := &RunMessage{ExecutionId: execId, Content: content, Inbound: inbound}
	a.mu.Unlock()

	// publishRun dispatches synchronously (the run-q consumer runs
	// inline with Publish), so the lock above must be released first --
	// otherwise the consumer's own handlers deadlock trying to
	// reacquire it.
	a.publishRun("run.enter", msg)
	a.publishRun("run.start", msg)
	return nil
}

// RunDiscard seeds a fresh run that is discarded without ever
// executing, the path an inbound flow.discard (or a merged
// parallel-join discard) drives.
func (a *Activity) RunDiscard(content map[string]any, discardSequence []string) error {
	a.mu.Lock()
	if a.status != StatusUnset {
		a.mu.Unlock()
		return ErrRunWhileRunning
	}
	execId := newExecutionId()
	a.execution.InitExecutionId = execId
	a.execution.ExecutionId = execId
	msg := &RunMessage{ExecutionId: execId, Content: content, DiscardSequence: discardSequence}
	a.mu.Unlock()

	a.publishRun("run.enter", msg)
	a.publishRun("run.discarded", msg)
	return nil
}

// startInboundConsumer subscribes to inbound-q, either the simple
// consumer (one message drives one run) or the parallel-join consumer
// (buffers by source flow id) depending on Flags.IsParallelJoin.
func (a *Activity) startInboundConsumer() error {
	if a.flags.IsParallelJoin {
		jb := newJoinBuffer()
		total := 0
		for _, t := range a.triggers {
			if t.Kind == TriggerSequenceFlow {
				total++
			}
		}
		_, err := a.broker.AssertConsumer(queueInbound, func(d *broker.Delivery) {
			im, ok := d.Content.(InboundMessage)
			if !ok {
				d.Ack()
				return
			}
			if !jb.add(im, d) {
				d.Ack()
				return
			}
			if jb.size() < total {
				return
			}
			msgs, pending := jb.drain()
			for _, pd := range pending {
				pd.Ack()
			}
			if anyTake(msgs) {
				_ = a.Run(nil, msgs)
			} else {
				_ = a.RunDiscard(nil, mergedDiscardSequence(msgs))
			}
		}, broker.ConsumeOptions{ConsumerTag: consumerTagInbound, Prefetch: 1000})
		if err == nil {
			a.consuming = true
		}
		return err
	}

	_, err := a.broker.AssertConsumer(queueInbound, func(d *broker.Delivery) {
		im, ok := d.Content.(InboundMessage)
		if !ok {
			d.Ack()
			return
		}
		d.Ack()
		switch im.RoutingKey {
		case "flow.take", "activity.enter", "association.take":
			_ = a.Run(im.Content, []InboundMessage{im})
		case "flow.discard", "activity.discard":
			_ = a.RunDiscard(im.Content, im.DiscardSequence)
		case "association.complete":
			_ = a.events.publishEvent("compensation.end", map[string]any{"activityId": a.id})
		}
	}, broker.ConsumeOptions{ConsumerTag: consumerTagInbound, Prefetch: 1})
	if err == nil {
		a.consuming = true
	}
	return err
}

func (a *Activity) startRunConsumer() error {
	_, err := a.broker.AssertConsumer(queueRun, a.handleRunMessage, broker.ConsumeOptions{
		ConsumerTag: consumerTagRun,
		Exclusive:   true,
		Prefetch:    1,
	})
	return err
}

func (a *Activity) handleRunMessage(d *broker.Delivery) {
	msg, _ := d.Content.(*RunMessage)
	if msg == nil {
		msg = &RunMessage{}
	}

	a.mu.Lock()
	a.stateMsg = &stateMessage{routingKey: d.RoutingKey, msg: msg, redelivered: d.Redelivered, delivery: d}
	a.mu.Unlock()

	if d.Redelivered {
		a.metrics.observeRedelivered()
	}
	a.metrics.observeQueueDepth(a.id, queueRun, a.broker.QueueLength(queueRun))

	if !controlRoutingKeys[d.RoutingKey] {
		content, err := a.formatter.run(d.RoutingKey, msg.Content)
		if err != nil {
			_ = a.events.emitFatal(err)
			return
		}
		msg.Content = content
	}

	a.traceRunMessage(d.RoutingKey, msg.ExecutionId, func() {
		a.dispatchRunMessage(d.RoutingKey, msg, d)
	})
}

func (a *Activity) dispatchRunMessage(routingKey string, msg *RunMessage, d *broker.Delivery) {
	switch routingKey {
	case "run.enter":
		a.onRunEnter(msg, d)
	case "run.start":
		a.onRunStart(msg, d)
	case "run.execute":
		a.onRunExecute(msg, d)
	case "run.execute.passthrough":
		a.onRunExecutePassthrough(msg, d)
	case "run.end":
		a.onRunEnd(msg, d)
	case "run.error":
		a.metrics.observeError()
		a.onRunError(msg, d)
	case "run.discarded":
		a.onRunDiscarded(msg, d)
	case "run.discard":
		a.publishRun("run.discarded", msg)
		a.ackUnlessStep(d)
	case "run.leave":
		a.onRunLeave(msg, d)
	case "run.next":
		a.onRunNext(msg, d)
	case "run.resume":
		a.onRunResume(msg, d)
	default:
		d.Ack()
	}
}

func (a *Activity) ackUnlessStep(d *broker.Delivery) {
	if !a.stepMode {
		d.Ack()
	}
}

func (a *Activity) onRunEnter(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusEntered
	a.mu.Unlock()
	if !d.Redelivered {
		_ = a.events.publishEvent("activity.enter", map[string]any{"activityId": a.id, "executionId": msg.ExecutionId})
	}
	a.ackUnlessStep(d)
}

func (a *Activity) onRunStart(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusStarted
	a.mu.Unlock()
	_ = a.events.publishEvent("activity.start", map[string]any{"activityId": a.id, "executionId": msg.ExecutionId})
	a.publishRun("run.execute", msg)
	a.ackUnlessStep(d)
}

func (a *Activity) onRunExecute(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusExecuting
	noBehaviour := a.behaviourFactory == nil
	if !noBehaviour && (a.execution.Execution == nil || !d.Redelivered) {
		a.execution.Execution = newExecution(a.id, msg.ExecutionId, a.behaviourFactory(), a.broker, a.logger)
	}
	exec := a.execution.Execution
	a.mu.Unlock()

	// A nil BehaviourFactory means this activity never executes (pure
	// gateway, end event with no service work): skip straight to
	// run.end instead of constructing an Execution with no behaviour.
	if noBehaviour {
		a.publishRun("run.end", &RunMessage{ExecutionId: msg.ExecutionId, Parent: msg.Parent, Content: msg.Content, Outbound: msg.Outbound})
		a.ackUnlessStep(d)
		return
	}

	if exec != nil {
		if err := exec.Execute(msg); err != nil {
			errMsg := &RunMessage{ExecutionId: msg.ExecutionId, Content: msg.Content, Error: err}
			a.publishRun("run.error", errMsg)
			a.publishRun("run.discarded", errMsg)
		}
	}
	a.ackUnlessStep(d)
}

func (a *Activity) onRunExecutePassthrough(msg *RunMessage, d *broker.Delivery) {
	if !d.Redelivered {
		a.mu.Lock()
		exec := a.execution.Execution
		a.mu.Unlock()
		if exec != nil {
			if err := exec.Passthrough(msg); err != nil {
				errMsg := &RunMessage{ExecutionId: msg.ExecutionId, Content: msg.Content, Error: err}
				a.publishRun("run.error", errMsg)
				a.publishRun("run.discarded", errMsg)
			}
		}
	}
	a.ackUnlessStep(d)
}

func (a *Activity) onRunEnd(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusEnd
	a.counters.Taken++
	a.execution.Execution = nil
	a.mu.Unlock()
	a.metrics.observeLeave(false)
	a.doLeave(msg, false)
	a.ackUnlessStep(d)
}

func (a *Activity) onRunError(msg *RunMessage, d *broker.Delivery) {
	errText := ""
	if msg.Error != nil {
		errText = msg.Error.Error()
	}
	_ = a.events.publishEvent("activity.error", map[string]any{"activityId": a.id, "executionId": msg.ExecutionId, "error": errText})
	d.Ack()
}

func (a *Activity) onRunDiscarded(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusDiscarded
	a.counters.Discarded++
	a.execution.Execution = nil
	a.mu.Unlock()
	a.metrics.observeLeave(true)
	a.doLeave(msg, true)
	a.ackUnlessStep(d)
}

func (a *Activity) onRunLeave(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	a.status = StatusUnset
	a.mu.Unlock()
	_ = a.events.publishEvent("activity.leave", map[string]any{"activityId": a.id, "executionId": msg.ExecutionId})
	a.publishRun("run.next", msg)
	d.Ack()
}

func (a *Activity) onRunNext(msg *RunMessage, d *broker.Delivery) {
	_ = a.startInboundConsumer()
	d.Ack()
}

func (a *Activity) onRunResume(msg *RunMessage, d *broker.Delivery) {
	a.mu.Lock()
	sm := a.stateMsg
	a.mu.Unlock()
	if sm != nil && sm.redelivered {
		switch sm.routingKey {
		case "run.enter", "run.start", "run.discarded", "run.end", "run.leave":
			a.publishRun(sm.routingKey, sm.msg)
		}
	}
	d.Ack()
}

// doLeave runs the leave & outbound dispatch transition. It
// runs synchronously: outbound selection, per-flow take/discard side
// effects and the eventual run.leave publish all happen inline, since
// nothing in this implementation suspends between selecting an
// outbound action and executing it.
func (a *Activity) doLeave(msg *RunMessage, discarded bool) {
	if msg.IgnoreOutbound {
		a.publishRun("run.leave", msg)
		return
	}

	if len(a.outbound) == 0 {
		a.publishRun("run.leave", msg)
		return
	}

	var results []OutboundResult
	switch {
	case discarded:
		results = make([]OutboundResult, len(a.outbound))
		discardSeq := msg.DiscardSequence
		if a.flags.AttachedTo != "" && len(discardSeq) == 0 && len(msg.Inbound) > 0 {
			discardSeq = []string{msg.Inbound[0].FlowId}
		}
		for i, f := range a.outbound {
			results[i] = OutboundResult{Id: f.Id(), Action: ActionDiscard, IsDefault: f.IsDefault(), EvaluationId: newSequenceId(f.Id(), ActionDiscard)}
		}
		msg.DiscardSequence = discardSeq
	case len(msg.Outbound) > 0:
		results = msg.Outbound
	default:
		var err error
		results, err = EvaluateOutbound(a.id, msg, a.outbound, msg.OutboundTakeOne || a.outboundTakeOne)
		if err != nil {
			_ = a.events.emitFatal(err)
			return
		}
	}

	byId := make(map[string]SequenceFlow, len(a.outbound))
	for _, f := range a.outbound {
		byId[f.Id()] = f
	}
	for _, r := range results {
		flow := byId[r.Id]
		content := map[string]any{"flowId": r.Id, "sequenceId": r.EvaluationId, "activityId": a.id}
		if len(msg.DiscardSequence) > 0 {
			content["discardSequence"] = msg.DiscardSequence
		}
		switch r.Action {
		case ActionTake:
			if t, ok := flow.(FlowTaker); ok {
				t.Take()
			}
			_ = a.broker.Publish(exchangeEvent, "flow.take", content, broker.PublishOptions{})
		case ActionDiscard:
			if dd, ok := flow.(FlowDiscarder); ok {
				dd.Discard()
			}
			_ = a.broker.Publish(exchangeEvent, "flow.discard", content, broker.PublishOptions{})
		}
	}
	a.publishRun("run.leave", msg)
}
