// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/flowcore/actrt/pkg/broker"
)

// executionPublisher is the concrete ExecutionPublisher a Behaviour
// receives from Execute/Passthrough. It republishes onto the owning
// activity's own execution exchange, the way run.execute hands the
// behaviour a narrow publish-only view of the broker rather than the
// broker itself.
type executionPublisher struct {
	b  *broker.Broker
	id string // executionId, stamped onto every published execute.* message
}

func (p *executionPublisher) Publish(routingKey string, content map[string]any) error {
	if content == nil {
		content = map[string]any{}
	}
	content["executionId"] = p.id
	return p.b.Publish(exchangeExecution, routingKey, content, broker.PublishOptions{})
}

// Execution is the per-run holder: it drives a Behaviour through
// execute/passthrough/discard and is the
// collaborator ExecutionState.execution points at between run.execute
// and run.leave.
type Execution struct {
	mu          sync.Mutex
	activityId  string
	executionId string
	behaviour   Behaviour
	pub         *executionPublisher
	logger      hclog.Logger

	started bool
	done    bool
}

// newExecution constructs a fresh Execution bound to one run. It does
// not itself publish anything; the caller (the state machine's
// run.execute handler) decides when to call Execute.
func newExecution(activityId, executionId string, behaviour Behaviour, b *broker.Broker, logger hclog.Logger) *Execution {
	return &Execution{
		activityId:  activityId,
		executionId: executionId,
		behaviour:   behaviour,
		pub:         &executionPublisher{b: b, id: executionId},
		logger:      logger.Named("execution"),
	}
}

// Execute hands the run.execute message to the behaviour exactly once
// per Execution instance. A redelivered run.execute must not call
// Execute again; the caller is responsible for that check (it reuses
// the same Execution across redeliveries instead of constructing a new
// one).
func (e *Execution) Execute(msg *RunMessage) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Debug("executing", "activity", e.activityId, "executionId", e.executionId)
	if err := e.behaviour.Execute(msg, e.pub); err != nil {
		return &ActivityError{Source: e.activityId, Inner: err}
	}
	return nil
}

// Passthrough re-enters the behaviour after the evaluator→run handoff
// of the run.execute.passthrough transition. Only
// behaviours that opt in via PassthroughBehaviour receive the call;
// every other behaviour treats passthrough as a no-op, since it has
// already produced its terminal execute.* message and passthrough only
// exists to let a behaviour observe the resolved outbound selection.
func (e *Execution) Passthrough(msg *RunMessage) error {
	pt, ok := e.behaviour.(PassthroughBehaviour)
	if !ok {
		return nil
	}
	e.logger.Debug("passthrough", "activity", e.activityId, "executionId", e.executionId)
	if err := pt.Passthrough(msg); err != nil {
		return &ActivityError{Source: e.activityId, Inner: err}
	}
	return nil
}

// Discard cooperatively cancels an in-flight execution. It is only
// meaningful while the execution has been started and has not yet
// finished; calling it otherwise is harmless but a no-op at the
// behaviour level.
func (e *Execution) Discard(msg *RunMessage) error {
	e.mu.Lock()
	started, done := e.started, e.done
	e.mu.Unlock()
	if !started || done {
		return nil
	}
	e.logger.Debug("discarding execution", "activity", e.activityId, "executionId", e.executionId)
	if err := e.behaviour.Discard(msg); err != nil {
		return &ActivityError{Source: e.activityId, Inner: err}
	}
	return nil
}

// markDone records that the execution-queue bridge has observed a
// terminal execute.* message (completed, error or discard) for this
// execution, so a later Discard becomes a no-op instead of reaching
// into an already-finished behaviour.
func (e *Execution) markDone() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
}

// ExecutionSnapshot is the serializable shape of the optional
// execution field of a state snapshot.
type ExecutionSnapshot struct {
	ExecutionId string `json:"executionId"`
	Started     bool   `json:"started"`
	Done        bool   `json:"done"`
}

// Snapshot captures the Execution's recoverable fields. The behaviour
// itself is not serialized -- it is an external collaborator supplied
// fresh by the Context on recover, exactly as on first construction.
func (e *Execution) Snapshot() ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExecutionSnapshot{ExecutionId: e.executionId, Started: e.started, Done: e.done}
}

// recoverExecution rebuilds an Execution from a snapshot and a freshly
// supplied behaviour. started is preserved so a redelivered run.execute
// does not re-invoke Execute.
func recoverExecution(snap ExecutionSnapshot, activityId string, behaviour Behaviour, b *broker.Broker, logger hclog.Logger) *Execution {
	e := newExecution(activityId, snap.ExecutionId, behaviour, b, logger)
	e.started = snap.Started
	e.done = snap.Done
	return e
}

func (e *Execution) String() string {
	return fmt.Sprintf("execution(%s/%s)", e.activityId, e.executionId)
}
