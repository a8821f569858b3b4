// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package activity implements the activity runtime core: the
// per-activity state machine, its inbound/outbound message plumbing
// and the outbound sequence-flow evaluator. BPMN XML parsing, concrete
// task behaviours and the process-level orchestrator are external
// collaborators -- this package only defines the small contracts they
// must satisfy (Behaviour, SequenceFlow, Trigger).
package activity

import (
	"fmt"

	"github.com/flowcore/actrt/pkg/broker"
)

// Status is the activity's single nullable lifecycle field.
type Status string

const (
	StatusUnset      Status = ""
	StatusEntered    Status = "entered"
	StatusStarted    Status = "started"
	StatusExecuting  Status = "executing"
	StatusExecuted   Status = "executed"
	StatusError      Status = "error"
	StatusDiscarded  Status = "discarded"
	StatusEnd        Status = "end"
	StatusFormatting Status = "formatting"
	StatusDiscard    Status = "discard"
)

// RunMessage is the content carried by a run-queue message as it
// moves through the state machine. It is intentionally a loose bag of
// fields rather than a strict struct-per-routing-key: the same
// envelope is amended in place by the formatter chain and by outbound
// evaluation the way the spec describes.
type RunMessage struct {
	Id              string
	ExecutionId     string
	Parent          *ParentRef
	Content         map[string]any
	Inbound         []InboundMessage
	DiscardSequence []string
	Outbound        []OutboundResult
	IgnoreOutbound  bool
	OutboundTakeOne bool
	Error           error
}

// ParentRef identifies the enclosing scope of an activity's execution,
// re-injected by the execution-queue bridge after a behaviour message
// merges in.
type ParentRef struct {
	Id            string
	ExecutionId   string
	Path          []string
}

// InboundMessage is one buffered arrival on inbound-q, either a take
// or a discard, tagged with the id of the flow it arrived on.
type InboundMessage struct {
	FlowId          string
	RoutingKey      string
	DiscardSequence []string
	Content         map[string]any
}

// Flags are computed once at Activity construction and never mutated
// afterward.
type Flags struct {
	IsEnd             bool
	IsStart           bool
	IsSubProcess      bool
	IsMultiInstance   bool
	IsTransaction     bool
	IsThrowing        bool
	IsForCompensation bool
	IsParallelJoin    bool
	AttachedTo        string
}

// ExecutionState is the mutable per-run holder.
type ExecutionState struct {
	InitExecutionId string
	ExecutionId     string
	Execution       *Execution
}

// Counters track completed vs. discarded runs across an Activity's lifetime.
type Counters struct {
	Taken     int
	Discarded int
}

// SequenceFlow is the minimal contract the outbound evaluator and the
// inbound router need from a sequence flow. A BPMN-XML backed
// implementation is an external collaborator; SimpleFlow below is
// this module's own in-memory implementation, usable directly by
// callers that don't need full BPMN parsing.
type SequenceFlow interface {
	Id() string
	IsDefault() bool
	Condition() ConditionFunc
}

// ConditionFunc evaluates a sequence flow's guard against a run
// message. The expression language itself is an external collaborator;
// this package only calls the function it is given.
type ConditionFunc func(msg *RunMessage) (bool, error)

// SimpleFlow is a ready-to-use SequenceFlow implementation for callers
// (and this module's own tests) that don't need BPMN-XML parsing.
type SimpleFlow struct {
	FlowId        string
	Default       bool
	ConditionFunc ConditionFunc
}

func (f SimpleFlow) Id() string             { return f.FlowId }
func (f SimpleFlow) IsDefault() bool        { return f.Default }
func (f SimpleFlow) Condition() ConditionFunc { return f.ConditionFunc }

// Trigger is the discriminated union of everything that can cause an
// activity to consider running: a sequence flow, an association, or
// an attached-to boundary relationship.
type Trigger struct {
	Kind         TriggerKind
	Id           string
	EventExch    string         // name of the source's event exchange this activity subscribes to; empty means "event"
	SourceBroker *broker.Broker // the upstream activity's own Broker, owner of EventExch
	Flow         SequenceFlow
	AttachedToId string // populated when Kind == TriggerAttachedTo
}

type TriggerKind int

const (
	TriggerSequenceFlow TriggerKind = iota
	TriggerAssociation
	TriggerAttachedTo
)

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerSequenceFlow:
		return fmt.Sprintf("flow(%s)", t.Id)
	case TriggerAssociation:
		return fmt.Sprintf("association(%s)", t.Id)
	case TriggerAttachedTo:
		return fmt.Sprintf("attachedTo(%s)", t.AttachedToId)
	default:
		return "trigger(?)"
	}
}

// OutboundAction is the disposition the evaluator or a redelivered
// precomputed outbound array assigns to one outbound flow.
type OutboundAction string

const (
	ActionTake    OutboundAction = "take"
	ActionDiscard OutboundAction = "discard"
)

// OutboundResult is one flow's evaluated disposition.
type OutboundResult struct {
	Id           string         `json:"id"`
	Action       OutboundAction `json:"action"`
	IsDefault    bool           `json:"isDefault,omitempty"`
	Result       any            `json:"result,omitempty"`
	EvaluationId string         `json:"evaluationId"`
	Message      map[string]any `json:"message,omitempty"`
}

// Behaviour is the pluggable executor contract concrete activity kinds
// (UserTask, ServiceTask, Timer, Signal, ...) implement. It is an
// external collaborator; the state machine only ever
// calls Execute and, for cooperative cancellation, Discard.
type Behaviour interface {
	// Execute is handed the run.execute message and a Publisher to
	// emit execute.* messages back onto the activity's execution
	// queue. It must not block for the activity's whole lifetime --
	// long-running work is modeled by publishing execute.wait and
	// resuming later via a signal that eventually publishes
	// execute.completed/execute.error/execute.discard.
	Execute(msg *RunMessage, pub ExecutionPublisher) error

	// Discard cooperatively cancels an in-flight execution. Called
	// only while an execution for this run is active.
	Discard(msg *RunMessage) error
}

// PassthroughBehaviour is satisfied by behaviours (multi-instance loop
// characteristics, evaluator-driven executors) that also handle the
// run.execute.passthrough re-entry point.
type PassthroughBehaviour interface {
	Behaviour
	Passthrough(msg *RunMessage) error
}

// ExecutionPublisher is the narrow interface a Behaviour uses to push
// execute.* messages onto the owning activity's execution queue.
type ExecutionPublisher interface {
	Publish(routingKey string, content map[string]any) error
}
