// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/flowcore/actrt/pkg/broker"
)

// BehaviourFactory builds the Behaviour for a fresh run. It is called
// once per run.execute so a behaviour with per-run state never leaks
// across separate runs of the same Activity.
type BehaviourFactory func() Behaviour

// Option configures an Activity at construction time, the way the
// teacher's engine options configure an Engine.
type Option func(*Activity)

// WithLogger overrides the default hclog logger.
func WithLogger(l hclog.Logger) Option {
	return func(a *Activity) { a.logger = l }
}

// WithExtensions installs a formatter/lifecycle adapter.
func WithExtensions(ext Extensions) Option {
	return func(a *Activity) { a.extensions = ext }
}

// WithOutboundFlows sets the activity's outbound sequence flows.
func WithOutboundFlows(flows []SequenceFlow) Option {
	return func(a *Activity) { a.outbound = flows }
}

// WithInboundTriggers sets the activity's inbound arrival sources.
func WithInboundTriggers(triggers []Trigger) Option {
	return func(a *Activity) { a.triggers = triggers }
}

// WithFlags overrides the zero-value Flags computed at construction.
func WithFlags(f Flags) Option {
	return func(a *Activity) { a.flags = f }
}

// WithOutboundTakeOne sets the exclusive-gateway discard-rest-at-take
// semantic used by doLeave; it is OR-ed with the run message's own
// OutboundTakeOne.
func WithOutboundTakeOne(v bool) Option {
	return func(a *Activity) { a.outboundTakeOne = v }
}

// WithStepMode enables step mode: run-q messages are delivered but the
// activity only advances past them when Next is called.
func WithStepMode(v bool) Option {
	return func(a *Activity) { a.stepMode = v }
}

// Activity is the central component of the runtime: identity, static
// flags, counters, one ExecutionState, one private Broker, and the
// wiring (inbound router, formatter chain, event façade) around it.
type Activity struct {
	mu sync.Mutex

	id       string
	typ      string
	name     string
	flags    Flags
	counters Counters

	broker     *broker.Broker
	events     *eventBroker
	inbound    *InboundRouter
	formatter  *formatterChain
	extensions Extensions

	behaviourFactory BehaviourFactory
	outbound         []SequenceFlow
	triggers         []Trigger
	outboundTakeOne  bool
	stepMode         bool

	status    Status
	execution ExecutionState
	stopped   bool
	consuming bool
	stateMsg  *stateMessage

	logger  hclog.Logger
	metrics *Metrics
	tracer  *activityTracer
}

// stateMessage remembers the most recent unacked run-queue delivery,
// used by discard, next, getApi and resume to recover position.
type stateMessage struct {
	routingKey  string
	msg         *RunMessage
	redelivered bool
	delivery    *broker.Delivery
}

// New constructs an Activity. behaviourFactory may be nil for
// activities that never execute (pure gateways, end events with no
// service work); Execute is then never called.
func New(id, typ, name string, behaviourFactory BehaviourFactory, opts ...Option) *Activity {
	a := &Activity{
		id:               id,
		typ:              typ,
		name:             name,
		behaviourFactory: behaviourFactory,
		logger:           hclog.Default().Named("activity").With("id", id),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.flags == (Flags{}) {
		a.flags = computeFlags(a)
	}
	a.broker = broker.New(id, a.logger)
	a.events = newEventBroker(a.broker)
	a.formatter = newFormatterChain(a.broker, a.extensions)
	a.inbound = newInboundRouter(a.broker, a.id, a.triggers, a.flags.IsForCompensation, a.logger)
	a.inbound.onShake = a.handleShake
	a.inbound.onCompensationStart = a.handleCompensationStart
	return a
}

// computeFlags derives isEnd/isStart from the outbound/inbound wiring
// supplied via options, for callers that don't pass WithFlags
// explicitly.
func computeFlags(a *Activity) Flags {
	f := Flags{}
	f.IsEnd = len(a.outbound) == 0
	hasInboundFlow := false
	for _, t := range a.triggers {
		if t.Kind == TriggerSequenceFlow {
			hasInboundFlow = true
			break
		}
	}
	f.IsStart = !hasInboundFlow
	inboundCount := 0
	for _, t := range a.triggers {
		if t.Kind == TriggerSequenceFlow {
			inboundCount++
		}
	}
	f.IsParallelJoin = a.typ == "parallelGateway" && inboundCount >= 2
	return f
}

func (a *Activity) Id() string  { return a.id }
func (a *Activity) Type() string { return a.typ }
func (a *Activity) Name() string { return a.name }
func (a *Activity) Flags() Flags { return a.flags }
func (a *Activity) Broker() *broker.Broker { return a.broker }

// Init asserts the fixed exchange/queue topology and wires the
// inbound router. It must be called once, before Activate.
func (a *Activity) Init() error {
	for _, exch := range []struct {
		name string
		kind broker.ExchangeKind
	}{
		{exchangeRun, broker.Topic},
		{exchangeEvent, broker.Topic},
		{exchangeApi, broker.Topic},
		{exchangeExecution, broker.Topic},
		{exchangeFormatRun, broker.Topic},
	} {
		if err := a.broker.AssertExchange(exch.name, exch.kind); err != nil {
			return err
		}
	}
	if err := a.broker.AssertQueue(queueRun, broker.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := a.broker.BindQueue(queueRun, exchangeRun, "run.#"); err != nil {
		return err
	}
	if err := a.broker.AssertQueue(queueFormatRun, broker.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := a.broker.BindQueue(queueFormatRun, exchangeFormatRun, "#"); err != nil {
		return err
	}
	if err := a.broker.AssertQueue(queueExecution, broker.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := a.broker.BindQueue(queueExecution, exchangeExecution, "#"); err != nil {
		return err
	}
	if err := a.inbound.setup(); err != nil {
		return err
	}
	if err := a.startExecutionBridge(); err != nil {
		return err
	}
	if err := a.startRunConsumer(); err != nil {
		return err
	}
	return a.events.publishEvent("activity.init", map[string]any{"activityId": a.id})
}

// Activate starts consuming inbound-q (unless isForCompensation, which
// only reacts to association.complete already wired by Init) and
// activates the Extensions adapter.
func (a *Activity) Activate() error {
	if a.extensions != nil {
		if err := a.extensions.Activate(); err != nil {
			return err
		}
	}
	if a.flags.IsForCompensation {
		return nil
	}
	return a.startInboundConsumer()
}

// Deactivate cancels inbound-q consumption and deactivates Extensions.
func (a *Activity) Deactivate() error {
	if a.consuming {
		if err := a.broker.Cancel(consumerTagInbound); err != nil {
			return err
		}
		a.consuming = false
	}
	if a.extensions != nil {
		return a.extensions.Deactivate()
	}
	return nil
}

func (a *Activity) handleShake(triggerId string, content map[string]any) {
	a.shake(content)
}

func (a *Activity) handleCompensationStart(compensationId string) {
	_ = a.events.publishEvent("compensation.start", map[string]any{"id": compensationId, "activityId": a.id})
	if !a.consuming {
		_ = a.startInboundConsumer()
	}
}
