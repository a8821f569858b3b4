package activity

import (
	"github.com/hashicorp/go-hclog"

	"github.com/flowcore/actrt/pkg/broker"
)

// InboundRouter subscribes to each
// Trigger's source event exchange, filters and reshapes what it sees
// there, and funnels the result into this activity's own inbound-q
// (or, for flow.shake and association.discard, acts directly instead
// of enqueuing: the shake callback, or a purge of inbound-q).
type InboundRouter struct {
	b        *broker.Broker
	ownerId  string
	triggers []Trigger
	logger   hclog.Logger

	isForCompensation bool

	onShake             func(triggerId string, content map[string]any)
	onCompensationStart func(compensationId string)

	subs []foreignSub // subscriptions on other activities' brokers, torn down by Stop
}

type foreignSub struct {
	broker *broker.Broker
	tag    string
}

func newInboundRouter(b *broker.Broker, ownerId string, triggers []Trigger, isForCompensation bool, logger hclog.Logger) *InboundRouter {
	return &InboundRouter{
		b:                 b,
		ownerId:           ownerId,
		triggers:          triggers,
		isForCompensation: isForCompensation,
		logger:            logger.Named("inbound"),
	}
}

// setup asserts the private inbound exchange/queue and subscribes to
// every trigger's source. Called once, from Activity.Init.
func (r *InboundRouter) setup() error {
	if err := r.b.AssertExchange(exchangeInbound, broker.Topic); err != nil {
		return err
	}
	if err := r.b.AssertQueue(queueInbound, broker.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := r.b.BindQueue(queueInbound, exchangeInbound, "#"); err != nil {
		return err
	}
	for _, trig := range r.triggers {
		if trig.SourceBroker == nil {
			continue
		}
		exch := trig.EventExch
		if exch == "" {
			exch = exchangeEvent
		}
		if err := trig.SourceBroker.AssertExchange(exch, broker.Topic); err != nil {
			return err
		}
		pattern, handler := r.handlerFor(trig)
		tag, err := trig.SourceBroker.SubscribeTmp(exch, pattern, handler, broker.ConsumeOptions{NoAck: true})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, foreignSub{broker: trig.SourceBroker, tag: tag})
	}
	return nil
}

// teardown cancels every foreign subscription set up by setup; Stop
// calls it.
func (r *InboundRouter) teardown() {
	for _, s := range r.subs {
		_ = s.broker.Cancel(s.tag)
	}
	r.subs = nil
}

func (r *InboundRouter) handlerFor(trig Trigger) (string, broker.Handler) {
	switch trig.Kind {
	case TriggerSequenceFlow:
		return "flow.*", func(d *broker.Delivery) {
			r.onFlowEvent(trig, d)
		}
	case TriggerAssociation:
		return "association.*", func(d *broker.Delivery) {
			r.onAssociationEvent(trig, d)
		}
	case TriggerAttachedTo:
		return "activity.*", func(d *broker.Delivery) {
			r.onAttachedToEvent(trig, d)
		}
	default:
		return "", func(*broker.Delivery) {}
	}
}

func (r *InboundRouter) onFlowEvent(trig Trigger, d *broker.Delivery) {
	content := asContent(d.Content)
	if flowIdOf(content) != trig.Id {
		return
	}
	switch d.RoutingKey {
	case "flow.take":
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content})
	case "flow.discard":
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content, DiscardSequence: discardSequenceOf(content)})
	case "flow.shake":
		if r.onShake != nil {
			r.onShake(trig.Id, content)
		}
	}
}

func (r *InboundRouter) onAssociationEvent(trig Trigger, d *broker.Delivery) {
	content := asContent(d.Content)
	if flowIdOf(content) != trig.Id {
		return
	}
	switch d.RoutingKey {
	case "association.take":
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content})
	case "association.discard":
		_ = r.b.Purge(queueInbound)
	case "association.complete":
		if !r.isForCompensation {
			return
		}
		compId := compensationId(r.ownerId, trig.Id)
		if r.onCompensationStart != nil {
			r.onCompensationStart(compId)
		}
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content})
	}
}

func (r *InboundRouter) onAttachedToEvent(trig Trigger, d *broker.Delivery) {
	content := asContent(d.Content)
	if activityIdOf(content) != trig.AttachedToId {
		return
	}
	switch d.RoutingKey {
	case "activity.enter":
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content})
	case "activity.discard":
		r.enqueue(InboundMessage{FlowId: trig.Id, RoutingKey: d.RoutingKey, Content: content, DiscardSequence: discardSequenceOf(content)})
	}
}

func (r *InboundRouter) enqueue(im InboundMessage) {
	_ = r.b.Publish(exchangeInbound, "arrived", im, broker.PublishOptions{Persistent: true})
}

func flowIdOf(content map[string]any) string {
	if content == nil {
		return ""
	}
	if v, ok := content["flowId"].(string); ok {
		return v
	}
	return ""
}

func activityIdOf(content map[string]any) string {
	if content == nil {
		return ""
	}
	if v, ok := content["activityId"].(string); ok {
		return v
	}
	return ""
}

func discardSequenceOf(content map[string]any) []string {
	if content == nil {
		return nil
	}
	raw, ok := content["discardSequence"].([]string)
	if ok {
		return raw
	}
	return nil
}

// joinBuffer is the parallel-join aggregation buffer: at most one
// message per distinct source flow id, first-wins, cleared on
// dispatch.
type joinBuffer struct {
	order    []string
	messages map[string]InboundMessage
	acked    []*broker.Delivery
}

func newJoinBuffer() *joinBuffer {
	return &joinBuffer{messages: map[string]InboundMessage{}}
}

// add returns false if flowId was already buffered (duplicate arrivals
// are ignored, first wins).
func (j *joinBuffer) add(im InboundMessage, d *broker.Delivery) bool {
	if _, exists := j.messages[im.FlowId]; exists {
		return false
	}
	j.messages[im.FlowId] = im
	j.order = append(j.order, im.FlowId)
	j.acked = append(j.acked, d)
	return true
}

func (j *joinBuffer) size() int { return len(j.order) }

// drain returns the buffered messages in arrival order and the
// deliveries pending ack, then resets the buffer.
func (j *joinBuffer) drain() ([]InboundMessage, []*broker.Delivery) {
	msgs := make([]InboundMessage, 0, len(j.order))
	for _, id := range j.order {
		msgs = append(msgs, j.messages[id])
	}
	pending := j.acked
	j.order = nil
	j.messages = map[string]InboundMessage{}
	j.acked = nil
	return msgs, pending
}

// anyTake reports whether the buffer contains at least one flow.take
// (or activity.enter/association.take) arrival.
func anyTake(msgs []InboundMessage) bool {
	for _, m := range msgs {
		if m.RoutingKey == "flow.take" || m.RoutingKey == "activity.enter" || m.RoutingKey == "association.take" {
			return true
		}
	}
	return false
}

// mergedDiscardSequence unions each message's discard sequence,
// order-preserving (arrival order, then within-message order) and
// deduplicated.
func mergedDiscardSequence(msgs []InboundMessage) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range msgs {
		for _, id := range m.DiscardSequence {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
