package activity

import (
	"github.com/flowcore/actrt/pkg/broker"
)

// eventBroker is the thin façade over the event exchange:
// on/once/waitFor/emitFatal/publishEvent layered directly over the
// activity's own Broker and its event exchange. It holds no state of
// its own beyond the broker it wraps.
type eventBroker struct {
	b *broker.Broker
}

func newEventBroker(b *broker.Broker) *eventBroker {
	return &eventBroker{b: b}
}

// EventHandler receives the routing key it matched plus the event
// content, mirroring what publishEvent hands to subscribers.
type EventHandler func(routingKey string, content map[string]any)

// on subscribes a durable-for-the-process-lifetime handler to every
// event matching pattern. It never auto-cancels.
func (e *eventBroker) on(pattern string, handler EventHandler) (string, error) {
	return e.b.SubscribeTmp(exchangeEvent, pattern, func(d *broker.Delivery) {
		handler(d.RoutingKey, asContent(d.Content))
		d.Ack()
	}, broker.ConsumeOptions{NoAck: true})
}

// once behaves like on but cancels itself after the first delivery.
func (e *eventBroker) once(pattern string, handler EventHandler) (string, error) {
	var tag string
	var err error
	tag, err = e.b.SubscribeTmp(exchangeEvent, pattern, func(d *broker.Delivery) {
		handler(d.RoutingKey, asContent(d.Content))
		d.Ack()
		_ = e.b.Cancel(tag)
	}, broker.ConsumeOptions{NoAck: true})
	return tag, err
}

// waitFor blocks the caller until an event matching pattern arrives
// and, if filter is non-nil, filter returns true for its content. It
// is meant for tests and for synchronous callers driving an Activity
// directly rather than for use from inside the
// state machine's own consumers.
func (e *eventBroker) waitFor(pattern string, filter func(content map[string]any) bool) (string, map[string]any) {
	resultCh := make(chan struct {
		key     string
		content map[string]any
	}, 1)
	var tag string
	tag, _ = e.b.SubscribeTmp(exchangeEvent, pattern, func(d *broker.Delivery) {
		content := asContent(d.Content)
		if filter != nil && !filter(content) {
			d.Ack()
			return
		}
		d.Ack()
		select {
		case resultCh <- struct {
			key     string
			content map[string]any
		}{d.RoutingKey, content}:
		default:
		}
	}, broker.ConsumeOptions{NoAck: true})
	result := <-resultCh
	_ = e.b.Cancel(tag)
	return result.key, result.content
}

// emitFatal publishes a mandatory error event: if nothing is bound to
// receive it, the broker's Publish call itself returns *broker.ErrNoRoute.
// The state machine's own calls (formatter failure in handleRunMessage,
// outbound evaluation failure in doLeave) discard that return value, so
// with nothing bound such an error is not reported anywhere else.
func (e *eventBroker) emitFatal(err error) error {
	return e.b.Publish(exchangeEvent, "error", map[string]any{"error": err.Error()}, broker.PublishOptions{Mandatory: true})
}

// publishEvent is the generic "event <routingKey>" emitter the state
// machine calls at every lifecycle transition.
func (e *eventBroker) publishEvent(routingKey string, content map[string]any) error {
	return e.b.Publish(exchangeEvent, routingKey, content, broker.PublishOptions{})
}

// On subscribes handler to every event matching pattern for the life
// of the activity. It never auto-cancels; the caller should Cancel the
// returned tag via Broker() if it needs to stop listening.
func (a *Activity) On(pattern string, handler EventHandler) (string, error) {
	return a.events.on(pattern, handler)
}

// Once behaves like On but cancels itself after the first delivery.
func (a *Activity) Once(pattern string, handler EventHandler) (string, error) {
	return a.events.once(pattern, handler)
}

// WaitFor blocks the caller until an event matching pattern arrives
// and, if filter is non-nil, filter returns true for its content.
// Meant for synchronous callers driving an Activity directly, not for
// use from inside the state machine's own consumers.
func (a *Activity) WaitFor(pattern string, filter func(content map[string]any) bool) (string, map[string]any) {
	return a.events.waitFor(pattern, filter)
}

// EmitFatal publishes a mandatory error event. If nothing is bound to
// receive it, the underlying Publish call returns *broker.ErrNoRoute.
func (a *Activity) EmitFatal(err error) error {
	return a.events.emitFatal(err)
}

func asContent(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
