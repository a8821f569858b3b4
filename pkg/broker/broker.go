// Package broker implements a small in-process topic message broker,
// modeled after the exchange/queue/binding semantics an activity
// runtime needs for durable crash-recovery: assertable exchanges and
// queues, topic routing, acknowledgement, redelivery, consumer tags
// and queue purge.
//
// One Broker belongs to exactly one owner (an activity); it is not
// safe to share a Broker between goroutines running concurrently,
// matching the single-logical-worker model the owner runs under.
package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ExchangeKind selects the routing algorithm an exchange uses.
type ExchangeKind string

const (
	Topic  ExchangeKind = "topic"
	Direct ExchangeKind = "direct"
)

// QueueOptions configures AssertQueue.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
}

// ConsumeOptions configures SubscribeTmp / AssertConsumer.
type ConsumeOptions struct {
	ConsumerTag string
	NoAck       bool
	Prefetch    int
	Priority    int
	Exclusive   bool
}

// PublishOptions configures Publish.
type PublishOptions struct {
	Persistent    bool
	Mandatory     bool
	Type          string
	CorrelationId string
	Priority      int
}

// Handler processes one delivery. It must Ack or Nack the delivery
// unless the consumer was started with ConsumeOptions.NoAck.
type Handler func(d *Delivery)

// Broker is a topic-routed exchange/queue broker scoped to a single owner.
type Broker struct {
	mu        sync.Mutex
	name      string
	logger    hclog.Logger
	exchanges map[string]*exchange
	queues    map[string]*queue
}

// New creates an empty Broker. logger may be nil, in which case a
// discarding logger is used.
func New(name string, logger hclog.Logger) *Broker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Broker{
		name:      name,
		logger:    logger.Named("broker").With("broker", name),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

type exchange struct {
	name     string
	kind     ExchangeKind
	bindings []binding
}

type binding struct {
	queue   string
	pattern string
}

// AssertExchange idempotently declares an exchange. A second assertion
// of the same name with a different kind is an error.
func (b *Broker) AssertExchange(name string, kind ExchangeKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assertExchangeLocked(name, kind)
}

func (b *Broker) assertExchangeLocked(name string, kind ExchangeKind) error {
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("broker: exchange %q already declared as %s, cannot redeclare as %s", name, ex.kind, kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// AssertQueue idempotently declares a queue.
func (b *Broker) AssertQueue(name string, opts QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertQueueLocked(name, opts)
	return nil
}

func (b *Broker) assertQueueLocked(name string, opts QueueOptions) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := newQueue(name, opts, b.logger)
	b.queues[name] = q
	return q
}

// BindQueue binds an existing queue to an existing exchange under a
// routing pattern; an unknown queue or exchange is an error. Patterns
// use topic wildcards: `*`
// matches exactly one dot-separated segment, `#` matches zero or more.
func (b *Broker) BindQueue(queueName, exchangeName, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("broker: cannot bind to unknown exchange %q", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("broker: cannot bind unknown queue %q", queueName)
	}
	for _, bnd := range ex.bindings {
		if bnd.queue == queueName && bnd.pattern == pattern {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, pattern: pattern})
	return nil
}

// Publish routes content to every queue bound to exchangeName whose
// pattern matches routingKey. Mandatory publishes with no matching
// queue return ErrNoRoute.
func (b *Broker) Publish(exchangeName, routingKey string, content any, opts PublishOptions) error {
	b.mu.Lock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("broker: unknown exchange %q", exchangeName)
	}
	var targets []*queue
	for _, bnd := range ex.bindings {
		if !matchRoutingKey(bnd.pattern, routingKey, ex.kind) {
			continue
		}
		if q, ok := b.queues[bnd.queue]; ok {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		if opts.Mandatory {
			return &ErrNoRoute{Exchange: exchangeName, RoutingKey: routingKey}
		}
		return nil
	}

	msg := Message{
		Exchange:      exchangeName,
		RoutingKey:    routingKey,
		Content:       content,
		MessageId:     uuid.NewString(),
		Persistent:    opts.Persistent,
		Type:          opts.Type,
		CorrelationId: opts.CorrelationId,
		Priority:      opts.Priority,
	}
	for _, q := range targets {
		q.enqueue(msg)
	}
	return nil
}

// SubscribeTmp declares a transient (non-durable) private queue bound
// to exchangeName/pattern and starts consuming it. Its consumer is
// never part of a snapshot, and the queue itself is left out of
// durable-only snapshots (GetState(true)).
func (b *Broker) SubscribeTmp(exchangeName, pattern string, handler Handler, opts ConsumeOptions) (string, error) {
	b.mu.Lock()
	if _, ok := b.exchanges[exchangeName]; !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("broker: unknown exchange %q", exchangeName)
	}
	qname := fmt.Sprintf("_tmp.%s.%s", exchangeName, uuid.NewString())
	q := b.assertQueueLocked(qname, QueueOptions{Durable: false, AutoDelete: true})
	ex := b.exchanges[exchangeName]
	ex.bindings = append(ex.bindings, binding{queue: qname, pattern: pattern})
	b.mu.Unlock()

	return b.consume(q, handler, opts)
}

// AssertConsumer starts a durable consumer directly on a named queue
// (typically run-q, inbound-q or execute-q). Durable here means the
// queue and its contents survive recover(); the handler closure itself
// must be re-attached by the caller after recover.
func (b *Broker) AssertConsumer(queueName string, handler Handler, opts ConsumeOptions) (string, error) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("broker: cannot consume unknown queue %q", queueName)
	}
	return b.consume(q, handler, opts)
}

func (b *Broker) consume(q *queue, handler Handler, opts ConsumeOptions) (string, error) {
	tag := opts.ConsumerTag
	if tag == "" {
		tag = uuid.NewString()
	}
	if err := q.setConsumer(tag, handler, opts); err != nil {
		return "", err
	}
	return tag, nil
}

// Cancel stops delivery for consumerTag and returns its unacked
// deliveries to the head of their queue, marked redelivered, so a
// subsequent AssertConsumer call (e.g. after resume()) picks them up
// again.
func (b *Broker) Cancel(consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		if q.consumerTag() == consumerTag {
			removed := q.cancelConsumer()
			if removed {
				delete(b.queues, name)
				b.removeBindingsForQueue(name)
			}
			return nil
		}
	}
	return nil
}

func (b *Broker) removeBindingsForQueue(queueName string) {
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bnd := range ex.bindings {
			if bnd.queue != queueName {
				kept = append(kept, bnd)
			}
		}
		ex.bindings = kept
	}
}

// Purge drops every message currently queued (not yet delivered) on
// queueName. Outstanding unacked deliveries are untouched.
func (b *Broker) Purge(queueName string) error {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	q.purge()
	return nil
}

// QueueLength returns the number of messages waiting to be delivered
// on queueName, 0 if the queue does not exist.
func (b *Broker) QueueLength(queueName string) int {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.length()
}

// ConsumerCount returns the number of active consumers (0 or 1) on queueName.
func (b *Broker) ConsumerCount(queueName string) int {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok || q.consumerTag() == "" {
		return 0
	}
	return 1
}

// PeekHead returns the routing key of the head message of queueName
// without consuming it, for tests and diagnostics.
func (b *Broker) PeekHead(queueName string) (routingKey string, ok bool) {
	b.mu.Lock()
	q, exists := b.queues[queueName]
	b.mu.Unlock()
	if !exists {
		return "", false
	}
	return q.peekHead()
}

// ErrNoRoute is returned by Publish when a mandatory message matches no queue.
type ErrNoRoute struct {
	Exchange   string
	RoutingKey string
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("broker: mandatory message %q on exchange %q matched no queue", e.RoutingKey, e.Exchange)
}
