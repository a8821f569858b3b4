package broker

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

type envelope struct {
	deliveryTag uint64
	msg         Message
	redelivered bool
}

type consumer struct {
	tag       string
	handler   Handler
	noAck     bool
	prefetch  int
	exclusive bool
}

// queue is a single FIFO message buffer with at most one active consumer.
type queue struct {
	mu         sync.Mutex
	name       string
	durable    bool
	autoDelete bool
	logger     hclog.Logger

	messages []*envelope
	unacked  map[uint64]*envelope
	nextTag  uint64

	c *consumer
}

func newQueue(name string, opts QueueOptions, logger hclog.Logger) *queue {
	return &queue{
		name:       name,
		durable:    opts.Durable,
		autoDelete: opts.AutoDelete,
		logger:     logger,
		unacked:    make(map[uint64]*envelope),
	}
}

func (q *queue) enqueue(msg Message) {
	q.mu.Lock()
	q.nextTag++
	env := &envelope{deliveryTag: q.nextTag, msg: msg}
	q.messages = append(q.messages, env)
	q.mu.Unlock()
	q.tryDeliver()
}

// requeueFront pushes env back to the head of the queue, marked redelivered.
func (q *queue) requeueFront(env *envelope) {
	env.redelivered = true
	q.messages = append([]*envelope{env}, q.messages...)
}

func (q *queue) setConsumer(tag string, handler Handler, opts ConsumeOptions) error {
	q.mu.Lock()
	if q.c != nil && q.c.exclusive {
		q.mu.Unlock()
		return &ErrExclusiveConsumer{Queue: q.name}
	}
	q.c = &consumer{
		tag:       tag,
		handler:   handler,
		noAck:     opts.NoAck,
		prefetch:  opts.Prefetch,
		exclusive: opts.Exclusive,
	}
	q.mu.Unlock()
	q.tryDeliver()
	return nil
}

// cancelConsumer stops delivery and requeues any unacked deliveries to
// the head of the queue, marked redelivered. Returns true if the queue
// should be removed by the caller (autoDelete, no consumer left).
func (q *queue) cancelConsumer() (removeQueue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.c = nil
	q.requeueAllUnackedLocked()
	return q.autoDelete
}

func (q *queue) requeueAllUnackedLocked() {
	if len(q.unacked) == 0 {
		return
	}
	pending := make([]*envelope, 0, len(q.unacked))
	for _, env := range q.unacked {
		pending = append(pending, env)
	}
	q.unacked = make(map[uint64]*envelope)
	// preserve original delivery order (ascending tag) when requeuing.
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if pending[j].deliveryTag < pending[i].deliveryTag {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}
	for i := len(pending) - 1; i >= 0; i-- {
		q.requeueFront(pending[i])
	}
}

func (q *queue) consumerTag() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.c == nil {
		return ""
	}
	return q.c.tag
}

func (q *queue) purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
}

func (q *queue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *queue) peekHead() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return "", false
	}
	return q.messages[0].msg.RoutingKey, true
}

// tryDeliver dispatches buffered messages to the active consumer while
// it has prefetch capacity. Handlers are invoked outside the queue
// lock so they may freely Ack/Nack/publish without deadlocking.
func (q *queue) tryDeliver() {
	for {
		q.mu.Lock()
		if q.c == nil || len(q.messages) == 0 {
			q.mu.Unlock()
			return
		}
		if q.c.prefetch > 0 && len(q.unacked) >= q.c.prefetch {
			q.mu.Unlock()
			return
		}
		env := q.messages[0]
		q.messages = q.messages[1:]
		c := q.c
		if !c.noAck {
			q.unacked[env.deliveryTag] = env
		}
		q.mu.Unlock()

		d := &Delivery{
			Message: env.msg,
			Fields: Fields{
				ConsumerTag: c.tag,
				DeliveryTag: env.deliveryTag,
				Redelivered: env.redelivered,
			},
			q:     q,
			noAck: c.noAck,
		}
		c.handler(d)
	}
}

func (q *queue) ack(tag uint64) {
	q.mu.Lock()
	delete(q.unacked, tag)
	q.mu.Unlock()
	q.tryDeliver()
}

func (q *queue) nack(tag uint64, requeue bool) {
	q.mu.Lock()
	env, ok := q.unacked[tag]
	delete(q.unacked, tag)
	if ok && requeue {
		q.requeueFront(env)
	}
	q.mu.Unlock()
	q.tryDeliver()
}

// ErrExclusiveConsumer is returned when a second consumer attempts to
// attach to a queue already claimed by an exclusive consumer.
type ErrExclusiveConsumer struct {
	Queue string
}

func (e *ErrExclusiveConsumer) Error() string {
	return "broker: queue " + e.Queue + " already has an exclusive consumer"
}
