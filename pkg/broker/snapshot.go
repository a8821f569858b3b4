package broker

// Snapshot is the serializable state of a Broker: exchanges, bindings
// and, for queues selected by durableOnly, their pending message
// lists. Consumers are never part of a Snapshot -- handler closures
// cannot be serialized, so the owner re-establishes consumers after
// Recover.
type Snapshot struct {
	Exchanges []ExchangeSnapshot `json:"exchanges"`
	Queues    []QueueSnapshot    `json:"queues"`
}

type ExchangeSnapshot struct {
	Name     string            `json:"name"`
	Kind     ExchangeKind      `json:"kind"`
	Bindings []BindingSnapshot `json:"bindings,omitempty"`
}

type BindingSnapshot struct {
	Queue   string `json:"queue"`
	Pattern string `json:"pattern"`
}

type QueueSnapshot struct {
	Name       string             `json:"name"`
	Durable    bool               `json:"durable"`
	AutoDelete bool               `json:"autoDelete"`
	Messages   []MessageSnapshot  `json:"messages,omitempty"`
}

type MessageSnapshot struct {
	RoutingKey    string `json:"routingKey"`
	Content       any    `json:"content"`
	MessageId     string `json:"messageId"`
	Type          string `json:"type,omitempty"`
	CorrelationId string `json:"correlationId,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	Redelivered   bool   `json:"redelivered,omitempty"`
}

// GetState captures the broker's topology and, for every queue with
// durable=true (or every queue at all, when durableOnly is false), its
// pending + unacked message list. Unacked messages are included first
// and always marked Redelivered, matching what Recover will later hand
// back to a fresh consumer. Non-persistent messages are dropped.
func (b *Broker) GetState(durableOnly bool) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{}
	for _, ex := range b.exchanges {
		es := ExchangeSnapshot{Name: ex.name, Kind: ex.kind}
		for _, bnd := range ex.bindings {
			es.Bindings = append(es.Bindings, BindingSnapshot{Queue: bnd.queue, Pattern: bnd.pattern})
		}
		snap.Exchanges = append(snap.Exchanges, es)
	}
	for _, q := range b.queues {
		if durableOnly && !q.durable {
			continue
		}
		snap.Queues = append(snap.Queues, q.snapshot())
	}
	return snap
}

func (q *queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs := QueueSnapshot{Name: q.name, Durable: q.durable, AutoDelete: q.autoDelete}

	// unacked messages are logically still "at the head", and always
	// reappear as redelivered once a new consumer is attached.
	unackedOrdered := make([]*envelope, 0, len(q.unacked))
	for _, env := range q.unacked {
		unackedOrdered = append(unackedOrdered, env)
	}
	for i := 0; i < len(unackedOrdered); i++ {
		for j := i + 1; j < len(unackedOrdered); j++ {
			if unackedOrdered[j].deliveryTag < unackedOrdered[i].deliveryTag {
				unackedOrdered[i], unackedOrdered[j] = unackedOrdered[j], unackedOrdered[i]
			}
		}
	}
	for _, env := range unackedOrdered {
		if !env.msg.Persistent {
			continue
		}
		qs.Messages = append(qs.Messages, toMessageSnapshot(env.msg, true))
	}
	for _, env := range q.messages {
		if !env.msg.Persistent {
			continue
		}
		qs.Messages = append(qs.Messages, toMessageSnapshot(env.msg, env.redelivered))
	}
	return qs
}

func toMessageSnapshot(msg Message, redelivered bool) MessageSnapshot {
	return MessageSnapshot{
		RoutingKey:    msg.RoutingKey,
		Content:       msg.Content,
		MessageId:     msg.MessageId,
		Type:          msg.Type,
		CorrelationId: msg.CorrelationId,
		Priority:      msg.Priority,
		Redelivered:   redelivered,
	}
}

// Recover replaces the broker's exchanges, bindings and durable queue
// contents with snap. Any existing consumers are discarded -- the
// owner must re-assert them (this is what makes the subsequent
// delivery "redelivered").
func (b *Broker) Recover(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exchanges = make(map[string]*exchange)
	for _, es := range snap.Exchanges {
		ex := &exchange{name: es.Name, kind: es.Kind}
		for _, bs := range es.Bindings {
			ex.bindings = append(ex.bindings, binding{queue: bs.Queue, pattern: bs.Pattern})
		}
		b.exchanges[es.Name] = ex
	}

	b.queues = make(map[string]*queue)
	for _, qs := range snap.Queues {
		q := newQueue(qs.Name, QueueOptions{Durable: qs.Durable, AutoDelete: qs.AutoDelete}, b.logger)
		for _, ms := range qs.Messages {
			q.nextTag++
			q.messages = append(q.messages, &envelope{
				deliveryTag: q.nextTag,
				redelivered: true,
				msg: Message{
					Exchange:      "",
					RoutingKey:    ms.RoutingKey,
					Content:       ms.Content,
					MessageId:     ms.MessageId,
					Persistent:    true,
					Type:          ms.Type,
					CorrelationId: ms.CorrelationId,
					Priority:      ms.Priority,
				},
			})
		}
		b.queues[qs.Name] = q
	}
}
