package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return New("test", nil)
}

func TestPublishSubscribeBasic(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("run", Topic))
	require.NoError(t, b.AssertQueue("run-q", QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue("run-q", "run", "run.#"))

	var got []string
	_, err := b.AssertConsumer("run-q", func(d *Delivery) {
		got = append(got, d.RoutingKey)
		d.Ack()
	}, ConsumeOptions{ConsumerTag: "_activity-run", Prefetch: 1})
	require.NoError(t, err)

	require.NoError(t, b.Publish("run", "run.enter", "c1", PublishOptions{Persistent: true}))
	require.NoError(t, b.Publish("run", "run.start", "c2", PublishOptions{Persistent: true}))

	assert.Equal(t, []string{"run.enter", "run.start"}, got)
}

func TestTopicWildcards(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"flow.*", "flow.take", true},
		{"flow.*", "flow.take.extra", false},
		{"flow.#", "flow.take.extra", true},
		{"#", "anything.at.all", true},
		{"flow.take", "flow.discard", false},
		{"activity.*.done", "activity.foo.done", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchTopicPattern(splitForTest(c.pattern), splitForTest(c.key)), "pattern=%s key=%s", c.pattern, c.key)
	}
}

func splitForTest(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '.' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}

func TestMandatoryNoRoute(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("event", Topic))
	err := b.Publish("event", "activity.error", nil, PublishOptions{Mandatory: true})
	require.Error(t, err)
	var noRoute *ErrNoRoute
	assert.ErrorAs(t, err, &noRoute)
}

func TestPrefetchBoundsOutstanding(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("execution", Topic))
	require.NoError(t, b.AssertQueue("execution-q", QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue("execution-q", "execution", "execute.#"))

	var delivered []*Delivery
	_, err := b.AssertConsumer("execution-q", func(d *Delivery) {
		delivered = append(delivered, d)
	}, ConsumeOptions{Prefetch: 1})
	require.NoError(t, err)

	require.NoError(t, b.Publish("execution", "execute.start", 1, PublishOptions{Persistent: true}))
	require.NoError(t, b.Publish("execution", "execute.wait", 2, PublishOptions{Persistent: true}))

	require.Len(t, delivered, 1, "second message should be withheld until first is acked")
	delivered[0].Ack()
	require.Len(t, delivered, 2)
}

func TestCancelRequeuesUnackedWithRedelivered(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("run", Topic))
	require.NoError(t, b.AssertQueue("run-q", QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue("run-q", "run", "run.#"))

	var first *Delivery
	tag, err := b.AssertConsumer("run-q", func(d *Delivery) {
		if first == nil {
			first = d
		}
	}, ConsumeOptions{Prefetch: 1})
	require.NoError(t, err)
	require.NoError(t, b.Publish("run", "run.enter", nil, PublishOptions{Persistent: true}))
	require.NotNil(t, first)

	require.NoError(t, b.Cancel(tag))

	rk, ok := b.PeekHead("run-q")
	require.True(t, ok)
	assert.Equal(t, "run.enter", rk)

	var second *Delivery
	_, err = b.AssertConsumer("run-q", func(d *Delivery) {
		second = d
	}, ConsumeOptions{Prefetch: 1})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Redelivered)
}

func TestAutoDeleteQueueRemovedOnCancel(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("run", Topic))
	tag, err := b.SubscribeTmp("run", "flow.shake", func(d *Delivery) { d.Ack() }, ConsumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, len(b.queues))
	require.NoError(t, b.Cancel(tag))
	assert.Equal(t, 0, len(b.queues), "autoDelete queue must be removed once its only consumer cancels")
}

func TestPurgeDropsQueuedMessages(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("event", Topic))
	require.NoError(t, b.AssertQueue("inbound-q", QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue("inbound-q", "event", "flow.#"))
	require.NoError(t, b.Publish("event", "flow.take", nil, PublishOptions{Persistent: true}))
	assert.Equal(t, 1, b.QueueLength("inbound-q"))
	require.NoError(t, b.Purge("inbound-q"))
	assert.Equal(t, 0, b.QueueLength("inbound-q"))
}

func TestSnapshotRecoverRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AssertExchange("run", Topic))
	require.NoError(t, b.AssertQueue("run-q", QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue("run-q", "run", "run.#"))
	require.NoError(t, b.Publish("run", "run.enter", map[string]any{"x": 1}, PublishOptions{Persistent: true}))
	require.NoError(t, b.Publish("run", "run.start", nil, PublishOptions{Persistent: false}))

	snap := b.GetState(true)

	b2 := New("restored", nil)
	b2.Recover(snap)
	assert.Equal(t, 1, b2.QueueLength("run-q"), "non-persistent message must not survive recover")

	rk, ok := b2.PeekHead("run-q")
	require.True(t, ok)
	assert.Equal(t, "run.enter", rk)
}
