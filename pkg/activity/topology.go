package activity

// Exchange and queue names fixed by the topology every Activity
// asserts the same shape of on its own, private Broker.
const (
	exchangeRun       = "run"
	exchangeEvent     = "event"
	exchangeApi       = "api"
	exchangeExecution = "execution"
	exchangeFormatRun = "format-run"

	// exchangeInbound is private to the InboundRouter: it is the
	// mechanism by which filtered arrivals are handed to inbound-q
	// with the same ack/redelivery semantics as everything else,
	// rather than pushing onto the queue directly.
	exchangeInbound = "inbound"

	queueInbound   = "inbound-q"
	queueRun       = "run-q"
	queueExecution = "execution-q"
	queueFormatRun = "format-run-q"
)

// Consumer tags with an at-most-one-instance invariant.
const (
	consumerTagRun       = "_activity-run"
	consumerTagInbound   = "_run-on-inbound"
	consumerTagExecution = "_activity-execution"
)
