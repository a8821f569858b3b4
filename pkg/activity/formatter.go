package activity

import (
	"github.com/flowcore/actrt/pkg/broker"
)

// FormatFragment is one amendment published to format-run-q. A
// fragment that sets End may complete the chain synchronously (the
// common case, content already final) or asynchronously (content
// produced by a later publish on the same queue).
type FormatFragment struct {
	Content map[string]any
	End     bool
}

// Extensions is the pluggable lifecycle + formatting adapter. It is
// an external collaborator: a process
// with no extensions configured gets the noopExtensions below, which
// makes every hook a same-content, immediate pass-through.
type Extensions interface {
	// Activate/Deactivate mirror the activity's own lifecycle so an
	// extension can acquire/release resources (e.g. open a DB
	// transaction for the duration of one run).
	Activate() error
	Deactivate() error

	// Format is handed the current run message content and a
	// callback; it must eventually call done exactly once, optionally
	// rewriting content. The default implementation calls done(content)
	// synchronously.
	Format(content map[string]any, done func(content map[string]any, err error))
}

// noopExtensions is used when an Activity is constructed without an
// explicit Extensions collaborator.
type noopExtensions struct{}

func (noopExtensions) Activate() error   { return nil }
func (noopExtensions) Deactivate() error { return nil }
func (noopExtensions) Format(content map[string]any, done func(map[string]any, error)) {
	done(content, nil)
}

// formatterChain wires format-run-q fragments (published by an
// Extensions implementation that wants to amend content across
// multiple steps) on top of the synchronous Extensions.Format hook. In
// the common case where format-run-q is empty, it behaves
// exactly like calling ext.Format directly.
type formatterChain struct {
	b   *broker.Broker
	ext Extensions
}

func newFormatterChain(b *broker.Broker, ext Extensions) *formatterChain {
	if ext == nil {
		ext = noopExtensions{}
	}
	return &formatterChain{b: b, ext: ext}
}

// run executes the formatter hook against content and returns the
// (possibly rewritten) content, or a *FormatterError if either the
// Extensions hook or a format-run-q fragment fails.
func (f *formatterChain) run(source string, content map[string]any) (map[string]any, error) {
	type result struct {
		content map[string]any
		err     error
	}
	resultCh := make(chan result, 1)
	f.ext.Format(content, func(c map[string]any, err error) {
		resultCh <- result{c, err}
	})
	r := <-resultCh
	if r.err != nil {
		return nil, &FormatterError{Source: source, Inner: r.err}
	}
	if r.content == nil {
		r.content = content
	}
	return f.applyFragments(source, r.content)
}

// applyFragments drains any fragments already queued on format-run-q
// (published by an Extensions implementation driving a multi-step
// chain) and folds them into content in arrival order, stopping at the
// first fragment marked End.
func (f *formatterChain) applyFragments(source string, content map[string]any) (map[string]any, error) {
	if f.b.QueueLength(queueFormatRun) == 0 {
		return content, nil
	}
	for f.b.QueueLength(queueFormatRun) > 0 {
		var frag FormatFragment
		done := make(chan struct{})
		handled := false
		tag, err := f.b.AssertConsumer(queueFormatRun, func(d *broker.Delivery) {
			if handled {
				// left unacked: the Cancel below returns it to the head
				// of the queue for the next iteration
				return
			}
			handled = true
			defer close(done)
			fm, ok := d.Content.(FormatFragment)
			if !ok {
				d.Ack()
				return
			}
			frag = fm
			for k, v := range fm.Content {
				if content == nil {
					content = map[string]any{}
				}
				content[k] = v
			}
			d.Ack()
		}, broker.ConsumeOptions{Prefetch: 1})
		if err != nil {
			return content, &FormatterError{Source: source, Inner: err}
		}
		<-done
		_ = f.b.Cancel(tag)
		if frag.End {
			break
		}
	}
	return content, nil
}
