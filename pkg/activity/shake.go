package activity

import "github.com/flowcore/actrt/pkg/broker"

// shake is a dry-run graph traversal that walks
// outbound flows without executing anything, appending {id,type} to
// content.sequence at every hop. All shake messages are transient
// (published with default, non-persistent PublishOptions).
func (a *Activity) shake(content map[string]any) {
	seq, _ := content["sequence"].([]any)
	seq = append(seq, map[string]any{"id": a.id, "type": a.typ})

	if a.flags.IsEnd {
		_ = a.events.publishEvent("activity.shake.end", map[string]any{"activityId": a.id, "sequence": seq})
		return
	}
	for _, flow := range a.outbound {
		_ = a.broker.Publish(exchangeEvent, "flow.shake", map[string]any{
			"flowId":   flow.Id(),
			"sequence": seq,
		}, broker.PublishOptions{})
	}
}
