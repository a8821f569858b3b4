// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

// EvaluateOutbound is the outbound flow evaluator. It never mutates
// flows; it returns one OutboundResult per flow, in
// original declaration order, or an error if a condition function
// failed or if no flow was taken and at least one outbound flow
// exists.
//
// discardRestAtTake is the exclusive-gateway semantic: once one flow
// is taken, every remaining flow (in evaluation order, which puts the
// default flow last) is marked discard and evaluation stops.
func EvaluateOutbound(sourceId string, msg *RunMessage, flows []SequenceFlow, discardRestAtTake bool) ([]OutboundResult, error) {
	if len(flows) == 0 {
		return nil, nil
	}

	ordered, defaultIdx := reorderDefaultLast(flows)
	results := make([]OutboundResult, len(ordered))
	took := false

	for i, flow := range ordered {
		if took {
			// once any flow was taken, either every remaining flow is
			// discarded (exclusive gateway) or, absent that, only the
			// default flow --- if it is the very next one --- is.
			if discardRestAtTake {
				results[i] = discardResult(flow)
				continue
			}
			if defaultIdx >= 0 && i == defaultIdx {
				results[i] = discardResult(flow)
				continue
			}
		}

		action, result, err := evaluateFlow(flow, msg)
		if err != nil {
			return nil, &EvaluationError{Source: sourceId, Cause: msg, Inner: err}
		}
		results[i] = OutboundResult{
			Id:           flow.Id(),
			Action:       action,
			IsDefault:    flow.IsDefault(),
			Result:       result,
			EvaluationId: newSequenceId(flow.Id(), action),
		}
		if action == ActionTake {
			took = true
			if discardRestAtTake {
				markRemainingDiscard(ordered, results, i+1)
				break
			}
			// the default-becomes-discard-after-take rule is applied
			// uniformly by the "if took" branch at the top of the next
			// iteration -- the default flow is always last, so no
			// further flows follow it either way.
		}
	}

	if !took {
		return nil, &EvaluationError{Source: sourceId, Cause: msg, Inner: ErrNoFlowTaken}
	}

	if msg != nil && msg.Content != nil {
		for i := range results {
			results[i].Message = msg.Content
		}
	}
	return orderByOriginal(flows, results), nil
}

func evaluateFlow(flow SequenceFlow, msg *RunMessage) (OutboundAction, any, error) {
	if flow.IsDefault() {
		return ActionTake, nil, nil
	}
	cond := flow.Condition()
	if cond == nil {
		return ActionTake, nil, nil
	}
	ok, err := cond(msg)
	if err != nil {
		return "", nil, err
	}
	if ok {
		return ActionTake, ok, nil
	}
	return ActionDiscard, ok, nil
}

func discardResult(flow SequenceFlow) OutboundResult {
	return OutboundResult{
		Id:           flow.Id(),
		Action:       ActionDiscard,
		IsDefault:    flow.IsDefault(),
		EvaluationId: newSequenceId(flow.Id(), ActionDiscard),
	}
}

func markRemainingDiscard(flows []SequenceFlow, results []OutboundResult, from int) {
	for i := from; i < len(flows); i++ {
		if results[i].Id == "" {
			results[i] = discardResult(flows[i])
		}
	}
}

// reorderDefaultLast returns a copy of flows with the default flow (if
// any) moved to the end, and the index the default flow ends up at
// (-1 if there is none). Reordering is purely an evaluation-order
// device; the result is later restored to original declaration order.
func reorderDefaultLast(flows []SequenceFlow) ([]SequenceFlow, int) {
	ordered := make([]SequenceFlow, 0, len(flows))
	var def SequenceFlow
	for _, f := range flows {
		if f.IsDefault() && def == nil {
			def = f
			continue
		}
		ordered = append(ordered, f)
	}
	if def == nil {
		return ordered, -1
	}
	ordered = append(ordered, def)
	return ordered, len(ordered) - 1
}

func orderByOriginal(flows []SequenceFlow, ordered []OutboundResult) []OutboundResult {
	byId := make(map[string]OutboundResult, len(ordered))
	for _, r := range ordered {
		byId[r.Id] = r
	}
	out := make([]OutboundResult, len(flows))
	for i, f := range flows {
		out[i] = byId[f.Id()]
	}
	return out
}
