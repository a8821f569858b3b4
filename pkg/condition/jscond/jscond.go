package jscond

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowcore/actrt/pkg/activity"
)

type jsRunner struct {
	vm *goja.Runtime
}

func (r *jsRunner) Runner() {}

type jsRunnerFactory struct{}

func (jsRunnerFactory) NewRunner() Runner {
	return &jsRunner{vm: goja.New()}
}

func (r *jsRunner) evaluate(expr string, content map[string]any) (bool, error) {
	for k, v := range content {
		if err := r.vm.Set(k, v); err != nil {
			return false, fmt.Errorf("jscond: binding %q: %w", k, err)
		}
	}
	value, err := r.vm.RunString(expr)
	if err != nil {
		return false, fmt.Errorf("jscond: evaluating %q: %w", expr, err)
	}
	return value.ToBoolean(), nil
}

// Evaluator pools goja VMs behind a RunnerPool and hands out
// activity.ConditionFunc closures bound to one expression each. One
// Evaluator is meant to be shared by every SequenceFlow in a process
// definition rather than constructed per flow.
type Evaluator struct {
	pool *RunnerPool
}

// NewEvaluator starts a pool holding minSize goja VMs up front and
// growing to at most maxSize; its background shrink ticker stops when
// ctx is cancelled.
func NewEvaluator(ctx context.Context, maxSize, minSize int) *Evaluator {
	return &Evaluator{pool: NewRunnerPool(ctx, jsRunnerFactory{}, maxSize, minSize)}
}

// Condition returns an activity.ConditionFunc that evaluates expr
// against the run message's content, truthy-coerced the way a goja
// boolean expression naturally is (0, "", null, undefined are
// falsy).
func (e *Evaluator) Condition(expr string) activity.ConditionFunc {
	return func(msg *activity.RunMessage) (bool, error) {
		r := e.pool.Get().(*jsRunner)
		defer e.pool.Put(r)
		return r.evaluate(expr, msg.Content)
	}
}
