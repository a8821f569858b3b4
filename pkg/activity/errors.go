// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package activity

import "fmt"

// ActivityError wraps a failure surfaced from a Behaviour. It is
// published on event activity.error / run.error and always drives the
// activity into run.discarded -- it is never returned to the caller of
// run/discard/resume.
type ActivityError struct {
	Source string
	Inner  error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s: %s", e.Source, e.Inner.Error())
}

func (e *ActivityError) Unwrap() error { return e.Inner }

// EvaluationError wraps an outbound-evaluator failure: either a
// condition function that returned an error, or "no flow taken".
type EvaluationError struct {
	Source  string
	Cause   *RunMessage
	Inner   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("activity %s: outbound evaluation failed: %s", e.Source, e.Inner.Error())
}

func (e *EvaluationError) Unwrap() error { return e.Inner }

// ErrNoFlowTaken is the sentinel wrapped by EvaluationError when every
// outbound flow evaluated to discard and none is a default flow.
var ErrNoFlowTaken = fmt.Errorf("no conditional flow taken")

// FormatterError is fatal: it is routed through emitFatal rather than
// the normal run.error/run.discarded path, and the run is not
// advanced.
type FormatterError struct {
	Source string
	Inner  error
}

func (e *FormatterError) Error() string {
	return fmt.Sprintf("activity %s: formatter error: %s", e.Source, e.Inner.Error())
}

func (e *FormatterError) Unwrap() error { return e.Inner }

// ErrRunWhileRunning, ErrRecoverWhileRunning and ErrResumeWhileConsuming
// are the three programmer-error invariant violations that must be
// signalled by returning an error rather than by an event.
var (
	ErrRunWhileRunning     = fmt.Errorf("activity: run called while already running")
	ErrRecoverWhileRunning = fmt.Errorf("activity: recover called while running")
	ErrResumeWhileConsuming = fmt.Errorf("activity: resume called while already consuming")
)
