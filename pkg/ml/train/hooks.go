// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks. It is called once the Trainer has restored or initialized its state.
type OnStartFn func(trainer *Trainer) error

// OnStepFn is the type of OnStep hooks, called after each update is applied.
type OnStepFn func(trainer *Trainer, stats StepStats) error

// OnEndFn is the type of OnEnd hooks, called after the last step. stats holds the last step run, and it is
// zero if no step was run.
type OnEndFn func(trainer *Trainer, stats StepStats) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) *Trainer {
	t.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
	return t
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a run.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) *Trainer {
	t.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
	return t
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
// OnEnd hooks are not called if the run fails.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) *Trainer {
	t.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
	return t
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order, hooks of the same priority in
// the order they were added. It stops at the first error.
func (h *priorityHooks[H]) Enumerate(fn func(hook H) error) error {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			if err := fn(hook); err != nil {
				return err
			}
		}
	}
	return nil
}

type everyNSteps struct {
	n  int
	fn OnStepFn
}

func (eN *everyNSteps) onStep(trainer *Trainer, stats StepStats) error {
	if stats.Step%eN.n != 0 {
		return nil
	}
	return eN.fn(trainer, stats)
}

// EveryNSteps registers an OnStep hook on the trainer that is called at the steps that are a multiple of n,
// step 0 included.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(trainer *Trainer, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(%d, %q): n must be > 0", n, name)
	}
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	trainer.OnStep(fullName, priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(trainer *Trainer, stats StepStats) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(trainer, stats)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnStep hook on the trainer that is called every period of time.
// The period counts after the execution of `fn`.
//
// If callOnEnd is set, it will also call at the end of the run.
func PeriodicCallback(trainer *Trainer, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	trainer.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		trainer.OnEnd(fullName, priority, func(trainer *Trainer, stats StepStats) error { return p.fn(trainer, stats) })
	}
}
