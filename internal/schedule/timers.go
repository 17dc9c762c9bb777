// Package schedule provides the timer registry backing the escalation
// engine. It guarantees at most one armed timer per task: arming a task that
// already holds a timer replaces it, and cancellation is best-effort — a
// callback already in flight may still run once, so callers must re-check
// task state before acting.
package schedule

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Timers maps task IDs to their single outstanding timer.
type Timers struct {
	mu      sync.Mutex
	pending map[string]entry
	nextGen uint64
	fire    func(taskID string)
	stopped bool
}

// New creates a registry dispatching to fire. The callback runs on the
// timer goroutine; it must serialize its own state access.
func New(fire func(taskID string)) *Timers {
	return &Timers{
		pending: make(map[string]entry),
		fire:    fire,
	}
}

// Arm schedules (or replaces) the timer for a task. A non-positive delay
// fires as soon as the dispatcher gets to it.
func (t *Timers) Arm(taskID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.pending[taskID]; ok {
		old.timer.Stop()
	}
	t.nextGen++
	gen := t.nextGen
	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		cur, ok := t.pending[taskID]
		// A replaced or cancelled timer can still reach here; only the
		// current owner of the slot dispatches.
		if t.stopped || !ok || cur.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.pending, taskID)
		t.mu.Unlock()
		t.fire(taskID)
	})
	t.pending[taskID] = entry{timer: timer, gen: gen}
}

// ArmAt schedules the timer for an absolute instant.
func (t *Timers) ArmAt(taskID string, at, now time.Time) {
	t.Arm(taskID, at.Sub(now))
}

// Cancel stops the task's timer if one is armed. Returns whether a timer
// was found. A fire already dispatched is not recalled.
func (t *Timers) Cancel(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[taskID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.pending, taskID)
	return true
}

// Armed reports whether the task currently holds a timer.
func (t *Timers) Armed(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[taskID]
	return ok
}

// Len returns the number of armed timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels every armed timer and refuses further arming. Part of the
// engine teardown lifecycle.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, id)
	}
}
