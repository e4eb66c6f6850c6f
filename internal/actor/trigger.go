package actor

import (
	"time"

	"k8s.io/utils/clock"
)

// Trigger is a single-slot delayed callback. Arming always supersedes the
// previous timer, so at most one callback is pending at any time.
//
// A timer can fire concurrently with the mailbox job that supersedes it. To
// make such a late callback harmless every Arm and Cancel bumps a generation
// number; fire receives the generation it was armed with and the job it
// schedules must check Current before acting.
//
// Trigger is not safe for concurrent use. Arm, Cancel and Current are meant
// to be called from the owning instance's mailbox only.
type Trigger struct {
	clock clock.WithDelayedExecution
	timer clock.Timer
	gen   uint64
}

// NewTrigger returns an unarmed trigger driven by c.
func NewTrigger(c clock.WithDelayedExecution) *Trigger {
	return &Trigger{clock: c}
}

// Arm cancels any pending timer and schedules fire after d. A non-positive d
// only cancels.
func (t *Trigger) Arm(d time.Duration, fire func(gen uint64)) {
	t.Cancel()
	if d <= 0 {
		return
	}
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() { fire(gen) })
}

// Cancel stops the pending timer, if any, and invalidates its generation.
func (t *Trigger) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Current reports whether gen belongs to the timer that is still pending.
func (t *Trigger) Current(gen uint64) bool {
	return t.timer != nil && gen == t.gen
}

// Pending reports whether a timer is armed.
func (t *Trigger) Pending() bool { return t.timer != nil }

// Fired marks the pending timer as consumed. The owning job calls it once it
// has accepted a callback for generation gen.
func (t *Trigger) Fired(gen uint64) {
	if gen == t.gen {
		t.timer = nil
		t.gen++
	}
}
