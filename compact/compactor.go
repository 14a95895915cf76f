package compact

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashkv/arraykv/scheduler"
)

// State is one of the five compaction states spec.md §4.7 names.
type State int

const (
	// StateIdle is the implicit initial/at-rest state before any
	// compaction has been scheduled, and after a run fails (Fail). A
	// completed or canceled run stays in StateComplete or StateCanceled
	// until the next Schedule. It is not one of spec.md's five named states, but a
	// caller must be able to tell "no compaction exists" apart from
	// "Complete" (which still reflects the most recent run).
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateFinalizing
	StateComplete
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScheduled:
		return "Scheduled"
	case StateRunning:
		return "Running"
	case StateFinalizing:
		return "Finalizing"
	case StateComplete:
		return "Complete"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Compactor drives the {Scheduled, Running, Finalizing, Complete, Canceled}
// state machine (spec.md §4.7). It owns no I/O itself: the actual merge and
// generation switch are supplied by the caller as run, invoked once the
// scheduled delay elapses.
//
// At most one compaction exists at a time (spec.md §4.7: "Scheduling...
// at most one compaction exists at a time"); Schedule re-arms a sooner
// deadline in place rather than stacking a second task.
type Compactor struct {
	sched  scheduler.Scheduler
	logger *zap.Logger
	run    func()

	mu       sync.Mutex
	state    State
	task     scheduler.Task
	deadline time.Time
	cond     *sync.Cond
}

// New returns a Compactor backed by sched, logging phase transitions to
// logger, and invoking run once a scheduled delay elapses or Schedule is
// called with a zero delay.
func New(sched scheduler.Scheduler, logger *zap.Logger, run func()) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compactor{sched: sched, logger: logger, run: run, state: StateIdle}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the compactor's current state.
func (c *Compactor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Schedule arranges for a compaction to start after delay. If none is
// currently scheduled, it creates one. If one is already scheduled with a
// strictly later deadline, it is canceled and replaced with the sooner
// one (spec.md §4.7: "if one exists with a larger remaining delay, cancel
// and replace with a sooner one"). Scheduling has no effect once a
// compaction has moved past Scheduled — running tasks cannot be
// rescheduled or canceled (spec.md §4.7).
func (c *Compactor) Schedule(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle && c.state != StateScheduled && c.state != StateComplete && c.state != StateCanceled {
		return // Running or Finalizing: cannot be rescheduled.
	}

	deadline := time.Now().Add(delay)
	if c.state == StateScheduled && !deadline.Before(c.deadline) {
		return // existing task already sooner or equal.
	}
	if c.task != nil {
		c.task.Cancel()
	}

	c.state = StateScheduled
	c.deadline = deadline
	c.task = c.sched.Schedule(delay, c.fire)
	c.logger.Debug("compaction scheduled", zap.Duration("delay", delay))
}

func (c *Compactor) fire() {
	c.mu.Lock()
	if c.state != StateScheduled {
		c.mu.Unlock()
		return // canceled out from under the timer.
	}
	c.state = StateRunning
	c.task = nil
	c.mu.Unlock()

	c.logger.Info("compaction running")
	c.run()
}

// BeginFinalizing transitions Running -> Finalizing. The caller invokes
// this from inside run once the lock-free merge step has completed and it
// is about to reacquire the write lock to publish the new generation.
func (c *Compactor) BeginFinalizing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.state = StateFinalizing
	c.logger.Info("compaction finalizing")
}

// Complete transitions Finalizing -> Complete and wakes any goroutine
// blocked in Wait (spec.md §4.6's hot-copy/write-stall waiters).
func (c *Compactor) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateComplete
	c.logger.Info("compaction complete")
	c.cond.Broadcast()
}

// Fail transitions back to an at-rest state after a merge or finalize
// error (spec.md §4.7: "state invariants after failure are identical to
// pre-start"), and wakes any Wait callers so they don't block forever on a
// compaction that will never finish.
func (c *Compactor) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.logger.Warn("compaction failed, reverted to idle")
	c.cond.Broadcast()
}

// Cancel cancels a Scheduled-but-not-started compaction and reports
// whether it did so. Once a compaction has started running, Cancel always
// returns false — spec.md §4.7: "if started, wait for completion".
func (c *Compactor) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateScheduled {
		return false
	}
	if c.task != nil {
		c.task.Cancel()
		c.task = nil
	}
	c.state = StateCanceled
	c.logger.Debug("compaction canceled before starting")
	c.cond.Broadcast()
	return true
}

// Wait blocks until the compactor leaves Running/Finalizing (spec.md
// §4.7's cancellation rule: "if started, wait for completion, including
// the hot-copy drain"). It returns immediately if no compaction is
// currently running.
func (c *Compactor) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == StateRunning || c.state == StateFinalizing {
		c.cond.Wait()
	}
}
