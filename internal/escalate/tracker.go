package escalate

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sanction is a user's standing within one context-class.
type Sanction int

const (
	SanctionClean Sanction = iota
	SanctionWarned
	SanctionTimedOut
	SanctionTerminated
)

func (s Sanction) String() string {
	switch s {
	case SanctionWarned:
		return "warned"
	case SanctionTimedOut:
		return "timed_out"
	case SanctionTerminated:
		return "terminated"
	default:
		return "clean"
	}
}

// Record is a user's violation standing within one context-class.
type Record struct {
	UserID        string
	Class         string
	WarningCount  int
	Sanction      Sanction
	TimedOutUntil time.Time
	Restricted    bool // chat-level restriction, one-way
}

// InputController suspends and resumes the user's input capture (microphone,
// composer) while a timeout is active.
type InputController interface {
	SuspendInput()
	ResumeInput()
}

type nopInput struct{}

func (nopInput) SuspendInput() {}
func (nopInput) ResumeInput()  {}

type trackerKey struct {
	userID string
	class  string
}

type trackedState struct {
	rec    Record
	cancel chan struct{} // cancels the running countdown, nil when none
}

// Tracker drives the per-user, per-context-class sanction state machine:
// clean -> warned(k) -> timed_out(until) -> warned(k) -> ... -> terminated.
// Transitions come only from authoritative moderation signals; severity never
// regresses except through a timeout expiring, and terminated is absorbing.
type Tracker struct {
	ceiling int
	input   InputController
	logger  *zap.Logger

	// onTerminated fires exactly once per (user, class) on termination.
	onTerminated func(Record)
	// onChange fires after every applied transition, for UI observers.
	onChange func(Record)

	mu    sync.Mutex
	state map[trackerKey]*trackedState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInputController sets the capture controller driven by timeouts.
func WithInputController(ic InputController) Option {
	return func(t *Tracker) { t.input = ic }
}

// WithTerminationHook sets the side effect fired once on termination.
func WithTerminationHook(fn func(Record)) Option {
	return func(t *Tracker) { t.onTerminated = fn }
}

// WithChangeHook sets the observer notified after every transition.
func WithChangeHook(fn func(Record)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker creates a tracker that terminates at the given warning ceiling.
func NewTracker(ceiling int, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		ceiling: ceiling,
		input:   nopInput{},
		logger:  logger,
		state:   make(map[trackerKey]*trackedState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record returns the current standing for (userID, class).
func (t *Tracker) Record(userID, class string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(userID, class).rec
}

// CanAct reports whether the user may currently send in the class: not timed
// out, not terminated, not restricted.
func (t *Tracker) CanAct(userID, class string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.get(userID, class).rec
	return rec.Sanction != SanctionTimedOut && rec.Sanction != SanctionTerminated && !rec.Restricted
}

// ApplyWarning applies an authoritative violation warning numbered k. A k of
// zero means the signal carried no number and the count is incremented.
// Reaching the ceiling terminates the user in this class.
func (t *Tracker) ApplyWarning(userID, class string, k int) {
	t.mu.Lock()
	st := t.get(userID, class)
	if st.rec.Sanction == SanctionTerminated {
		t.mu.Unlock()
		return
	}
	if k <= 0 {
		k = st.rec.WarningCount + 1
	}
	if k > st.rec.WarningCount {
		st.rec.WarningCount = k
	}
	if st.rec.WarningCount >= t.ceiling {
		rec := t.terminateLocked(st)
		t.mu.Unlock()
		t.fireTermination(rec)
		return
	}
	st.rec.Sanction = SanctionWarned
	rec := st.rec
	t.mu.Unlock()

	t.logger.Info("Violation warning applied",
		zap.String("user_id", userID), zap.String("class", class), zap.Int("warning", k))
	t.notify(rec)
}

// ApplyTimeout applies an authoritative speaking timeout. Input capture is
// suspended and a local countdown (1-second resolution) reverts the user to
// warned standing on expiry, unless a termination supersedes it first.
func (t *Tracker) ApplyTimeout(userID, class string, duration time.Duration, k int) {
	t.mu.Lock()
	st := t.get(userID, class)
	if st.rec.Sanction == SanctionTerminated {
		t.mu.Unlock()
		return
	}
	if k > st.rec.WarningCount {
		st.rec.WarningCount = k
	}
	t.cancelCountdownLocked(st)
	st.rec.Sanction = SanctionTimedOut
	st.rec.TimedOutUntil = time.Now().Add(duration)
	cancel := make(chan struct{})
	st.cancel = cancel
	rec := st.rec
	t.mu.Unlock()

	t.logger.Info("Speaking timeout applied",
		zap.String("user_id", userID), zap.String("class", class), zap.Duration("duration", duration))
	t.input.SuspendInput()
	t.notify(rec)

	go t.countdown(userID, class, duration, cancel)
}

// ApplyTermination applies the terminal sanction. It cancels any running
// countdown and is absorbing: no later signal changes the state.
func (t *Tracker) ApplyTermination(userID, class string) {
	t.mu.Lock()
	st := t.get(userID, class)
	if st.rec.Sanction == SanctionTerminated {
		t.mu.Unlock()
		return
	}
	rec := t.terminateLocked(st)
	t.mu.Unlock()
	t.fireTermination(rec)
}

// ApplyRestriction applies the one-way chat restriction. It never auto-reverts.
func (t *Tracker) ApplyRestriction(userID, class string) {
	t.mu.Lock()
	st := t.get(userID, class)
	if st.rec.Restricted {
		t.mu.Unlock()
		return
	}
	st.rec.Restricted = true
	rec := st.rec
	t.mu.Unlock()

	t.logger.Info("User restricted",
		zap.String("user_id", userID), zap.String("class", class))
	t.notify(rec)
}

// Remove tears down tracking for (userID, class), cancelling any countdown.
func (t *Tracker) Remove(userID, class string) {
	t.mu.Lock()
	key := trackerKey{userID: userID, class: class}
	if st, ok := t.state[key]; ok {
		t.cancelCountdownLocked(st)
		delete(t.state, key)
	}
	t.mu.Unlock()
}

// Close cancels every running countdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	for _, st := range t.state {
		t.cancelCountdownLocked(st)
	}
	t.mu.Unlock()
}

// countdown ticks once a second until the timeout expires or is cancelled.
func (t *Tracker) countdown(userID, class string, duration time.Duration, cancel chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			st := t.get(userID, class)
			if st.cancel != cancel {
				// Superseded by a newer timeout or a termination.
				t.mu.Unlock()
				return
			}
			if time.Now().Before(st.rec.TimedOutUntil) {
				t.mu.Unlock()
				continue
			}
			st.cancel = nil
			st.rec.Sanction = SanctionWarned
			st.rec.TimedOutUntil = time.Time{}
			rec := st.rec
			t.mu.Unlock()

			t.logger.Info("Timeout expired, speaking re-enabled",
				zap.String("user_id", userID), zap.String("class", class))
			t.input.ResumeInput()
			t.notify(rec)
			return

		case <-cancel:
			return
		}
	}
}

// terminateLocked moves st to terminated. Caller holds the mutex and fires
// the side effects with the returned copy after unlocking.
func (t *Tracker) terminateLocked(st *trackedState) Record {
	t.cancelCountdownLocked(st)
	st.rec.Sanction = SanctionTerminated
	st.rec.TimedOutUntil = time.Time{}
	return st.rec
}

// fireTermination runs the termination side effects exactly once per transition.
func (t *Tracker) fireTermination(rec Record) {
	t.logger.Warn("User terminated",
		zap.String("user_id", rec.UserID), zap.String("class", rec.Class),
		zap.Int("warnings", rec.WarningCount))
	t.input.SuspendInput()
	if t.onTerminated != nil {
		t.onTerminated(rec)
	}
	t.notify(rec)
}

func (t *Tracker) cancelCountdownLocked(st *trackedState) {
	if st.cancel != nil {
		close(st.cancel)
		st.cancel = nil
	}
}

func (t *Tracker) get(userID, class string) *trackedState {
	key := trackerKey{userID: userID, class: class}
	st, ok := t.state[key]
	if !ok {
		st = &trackedState{rec: Record{UserID: userID, Class: class}}
		t.state[key] = st
	}
	return st
}

func (t *Tracker) notify(rec Record) {
	if t.onChange != nil {
		t.onChange(rec)
	}
}
