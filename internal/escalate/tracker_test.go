package escalate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUser    = "u1"
	chatClass   = "text-chat"
	speechClass = "speech-in-stream"
)

type recordingInput struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (r *recordingInput) SuspendInput() {
	r.mu.Lock()
	r.suspends++
	r.mu.Unlock()
}

func (r *recordingInput) ResumeInput() {
	r.mu.Lock()
	r.resumes++
	r.mu.Unlock()
}

func (r *recordingInput) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspends, r.resumes
}

func TestTrackerWarningLadder(t *testing.T) {
	t.Run("warnings escalate to terminated at the ceiling", func(t *testing.T) {
		var stops atomic.Int32
		tr := NewTracker(3, zap.NewNop(), WithTerminationHook(func(Record) {
			stops.Add(1)
		}))
		defer tr.Close()

		tr.ApplyWarning(testUser, speechClass, 1)
		assert.Equal(t, SanctionWarned, tr.Record(testUser, speechClass).Sanction)

		tr.ApplyWarning(testUser, speechClass, 2)
		assert.Equal(t, 2, tr.Record(testUser, speechClass).WarningCount)

		tr.ApplyWarning(testUser, speechClass, 3)
		rec := tr.Record(testUser, speechClass)
		assert.Equal(t, SanctionTerminated, rec.Sanction)
		assert.Equal(t, int32(1), stops.Load(), "stop side effect fires exactly once")

		// Further signals change nothing and do not re-fire the side effect
		tr.ApplyWarning(testUser, speechClass, 4)
		tr.ApplyTermination(testUser, speechClass)
		assert.Equal(t, SanctionTerminated, tr.Record(testUser, speechClass).Sanction)
		assert.Equal(t, int32(1), stops.Load())
	})

	t.Run("unnumbered warnings increment the count", func(t *testing.T) {
		tr := NewTracker(3, zap.NewNop())
		defer tr.Close()

		tr.ApplyWarning(testUser, chatClass, 0)
		tr.ApplyWarning(testUser, chatClass, 0)
		assert.Equal(t, 2, tr.Record(testUser, chatClass).WarningCount)
	})

	t.Run("warning count never regresses", func(t *testing.T) {
		tr := NewTracker(5, zap.NewNop())
		defer tr.Close()

		tr.ApplyWarning(testUser, speechClass, 3)
		tr.ApplyWarning(testUser, speechClass, 1)
		assert.Equal(t, 3, tr.Record(testUser, speechClass).WarningCount)
	})

	t.Run("users and classes are independent", func(t *testing.T) {
		tr := NewTracker(3, zap.NewNop())
		defer tr.Close()

		tr.ApplyWarning(testUser, speechClass, 2)
		assert.Equal(t, SanctionClean, tr.Record(testUser, chatClass).Sanction)
		assert.Equal(t, SanctionClean, tr.Record("u2", speechClass).Sanction)
	})
}

func TestTrackerTimeout(t *testing.T) {
	t.Run("timeout suspends input and blocks acting", func(t *testing.T) {
		input := &recordingInput{}
		tr := NewTracker(3, zap.NewNop(), WithInputController(input))
		defer tr.Close()

		tr.ApplyTimeout(testUser, speechClass, time.Minute, 2)
		rec := tr.Record(testUser, speechClass)
		assert.Equal(t, SanctionTimedOut, rec.Sanction)
		assert.False(t, tr.CanAct(testUser, speechClass))

		suspends, _ := input.counts()
		assert.Equal(t, 1, suspends)
	})

	t.Run("expiry reverts to warned and resumes input", func(t *testing.T) {
		input := &recordingInput{}
		tr := NewTracker(3, zap.NewNop(), WithInputController(input))
		defer tr.Close()

		tr.ApplyTimeout(testUser, speechClass, 500*time.Millisecond, 2)

		// The countdown ticks at 1-second resolution
		require.Eventually(t, func() bool {
			return tr.Record(testUser, speechClass).Sanction == SanctionWarned
		}, 3*time.Second, 100*time.Millisecond)

		rec := tr.Record(testUser, speechClass)
		assert.Equal(t, 2, rec.WarningCount, "warning level survives the timeout")
		assert.True(t, tr.CanAct(testUser, speechClass))

		_, resumes := input.counts()
		assert.Equal(t, 1, resumes)
	})

	t.Run("termination supersedes a running countdown", func(t *testing.T) {
		input := &recordingInput{}
		tr := NewTracker(3, zap.NewNop(), WithInputController(input))
		defer tr.Close()

		tr.ApplyTimeout(testUser, speechClass, 500*time.Millisecond, 2)
		tr.ApplyTermination(testUser, speechClass)

		// Wait past the would-be expiry: terminated must stick and input must
		// never resume
		time.Sleep(1500 * time.Millisecond)
		assert.Equal(t, SanctionTerminated, tr.Record(testUser, speechClass).Sanction)

		_, resumes := input.counts()
		assert.Equal(t, 0, resumes)
	})

	t.Run("remove cancels the countdown", func(t *testing.T) {
		input := &recordingInput{}
		tr := NewTracker(3, zap.NewNop(), WithInputController(input))
		defer tr.Close()

		tr.ApplyTimeout(testUser, speechClass, 500*time.Millisecond, 1)
		tr.Remove(testUser, speechClass)

		time.Sleep(1500 * time.Millisecond)
		_, resumes := input.counts()
		assert.Equal(t, 0, resumes, "cancelled countdown must not fire")
		assert.Equal(t, SanctionClean, tr.Record(testUser, speechClass).Sanction)
	})
}

func TestTrackerRestriction(t *testing.T) {
	t.Run("restriction is one-way", func(t *testing.T) {
		tr := NewTracker(3, zap.NewNop())
		defer tr.Close()

		assert.True(t, tr.CanAct(testUser, chatClass))
		tr.ApplyRestriction(testUser, chatClass)
		assert.False(t, tr.CanAct(testUser, chatClass))
		assert.True(t, tr.Record(testUser, chatClass).Restricted)

		// Nothing in this design reverts it
		tr.ApplyWarning(testUser, chatClass, 1)
		assert.True(t, tr.Record(testUser, chatClass).Restricted)
	})

	t.Run("repeat restriction is a no-op", func(t *testing.T) {
		var changes atomic.Int32
		tr := NewTracker(3, zap.NewNop(), WithChangeHook(func(Record) {
			changes.Add(1)
		}))
		defer tr.Close()

		tr.ApplyRestriction(testUser, chatClass)
		tr.ApplyRestriction(testUser, chatClass)
		assert.Equal(t, int32(1), changes.Load())
	})
}
