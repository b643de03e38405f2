package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
)

const countedReason = "misinformation"

// memTallyStore is a minimal versioned store for exercising the transaction.
type memTallyStore struct {
	mu       sync.Mutex
	tallies  map[string]Tally
	versions map[string]int64

	// forceConflicts rejects this many CAS attempts before accepting
	forceConflicts int
}

func newMemTallyStore(items ...string) *memTallyStore {
	s := &memTallyStore{
		tallies:  make(map[string]Tally),
		versions: make(map[string]int64),
	}
	for _, id := range items {
		s.tallies[id] = Tally{TargetID: id}
	}
	return s
}

func (s *memTallyStore) GetTally(_ context.Context, itemID string) (Tally, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tallies[itemID]
	if !ok {
		return Tally{}, 0, apperr.Newf(apperr.KindNotFound, "item %s", itemID)
	}
	out := t
	out.Reports = make(map[string]Report, len(t.Reports))
	for k, v := range t.Reports {
		out.Reports[k] = v
	}
	return out, s.versions[itemID], nil
}

func (s *memTallyStore) CompareAndSwapTally(_ context.Context, itemID string, version int64, t Tally) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tallies[itemID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "item %s", itemID)
	}
	if s.forceConflicts > 0 {
		s.forceConflicts--
		return apperr.Newf(apperr.KindConflict, "item %s version %d is stale", itemID, version)
	}
	if s.versions[itemID] != version {
		return apperr.Newf(apperr.KindConflict, "item %s version %d is stale", itemID, version)
	}
	s.tallies[itemID] = t
	s.versions[itemID]++
	return nil
}

func newTestAggregator(store TallyStore, onFlagged func(string)) *Aggregator {
	a := NewAggregator(store, 3, countedReason, zap.NewNop(), onFlagged)
	a.retryInterval = time.Millisecond
	return a
}

func TestSubmitReport(t *testing.T) {
	ctx := context.Background()

	t.Run("three reporters reach consensus", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		agg := newTestAggregator(store, nil)

		r1, err := agg.SubmitReport(ctx, "post-1", "alice", countedReason)
		require.NoError(t, err)
		assert.Equal(t, 1, r1.Count)
		assert.False(t, r1.Flagged)

		r2, err := agg.SubmitReport(ctx, "post-1", "bob", countedReason)
		require.NoError(t, err)
		assert.Equal(t, 2, r2.Count)
		assert.False(t, r2.Flagged)

		r3, err := agg.SubmitReport(ctx, "post-1", "carol", countedReason)
		require.NoError(t, err)
		assert.Equal(t, 3, r3.Count)
		assert.True(t, r3.Flagged)

		tally, _, err := store.GetTally(ctx, "post-1")
		require.NoError(t, err)
		assert.Equal(t, FlagExplanation, tally.FlagNote)
	})

	t.Run("uncounted reasons never advance the tally", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		agg := newTestAggregator(store, nil)

		r, err := agg.SubmitReport(ctx, "post-1", "alice", "spam")
		require.NoError(t, err)
		assert.Equal(t, 0, r.Count)
		assert.False(t, r.Flagged)

		tally, _, err := store.GetTally(ctx, "post-1")
		require.NoError(t, err)
		assert.Len(t, tally.Reports, 1, "the report itself is still recorded")
	})

	// Documents the event-count semantics: a repeat report in the counted
	// category increments the tally again even though the reporter's map
	// entry is just overwritten.
	t.Run("repeat report by same reporter counts again", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		agg := newTestAggregator(store, nil)

		for i := 0; i < 3; i++ {
			_, err := agg.SubmitReport(ctx, "post-1", "alice", countedReason)
			require.NoError(t, err)
		}

		tally, _, err := store.GetTally(ctx, "post-1")
		require.NoError(t, err)
		assert.Equal(t, 3, tally.Count)
		assert.True(t, tally.Flagged)
		assert.Len(t, tally.Reports, 1)
	})

	t.Run("missing item fails with NotFound without retrying", func(t *testing.T) {
		store := newMemTallyStore()
		agg := newTestAggregator(store, nil)

		_, err := agg.SubmitReport(ctx, "gone", "alice", countedReason)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestSubmitReportFlagTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("flag is monotonic and notification fires once", func(t *testing.T) {
		var notified atomic.Int32
		store := newMemTallyStore("post-1")
		agg := newTestAggregator(store, func(itemID string) {
			assert.Equal(t, "post-1", itemID)
			notified.Add(1)
		})

		reporters := []string{"alice", "bob", "carol", "dave", "erin"}
		for _, r := range reporters {
			result, err := agg.SubmitReport(ctx, "post-1", r, countedReason)
			require.NoError(t, err)
			if result.Count >= 3 {
				assert.True(t, result.Flagged, "stays flagged above threshold")
			}
		}

		require.Eventually(t, func() bool {
			return notified.Load() == 1
		}, time.Second, 10*time.Millisecond, "indexing notification must fire exactly once")
	})
}

func TestSubmitReportConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("bounded retries absorb transient conflicts", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		store.forceConflicts = 2
		agg := newTestAggregator(store, nil)

		r, err := agg.SubmitReport(ctx, "post-1", "alice", countedReason)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Count)
	})

	t.Run("persistent conflict surfaces after retries", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		store.forceConflicts = 100
		agg := newTestAggregator(store, nil)

		_, err := agg.SubmitReport(ctx, "post-1", "alice", countedReason)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("concurrent reporters never lose updates", func(t *testing.T) {
		store := newMemTallyStore("post-1")
		agg := newTestAggregator(store, nil)
		agg.maxRetries = 20 // contention here is far above production levels

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := agg.SubmitReport(ctx, "post-1", string(rune('a'+n)), countedReason)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		tally, _, err := store.GetTally(ctx, "post-1")
		require.NoError(t, err)
		assert.Equal(t, 10, tally.Count)
		assert.True(t, tally.Flagged)
	})
}
