package consensus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
)

// FlagExplanation is attached to an item when the community threshold is reached.
const FlagExplanation = "Flags: Community identified this post as potential misinformation."

// Report is one reporter's latest submission against an item.
type Report struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Tally is the shared report state for one item.
type Tally struct {
	TargetID string            `json:"target_id"`
	Reports  map[string]Report `json:"reports"` // reporterID -> latest report
	Count    int               `json:"count"`   // submissions in the counted category
	Flagged  bool              `json:"flagged"`
	FlagNote string            `json:"flag_note,omitempty"`
}

// TallyStore is the one piece of state shared across concurrent clients. Reads
// return a version; writes are compare-and-swap against that version so
// concurrent reporters cannot lose updates.
type TallyStore interface {
	// GetTally returns the tally and its version, or NotFound if the item is gone.
	GetTally(ctx context.Context, itemID string) (Tally, int64, error)
	// CompareAndSwapTally writes the tally if the version still matches, or
	// returns Conflict.
	CompareAndSwapTally(ctx context.Context, itemID string, version int64, t Tally) error
}

// Result is the outcome of one report submission.
type Result struct {
	Count   int
	Flagged bool
}

// Aggregator applies user reports one at a time to the shared tally under a
// transactional read-modify-write, and flips the irreversible flagged state
// once the consensus threshold is reached.
type Aggregator struct {
	store     TallyStore
	threshold int
	counted   string // the report reason that counts toward the threshold
	logger    *zap.Logger

	// onFlagged fires once per item, on the transition to flagged. Best-effort:
	// it runs detached and its failure never rolls back the transaction.
	onFlagged func(itemID string)

	maxRetries    uint64
	retryInterval time.Duration
}

// NewAggregator creates an aggregator over store. The onFlagged hook may be nil.
func NewAggregator(store TallyStore, threshold int, counted string, logger *zap.Logger, onFlagged func(itemID string)) *Aggregator {
	return &Aggregator{
		store:         store,
		threshold:     threshold,
		counted:       counted,
		logger:        logger,
		onFlagged:     onFlagged,
		maxRetries:    3,
		retryInterval: 50 * time.Millisecond,
	}
}

// SubmitReport records one report against itemID. The reporter's entry is
// upserted; a submission in the counted category always increments the tally,
// so a repeat report by the same reporter counts again (event-count
// semantics). Crossing the threshold sets flagged exactly once; above the
// threshold the call is an idempotent no-op on the flag. Conflicting
// concurrent writes are retried a bounded number of times before Conflict is
// surfaced.
func (a *Aggregator) SubmitReport(ctx context.Context, itemID, reporterID, reason string) (Result, error) {
	var (
		result       Result
		transitioned bool
	)

	attempt := func() error {
		tally, version, err := a.store.GetTally(ctx, itemID)
		if err != nil {
			// A vanished item will not come back; do not retry.
			return backoff.Permanent(err)
		}

		if tally.Reports == nil {
			tally.Reports = make(map[string]Report)
		}
		tally.Reports[reporterID] = Report{Reason: reason, Timestamp: time.Now().UTC()}
		if reason == a.counted {
			tally.Count++
		}

		transitioned = false
		if !tally.Flagged && tally.Count >= a.threshold {
			tally.Flagged = true
			tally.FlagNote = FlagExplanation
			transitioned = true
		}

		if err := a.store.CompareAndSwapTally(ctx, itemID, version, tally); err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				return err
			}
			return backoff.Permanent(err)
		}

		result = Result{Count: tally.Count, Flagged: tally.Flagged}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryInterval), a.maxRetries)
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return Result{}, err
	}

	if transitioned {
		a.logger.Info("Consensus threshold reached, item flagged",
			zap.String("item_id", itemID), zap.Int("count", result.Count))
		if a.onFlagged != nil {
			go a.onFlagged(itemID)
		}
	}
	return result, nil
}
