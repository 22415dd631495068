// Package reconcile links externally reported transactions to committed
// ledger transactions through ordered matching passes of increasing
// leniency, and classifies the residue as unmatched or discrepant.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/models"
	"github.com/finvault/ledger-core/internal/models/events"
)

// Config tunes the matching passes. Zero values fall back to the
// documented defaults.
type Config struct {
	// DateToleranceDays is the ± day window for pass 2. Default 1.
	DateToleranceDays int

	// AmountTolerance is the maximum absolute amount gap still counted as
	// a match in pass 2. Default 0.01, one smallest currency unit.
	AmountTolerance decimal.Decimal

	// SettlementAccounts maps an external source id to the ledger account
	// its statement mirrors. When set, candidate amounts for that source
	// are the signed entry sums on the mapped account; otherwise the
	// transaction magnitude is compared against the absolute external
	// amount.
	SettlementAccounts map[int64]int64
}

func (c Config) dateTolerance() int {
	if c.DateToleranceDays <= 0 {
		return 1
	}
	return c.DateToleranceDays
}

func (c Config) amountTolerance() decimal.Decimal {
	if c.AmountTolerance.IsZero() {
		return decimal.New(1, -2)
	}
	return c.AmountTolerance
}

// Summary is the outcome of one reconciliation run.
type Summary struct {
	Processed     int `json:"processed"`
	Matched       int `json:"matched"`
	Unmatched     int `json:"unmatched"`
	Discrepancies int `json:"discrepancies"`
	Ambiguous     int `json:"ambiguous"` // left pending for manual review
	Skipped       int `json:"skipped"`   // lost a concurrent status write
}

// Engine runs the matching passes. It only ever considers pending items,
// writes every status transition with compare-and-set, and can be
// cancelled between items without leaving a half-applied match.
type Engine struct {
	externals interfaces.ExternalStore
	ledger    interfaces.LedgerStore
	sink      interfaces.AuditSink
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine creates a reconciliation engine. sink may be nil; log may be
// nil.
func NewEngine(externals interfaces.ExternalStore, ledger interfaces.LedgerStore, sink interfaces.AuditSink, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		externals: externals,
		ledger:    ledger,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run executes the full pass sequence over the pending items of one
// source (sourceID 0 = every source). It reads a snapshot of the pending
// set and the unmatched candidate pool at start, then classifies each
// item. Re-running over an unchanged input set changes nothing: terminal
// items are never revisited and pass order is fixed.
func (e *Engine) Run(ctx context.Context, sourceID int64) (Summary, error) {
	var sum Summary

	pending, err := e.externals.ListByStatus(ctx, sourceID, models.ExternalPending)
	if err != nil {
		return sum, fmt.Errorf("listing pending externals: %w", err)
	}
	pool, err := e.candidatePool(ctx)
	if err != nil {
		return sum, err
	}

	// Ledger transactions claimed during this run drop out of the pool so
	// one candidate cannot satisfy two external items.
	claimed := make(map[string]struct{})

	for _, ext := range pending {
		if err := ctx.Err(); err != nil {
			// Cancellation stops scheduling further items; transitions
			// already written stay committed.
			return sum, err
		}
		sum.Processed++
		e.classify(ctx, ext, available(pool, claimed), claimed, &sum)
	}

	e.log.Info("reconciliation run finished",
		zap.Int64("source_id", sourceID),
		zap.Int("processed", sum.Processed),
		zap.Int("matched", sum.Matched),
		zap.Int("unmatched", sum.Unmatched),
		zap.Int("discrepancies", sum.Discrepancies),
		zap.Int("ambiguous", sum.Ambiguous))
	return sum, nil
}

// classify runs the pass sequence for one item and applies at most one
// status transition.
func (e *Engine) classify(ctx context.Context, ext models.ExternalTransaction, pool []models.Transaction, claimed map[string]struct{}, sum *Summary) {
	pass2 := AmountDateToleranceMatch{
		DateToleranceDays: e.cfg.dateTolerance(),
		AmountTolerance:   e.cfg.amountTolerance(),
		SettlementAccount: e.cfg.SettlementAccounts[ext.SourceID],
	}
	hadCandidates := false

	// Pass 1: exact reference. A unique reference hit is authoritative on
	// identity; the amount then decides matched vs discrepancy.
	refHits := ExactReferenceMatch{}.Match(ext, pool)
	if len(refHits) == 1 {
		if pass2.amountWithinTolerance(ext, refHits[0]) {
			e.accept(ctx, ext, refHits[0], "exact_reference", claimed, sum)
		} else {
			e.flagDiscrepancy(ctx, ext, refHits[0], "exact_reference", claimed, sum)
		}
		return
	}
	if len(refHits) > 1 {
		// Ambiguous on reference: never auto-match, leave for the next
		// pass and manual review.
		hadCandidates = true
	}

	// Pass 2: amount within tolerance inside the date window.
	amountHits := pass2.Match(ext, pool)
	switch {
	case len(amountHits) == 1:
		e.accept(ctx, ext, amountHits[0], pass2.Name(), claimed, sum)
		return
	case len(amountHits) > 1:
		hadCandidates = true
		// Pass 3: heuristic narrowing of the ambiguous pool only.
		narrowed := HeuristicNarrowingMatch{}.Match(ext, amountHits)
		if len(narrowed) == 1 {
			e.accept(ctx, ext, narrowed[0], "heuristic_narrowing", claimed, sum)
			return
		}
	case len(amountHits) == 0:
		// A unique date-window candidate that also aligns on description
		// keywords is the same movement with a diverging amount.
		dateHits := pass2.dateCandidates(ext, pool)
		if len(dateHits) == 1 && descriptionsAlign(ext, dateHits[0]) {
			hadCandidates = true
			e.flagDiscrepancy(ctx, ext, dateHits[0], pass2.Name(), claimed, sum)
			return
		}
		if len(dateHits) > 0 {
			hadCandidates = true
		}
	}

	if !hadCandidates {
		e.transition(ctx, ext, models.ExternalUnmatched, "", "", sum, &sum.Unmatched)
		return
	}
	// Candidates existed but no unique resolution: stay pending for
	// manual review or a later run with a changed pool.
	sum.Ambiguous++
}

func (e *Engine) accept(ctx context.Context, ext models.ExternalTransaction, tx models.Transaction, strategy string, claimed map[string]struct{}, sum *Summary) {
	if e.transition(ctx, ext, models.ExternalMatched, tx.ID, strategy, sum, &sum.Matched) {
		claimed[tx.ID] = struct{}{}
	}
}

func (e *Engine) flagDiscrepancy(ctx context.Context, ext models.ExternalTransaction, tx models.Transaction, strategy string, claimed map[string]struct{}, sum *Summary) {
	if e.transition(ctx, ext, models.ExternalDiscrepancy, tx.ID, strategy, sum, &sum.Discrepancies) {
		claimed[tx.ID] = struct{}{}
	}
}

// transition applies one CAS status write and emits the audit event.
// Returns false when a concurrent run won the write.
func (e *Engine) transition(ctx context.Context, ext models.ExternalTransaction, to models.ExternalStatus, matchedTxID, strategy string, sum *Summary, counter *int) bool {
	err := e.externals.UpdateStatus(ctx, ext.ID, models.ExternalPending, to, matchedTxID)
	if errors.Is(err, apperrors.ErrConflict) {
		sum.Skipped++
		e.log.Debug("lost status write to concurrent run", zap.Int64("external_id", ext.ID))
		return false
	}
	if err != nil {
		// Leave the item pending for the next run rather than guessing.
		sum.Skipped++
		e.log.Warn("status write failed", zap.Int64("external_id", ext.ID), zap.Error(err))
		return false
	}
	*counter++
	e.emit(ctx, events.ReconciliationStatusSet{
		ExternalID:  ext.ID,
		SourceID:    ext.SourceID,
		OldStatus:   string(models.ExternalPending),
		NewStatus:   string(to),
		MatchedTxID: matchedTxID,
		Strategy:    strategy,
		OccurredAt:  e.now(),
	})
	return true
}

// Ignore applies the manual override: the item leaves automatic
// processing permanently.
func (e *Engine) Ignore(ctx context.Context, externalID int64) error {
	ext, err := e.externals.GetExternal(ctx, externalID)
	if err != nil {
		return err
	}
	if err := e.externals.SetIgnored(ctx, externalID); err != nil {
		return err
	}
	e.emit(ctx, events.ReconciliationStatusSet{
		ExternalID: ext.ID,
		SourceID:   ext.SourceID,
		OldStatus:  string(ext.Status),
		NewStatus:  string(models.ExternalIgnored),
		OccurredAt: e.now(),
	})
	return nil
}

// candidatePool is the unmatched ledger transactions: everything
// committed minus what a matched or discrepant external item already
// links to.
func (e *Engine) candidatePool(ctx context.Context) ([]models.Transaction, error) {
	all, err := e.ledger.ListTransactions(ctx, interfaces.TransactionFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing ledger transactions: %w", err)
	}
	linked, err := e.externals.LinkedTransactionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing linked transactions: %w", err)
	}
	var pool []models.Transaction
	for _, tx := range all {
		if _, ok := linked[tx.ID]; !ok {
			pool = append(pool, tx)
		}
	}
	return pool, nil
}

func (e *Engine) emit(ctx context.Context, payload events.ReconciliationStatusSet) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordEvent(ctx, events.KindReconciliationStatusSet, payload); err != nil {
		e.log.Warn("audit sink rejected event", zap.Error(err))
	}
}

func available(pool []models.Transaction, claimed map[string]struct{}) []models.Transaction {
	if len(claimed) == 0 {
		return pool
	}
	var out []models.Transaction
	for _, tx := range pool {
		if _, ok := claimed[tx.ID]; !ok {
			out = append(out, tx)
		}
	}
	return out
}

// descriptionsAlign requires a real keyword overlap before a lone
// date-window candidate may be flagged discrepant; an empty description
// on either side is not enough evidence.
func descriptionsAlign(ext models.ExternalTransaction, tx models.Transaction) bool {
	h := HeuristicNarrowingMatch{}
	return overlaps(tokenize(ext.Description, h.minLen()), tokenize(tx.Description, h.minLen()))
}
