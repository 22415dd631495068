package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finvault/ledger-core/internal/models"
)

// ReportItem is one open or discrepant external transaction with its age,
// the elapsed time since its transaction date.
type ReportItem struct {
	External models.ExternalTransaction `json:"external"`
	AgeDays  int                        `json:"age_days"`
}

// Report is the queryable discrepancy/aging view over a source's external
// transactions. Matched and ignored items are excluded.
type Report struct {
	GeneratedAt   time.Time       `json:"generated_at"`
	SourceID      int64           `json:"source_id"`
	Pending       []ReportItem    `json:"pending"`
	Unmatched     []ReportItem    `json:"unmatched"`
	Discrepancies []ReportItem    `json:"discrepancies"`
	OpenAmount    decimal.Decimal `json:"open_amount"` // absolute sum over pending + unmatched
}

// Report builds the discrepancy/aging report for one source (0 = all).
func (e *Engine) Report(ctx context.Context, sourceID int64) (Report, error) {
	now := e.now()
	rep := Report{GeneratedAt: now, SourceID: sourceID, OpenAmount: decimal.Zero}

	items, err := e.externals.ListByStatus(ctx, sourceID,
		models.ExternalPending, models.ExternalUnmatched, models.ExternalDiscrepancy)
	if err != nil {
		return rep, fmt.Errorf("listing externals for report: %w", err)
	}

	for _, ext := range items {
		item := ReportItem{External: ext, AgeDays: int(ext.Age(now) / day)}
		switch ext.Status {
		case models.ExternalPending:
			rep.Pending = append(rep.Pending, item)
			rep.OpenAmount = rep.OpenAmount.Add(ext.Amount.Abs())
		case models.ExternalUnmatched:
			rep.Unmatched = append(rep.Unmatched, item)
			rep.OpenAmount = rep.OpenAmount.Add(ext.Amount.Abs())
		case models.ExternalDiscrepancy:
			rep.Discrepancies = append(rep.Discrepancies, item)
		}
	}
	return rep, nil
}
