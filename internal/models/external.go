package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExternalStatus is the reconciliation lifecycle state of an externally
// reported transaction. matched, ignored and discrepancy are terminal for
// automatic processing.
type ExternalStatus string

const (
	ExternalPending     ExternalStatus = "pending_match"
	ExternalMatched     ExternalStatus = "matched"
	ExternalUnmatched   ExternalStatus = "unmatched"
	ExternalDiscrepancy ExternalStatus = "discrepancy"
	ExternalIgnored     ExternalStatus = "ignored"
)

// ExternalSource identifies where an external transaction was reported
// from (a bank, a card processor). Static reference data.
type ExternalSource struct {
	ID      int64
	Name    string
	Contact string
}

// ExternalTransaction is one row of an already-parsed external statement.
// Status and the ledger link are mutated only by the reconciliation engine
// or an explicit manual ignore.
type ExternalTransaction struct {
	ID              int64
	SourceID        int64
	ReferenceID     string // may be empty
	TransactionDate time.Time
	PostingDate     time.Time
	Amount          decimal.Decimal // signed, from the source's perspective
	Currency        string
	Description     string
	Status          ExternalStatus
	MatchedTxID     string // ledger transaction id once matched
}

// Age returns the elapsed time since the transaction date. Exposed for
// external prioritization; the engine itself does not act on it.
func (e ExternalTransaction) Age(now time.Time) time.Duration {
	return now.Sub(e.TransactionDate)
}
