package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds emitted to the audit sink.
const (
	KindTransactionCommitted    = "transaction_committed"
	KindReconciliationStatusSet = "reconciliation_status_set"
)

// TransactionCommitted is published after every successful ledger commit.
type TransactionCommitted struct {
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description"`
	ExternalRef   string          `json:"external_ref,omitempty"`
	TokenSerial   string          `json:"token_serial,omitempty"`
	EntryCount    int             `json:"entry_count"`
	TotalDebits   decimal.Decimal `json:"total_debits"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ReconciliationStatusSet is published after every status change applied
// by the reconciliation engine or a manual ignore.
type ReconciliationStatusSet struct {
	ExternalID    int64     `json:"external_id"`
	SourceID      int64     `json:"source_id"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	MatchedTxID   string    `json:"matched_tx_id,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
