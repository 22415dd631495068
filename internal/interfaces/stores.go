package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finvault/ledger-core/internal/models"
)

// TransactionFilter narrows ledger transaction queries. Zero values mean
// "no constraint".
type TransactionFilter struct {
	AccountID   int64
	ExternalRef string
	From        time.Time
	To          time.Time
	Limit       int
}

// AccountStore is the read side of the external account directory plus the
// balance column the ledger owns. The core never creates or deletes
// accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
}

// LedgerStore persists transactions and their entries. CommitTransaction
// is the only write path: it stores the transaction row, its entries, the
// balance adjustments, and the redemption token consumption (when
// tx.TokenSerial is set) in one atomic unit. Re-committing an existing
// transaction id fails with apperrors.ErrImmutableRecord; no update or
// delete operation exists at any layer.
type LedgerStore interface {
	AccountStore

	CommitTransaction(ctx context.Context, tx models.Transaction, deltas map[int64]decimal.Decimal) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	GetEntriesByAccount(ctx context.Context, accountID int64) ([]models.LedgerEntry, error)
}

// TokenStore holds redemption tokens. Consumption itself happens inside
// LedgerStore.CommitTransaction; this interface covers import and reads.
type TokenStore interface {
	GetToken(ctx context.Context, serial string) (models.RedemptionToken, error)
	ImportSerials(ctx context.Context, serials []string, now time.Time) (int, error)
}

// ExternalStore persists externally reported transactions. UpdateStatus is
// a compare-and-set on the current status so two concurrent reconciliation
// runs cannot double-match one item.
type ExternalStore interface {
	GetExternal(ctx context.Context, id int64) (models.ExternalTransaction, error)
	ListByStatus(ctx context.Context, sourceID int64, statuses ...models.ExternalStatus) ([]models.ExternalTransaction, error)

	// UpdateStatus transitions item id from `from` to `to`, recording the
	// matched ledger transaction id when non-empty. Fails with
	// apperrors.ErrConflict if the stored status is no longer `from`.
	UpdateStatus(ctx context.Context, id int64, from, to models.ExternalStatus, matchedTxID string) error

	// SetIgnored is the manual override: any state -> ignored.
	SetIgnored(ctx context.Context, id int64) error

	// LinkedTransactionIDs returns the ledger transaction ids already
	// linked by matched or discrepant items.
	LinkedTransactionIDs(ctx context.Context) (map[string]struct{}, error)
}
