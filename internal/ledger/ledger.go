package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/models"
	"github.com/finvault/ledger-core/internal/models/events"
	"github.com/finvault/ledger-core/internal/tokens"
)

// maxCommitAttempts bounds retries after a transient commit conflict
// (a redemption token race). After the last attempt the conflict surfaces.
const maxCommitAttempts = 3

// conflictBackoff is the base sleep between conflict retries, doubled per
// attempt.
const conflictBackoff = 10 * time.Millisecond

// EntryInput is one requested ledger entry line.
type EntryInput struct {
	AccountID int64
	Direction models.EntryDirection
	Amount    decimal.Decimal
}

// CreateParams are the inputs to CreateTransaction.
type CreateParams struct {
	Description string
	Entries     []EntryInput
	TokenSerial string // optional single-use redemption token
	ExternalRef string // optional processor correlation reference
}

// Ledger admits new balanced transactions and owns the authoritative
// account balances. It holds a per-account mutex map so concurrent
// commits against shared accounts serialize, always locking in ascending
// account-id order to prevent deadlock.
type Ledger struct {
	store     interfaces.LedgerStore
	validator *tokens.Validator
	sink      interfaces.AuditSink
	log       *zap.Logger
	now       func() time.Time

	muMap map[int64]*sync.Mutex
	mapMu sync.Mutex
}

// NewLedger creates a Ledger over a store, a token store and an audit
// sink. sink may be nil (events are then dropped); log may be nil.
func NewLedger(store interfaces.LedgerStore, tokenStore interfaces.TokenStore, sink interfaces.AuditSink, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:     store,
		validator: tokens.NewValidator(tokenStore),
		sink:      sink,
		log:       log,
		now:       time.Now,
		muMap:     make(map[int64]*sync.Mutex),
	}
}

// WithClock overrides the clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) getAccountLock(accountID int64) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	if _, exists := l.muMap[accountID]; !exists {
		l.muMap[accountID] = &sync.Mutex{}
	}
	return l.muMap[accountID]
}

// lockAccounts takes the per-account locks in ascending id order and
// returns the unlock function.
func (l *Ledger) lockAccounts(ids []int64) func() {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		mu := l.getAccountLock(id)
		mu.Lock()
		locks = append(locks, mu)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// CreateTransaction validates and atomically commits a new transaction.
// All validation happens before any write; any failure leaves no partial
// state. Returns the new transaction id.
func (l *Ledger) CreateTransaction(ctx context.Context, params CreateParams) (string, error) {
	if err := validateShape(params.Entries); err != nil {
		return "", err
	}

	unlock := l.lockAccounts(distinctAccountIDs(params.Entries))
	defer unlock()

	deltas, err := l.resolveDeltas(ctx, params.Entries)
	if err != nil {
		return "", err
	}

	if params.TokenSerial != "" {
		outcome, err := l.validator.Check(ctx, params.TokenSerial)
		if err != nil {
			return "", fmt.Errorf("checking token %q: %w", params.TokenSerial, err)
		}
		if outcome != tokens.OutcomeReserved {
			return "", apperrors.Validation(apperrors.CheckTokenNotValid,
				"token %q is not redeemable (%s)", params.TokenSerial, outcome)
		}
	}

	tx := l.buildTransaction(params)

	for attempt := 0; ; attempt++ {
		err = l.store.CommitTransaction(ctx, tx, deltas)
		if err == nil {
			break
		}
		if !errors.Is(err, apperrors.ErrConflict) || attempt+1 >= maxCommitAttempts || params.TokenSerial == "" {
			return "", err
		}
		// The token was consumed underneath us. Re-validate: if it is no
		// longer redeemable the caller gets a validation error, otherwise
		// retry the commit.
		outcome, cerr := l.validator.Check(ctx, params.TokenSerial)
		if cerr != nil {
			return "", cerr
		}
		if outcome != tokens.OutcomeReserved {
			return "", apperrors.Validation(apperrors.CheckTokenNotValid,
				"token %q was consumed concurrently", params.TokenSerial)
		}
		time.Sleep(conflictBackoff << attempt)
	}

	l.emit(ctx, events.KindTransactionCommitted, events.TransactionCommitted{
		TransactionID: tx.ID,
		Description:   tx.Description,
		ExternalRef:   tx.ExternalRef,
		TokenSerial:   tx.TokenSerial,
		EntryCount:    len(tx.Entries),
		TotalDebits:   tx.TotalDebits(),
		OccurredAt:    tx.CreatedAt,
	})

	l.log.Info("transaction committed",
		zap.String("transaction_id", tx.ID),
		zap.Int("entries", len(tx.Entries)),
		zap.String("total", tx.TotalDebits().StringFixed(2)))
	return tx.ID, nil
}

// Reverse issues a compensating transaction mirroring every entry of a
// committed transaction. This is the only supported correction path;
// committed records themselves never change.
func (l *Ledger) Reverse(ctx context.Context, txID, description string) (string, error) {
	orig, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return "", fmt.Errorf("loading transaction %s: %w", txID, err)
	}

	if description == "" {
		description = "reversal of " + orig.ID
	}
	entries := make([]EntryInput, len(orig.Entries))
	for i, e := range orig.Entries {
		dir := models.Credit
		if e.Direction == models.Credit {
			dir = models.Debit
		}
		entries[i] = EntryInput{AccountID: e.AccountID, Direction: dir, Amount: e.Amount}
	}
	return l.CreateTransaction(ctx, CreateParams{Description: description, Entries: entries})
}

// GetBalance returns the authoritative balance of one account.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// GetTransaction returns a committed transaction with its entries.
func (l *Ledger) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// ListTransactions returns committed transactions matching the filter.
func (l *Ledger) ListTransactions(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	return l.store.ListTransactions(ctx, filter)
}

// EntriesByAccount returns the entry history of one account.
func (l *Ledger) EntriesByAccount(ctx context.Context, accountID int64) ([]models.LedgerEntry, error) {
	return l.store.GetEntriesByAccount(ctx, accountID)
}

// ImportTokens loads a batch of redemption token serials as valid.
func (l *Ledger) ImportTokens(ctx context.Context, serials []string) (int, error) {
	return l.validator.Import(ctx, serials, l.now())
}

// ---------------------------------------------------------------------------
// validation
// ---------------------------------------------------------------------------

func validateShape(entries []EntryInput) error {
	if len(entries) == 0 {
		return apperrors.Validation(apperrors.CheckEmptyEntries, "a transaction needs at least one entry")
	}
	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for i, e := range entries {
		if !e.Direction.Valid() {
			return apperrors.Validation(apperrors.CheckInvalidDirection,
				"entry %d: direction %q", i, e.Direction)
		}
		if e.Amount.IsNegative() {
			return apperrors.Validation(apperrors.CheckNegativeAmount,
				"entry %d: amount %s", i, e.Amount)
		}
		if e.Direction == models.Debit {
			totalDebit = totalDebit.Add(e.Amount)
		} else {
			totalCredit = totalCredit.Add(e.Amount)
		}
	}
	if !totalDebit.Equal(totalCredit) {
		return apperrors.Validation(apperrors.CheckUnbalanced,
			"debits %s != credits %s", totalDebit.StringFixed(2), totalCredit.StringFixed(2))
	}
	return nil
}

// resolveDeltas loads every referenced account, verifies it may take new
// entries, applies the sign convention, and enforces overdraft limits on
// asset accounts. Must be called with the account locks held.
func (l *Ledger) resolveDeltas(ctx context.Context, entries []EntryInput) (map[int64]decimal.Decimal, error) {
	deltas := make(map[int64]decimal.Decimal)
	accounts := make(map[int64]models.Account)

	for _, e := range entries {
		acct, ok := accounts[e.AccountID]
		if !ok {
			var err error
			acct, err = l.store.GetAccount(ctx, e.AccountID)
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.Validation(apperrors.CheckUnknownAccount, "account %d", e.AccountID)
			}
			if err != nil {
				return nil, fmt.Errorf("loading account %d: %w", e.AccountID, err)
			}
			if !acct.AcceptsEntries() {
				return nil, apperrors.Validation(apperrors.CheckAccountNotActive,
					"account %d is %s", acct.ID, acct.Status)
			}
			accounts[e.AccountID] = acct
		}
		deltas[e.AccountID] = deltas[e.AccountID].Add(acct.BalanceDelta(e.Direction, e.Amount))
	}

	// Overdraft enforcement applies to asset accounts: their balance may
	// not drop below the negated overdraft allowance.
	for id, delta := range deltas {
		acct := accounts[id]
		if acct.Type != models.AccountTypeAsset {
			continue
		}
		next := acct.Balance.Add(delta)
		if next.LessThan(acct.OverdraftLimit.Neg()) {
			return nil, apperrors.Validation(apperrors.CheckInsufficientFunds,
				"account %d: balance %s, overdraft limit %s, requested change %s",
				id, acct.Balance.StringFixed(2), acct.OverdraftLimit.StringFixed(2), delta.StringFixed(2))
		}
	}
	return deltas, nil
}

func (l *Ledger) buildTransaction(params CreateParams) models.Transaction {
	txID := uuid.New().String()
	now := l.now()
	entries := make([]models.LedgerEntry, len(params.Entries))
	for i, e := range params.Entries {
		entries[i] = models.LedgerEntry{
			ID:            fmt.Sprintf("%s-%d", txID, i+1),
			TransactionID: txID,
			AccountID:     e.AccountID,
			Direction:     e.Direction,
			Amount:        e.Amount,
		}
	}
	return models.Transaction{
		ID:          txID,
		Description: params.Description,
		ExternalRef: params.ExternalRef,
		TokenSerial: params.TokenSerial,
		Entries:     entries,
		CreatedAt:   now,
	}
}

// emit sends an audit event best-effort: a sink failure is logged and
// never propagated, the ledger write has already committed.
func (l *Ledger) emit(ctx context.Context, kind string, payload any) {
	if l.sink == nil {
		return
	}
	if err := l.sink.RecordEvent(ctx, kind, payload); err != nil {
		l.log.Warn("audit sink rejected event", zap.String("kind", kind), zap.Error(err))
	}
}

func distinctAccountIDs(entries []EntryInput) []int64 {
	seen := make(map[int64]struct{}, len(entries))
	var ids []int64
	for _, e := range entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		ids = append(ids, e.AccountID)
	}
	return ids
}
