// Package memory is an in-memory implementation of the store interfaces.
// It backs the test suite and local development; all guarantees the
// postgres store gets from SQL transactions are provided here by a single
// mutex held across each commit unit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/models"
	"github.com/finvault/ledger-core/internal/tokens"
)

// Store holds every entity family behind one mutex. Committed
// transactions and entries are only ever appended; no method mutates or
// removes them.
type Store struct {
	mu           sync.Mutex
	accounts     map[int64]models.Account
	transactions map[string]models.Transaction
	txOrder      []string
	tokens       map[string]models.RedemptionToken
	externals    map[int64]models.ExternalTransaction
	extOrder     []int64
	nextExtID    int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		accounts:     make(map[int64]models.Account),
		transactions: make(map[string]models.Transaction),
		tokens:       make(map[string]models.RedemptionToken),
		externals:    make(map[int64]models.ExternalTransaction),
		nextExtID:    1,
	}
}

// Compile-time checks: Store implements every store contract.
var (
	_ interfaces.LedgerStore   = (*Store)(nil)
	_ interfaces.TokenStore    = (*Store)(nil)
	_ interfaces.ExternalStore = (*Store)(nil)
)

// ---------------------------------------------------------------------------
// Seeding (stands in for the external account directory and the external
// statement ingestion, both out of the core's scope)
// ---------------------------------------------------------------------------

// PutAccount inserts or replaces an account row.
func (s *Store) PutAccount(acct models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
}

// SeedExternal inserts an externally reported transaction, assigning an id
// when none is set. Returns the id.
func (s *Store) SeedExternal(ext models.ExternalTransaction) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ext.ID == 0 {
		ext.ID = s.nextExtID
		s.nextExtID++
	} else if ext.ID >= s.nextExtID {
		s.nextExtID = ext.ID + 1
	}
	if ext.Status == "" {
		ext.Status = models.ExternalPending
	}
	s.externals[ext.ID] = ext
	s.extOrder = append(s.extOrder, ext.ID)
	return ext.ID
}

// ---------------------------------------------------------------------------
// AccountStore
// ---------------------------------------------------------------------------

// GetAccount returns a copy of the account row.
func (s *Store) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return models.Account{}, apperrors.ErrNotFound
	}
	return acct, nil
}

// ---------------------------------------------------------------------------
// LedgerStore
// ---------------------------------------------------------------------------

// CommitTransaction persists the transaction, its entries, the balance
// deltas, and (when tx.TokenSerial is set) the token consumption as one
// atomic unit. An already-present transaction id is an immutability
// violation, not an upsert.
func (s *Store) CommitTransaction(ctx context.Context, tx models.Transaction, deltas map[int64]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return apperrors.ErrImmutableRecord
	}
	for accountID := range deltas {
		if _, ok := s.accounts[accountID]; !ok {
			return apperrors.Validation(apperrors.CheckUnknownAccount, "account %d", accountID)
		}
	}

	var reserved models.RedemptionToken
	if tx.TokenSerial != "" {
		tok, ok := s.tokens[tx.TokenSerial]
		if !ok {
			return apperrors.Validation(apperrors.CheckTokenNotValid, "unknown serial %q", tx.TokenSerial)
		}
		var outcome tokens.Outcome
		reserved, outcome = tokens.Reserve(tok, tx.ID, tx.CreatedAt)
		switch outcome {
		case tokens.OutcomeReserved:
			// falls through to the write below
		case tokens.OutcomeAlreadyConsumed:
			return apperrors.ErrConflict
		default:
			return apperrors.Validation(apperrors.CheckTokenNotValid, "serial %q is %s", tx.TokenSerial, tok.Status)
		}
	}

	// All checks passed; apply every write together.
	if tx.TokenSerial != "" {
		s.tokens[tx.TokenSerial] = reserved
	}
	for accountID, delta := range deltas {
		acct := s.accounts[accountID]
		acct.Balance = acct.Balance.Add(delta)
		acct.UpdatedAt = tx.CreatedAt
		s.accounts[accountID] = acct
	}
	s.transactions[tx.ID] = copyTransaction(tx)
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

// GetTransaction returns a deep copy of a committed transaction.
func (s *Store) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return models.Transaction{}, apperrors.ErrNotFound
	}
	return copyTransaction(tx), nil
}

// ListTransactions returns copies of committed transactions matching the
// filter, in commit order.
func (s *Store) ListTransactions(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if !matchesFilter(tx, filter) {
			continue
		}
		out = append(out, copyTransaction(tx))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetEntriesByAccount returns copies of all entries touching one account,
// in commit order.
func (s *Store) GetEntriesByAccount(ctx context.Context, accountID int64) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for _, id := range s.txOrder {
		for _, e := range s.transactions[id].Entries {
			if e.AccountID == accountID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func matchesFilter(tx models.Transaction, f interfaces.TransactionFilter) bool {
	if f.ExternalRef != "" && tx.ExternalRef != f.ExternalRef {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
		return false
	}
	if f.AccountID != 0 {
		touches := false
		for _, e := range tx.Entries {
			if e.AccountID == f.AccountID {
				touches = true
				break
			}
		}
		if !touches {
			return false
		}
	}
	return true
}

func copyTransaction(tx models.Transaction) models.Transaction {
	entries := make([]models.LedgerEntry, len(tx.Entries))
	copy(entries, tx.Entries)
	tx.Entries = entries
	return tx
}

// ---------------------------------------------------------------------------
// TokenStore
// ---------------------------------------------------------------------------

// GetToken returns a copy of the token row.
func (s *Store) GetToken(ctx context.Context, serial string) (models.RedemptionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[serial]
	if !ok {
		return models.RedemptionToken{}, apperrors.ErrNotFound
	}
	return tok, nil
}

// ImportSerials loads new serials as valid tokens; known serials keep
// their current state.
func (s *Store) ImportSerials(ctx context.Context, serials []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for _, serial := range serials {
		if _, exists := s.tokens[serial]; exists {
			continue
		}
		s.tokens[serial] = models.RedemptionToken{
			Serial:     serial,
			Status:     models.TokenValid,
			ImportedAt: now,
		}
		imported++
	}
	return imported, nil
}

// MarkTokenInvalid flags a serial as unusable (bad import, voided batch).
func (s *Store) MarkTokenInvalid(serial string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[serial]
	if !ok {
		tok = models.RedemptionToken{Serial: serial, ImportedAt: now}
	}
	tok.Status = models.TokenInvalid
	s.tokens[serial] = tok
}

// ---------------------------------------------------------------------------
// ExternalStore
// ---------------------------------------------------------------------------

// GetExternal returns a copy of the external transaction row.
func (s *Store) GetExternal(ctx context.Context, id int64) (models.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext, ok := s.externals[id]
	if !ok {
		return models.ExternalTransaction{}, apperrors.ErrNotFound
	}
	return ext, nil
}

// ListByStatus returns copies of external transactions in the given
// statuses, optionally scoped to one source, in ingestion order.
func (s *Store) ListByStatus(ctx context.Context, sourceID int64, statuses ...models.ExternalStatus) ([]models.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[models.ExternalStatus]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	var out []models.ExternalTransaction
	for _, id := range s.extOrder {
		ext := s.externals[id]
		if sourceID != 0 && ext.SourceID != sourceID {
			continue
		}
		if _, ok := wanted[ext.Status]; !ok {
			continue
		}
		out = append(out, ext)
	}
	return out, nil
}

// UpdateStatus is the optimistic-concurrency status write: it only
// succeeds while the stored status still equals `from`.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to models.ExternalStatus, matchedTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext, ok := s.externals[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if ext.Status != from {
		return apperrors.ErrConflict
	}
	ext.Status = to
	if matchedTxID != "" {
		ext.MatchedTxID = matchedTxID
	}
	s.externals[id] = ext
	return nil
}

// SetIgnored applies the manual override: any state -> ignored.
func (s *Store) SetIgnored(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext, ok := s.externals[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	ext.Status = models.ExternalIgnored
	s.externals[id] = ext
	return nil
}

// LinkedTransactionIDs returns the ledger transaction ids already claimed
// by a matched or discrepant external item.
func (s *Store) LinkedTransactionIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]struct{})
	for _, ext := range s.externals {
		if ext.MatchedTxID == "" {
			continue
		}
		if ext.Status == models.ExternalMatched || ext.Status == models.ExternalDiscrepancy {
			out[ext.MatchedTxID] = struct{}{}
		}
	}
	return out, nil
}

// Accounts returns ids of all seeded accounts, ascending. Test helper.
func (s *Store) Accounts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
