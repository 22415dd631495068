// Package postgres is the durable implementation of the store
// interfaces. The transaction/entry tables are written through exactly
// one code path, CommitTransaction; no UPDATE or DELETE statement for
// them exists anywhere in the package.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/models"
)

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Store wraps a *sql.DB opened with the lib/pq driver.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Compile-time checks: Store implements every store contract.
var (
	_ interfaces.LedgerStore   = (*Store)(nil)
	_ interfaces.TokenStore    = (*Store)(nil)
	_ interfaces.ExternalStore = (*Store)(nil)
)

// ---------------------------------------------------------------------------
// AccountStore
// ---------------------------------------------------------------------------

// GetAccount loads one account row.
func (s *Store) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	const query = `SELECT id, number, name, type, currency, balance, status, overdraft_limit, created_at, updated_at
	FROM accounts WHERE id = $1`

	var acct models.Account
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&acct.ID, &acct.Number, &acct.Name, &acct.Type, &acct.Currency,
		&acct.Balance, &acct.Status, &acct.OverdraftLimit, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, apperrors.ErrNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

// ---------------------------------------------------------------------------
// LedgerStore
// ---------------------------------------------------------------------------

// CommitTransaction persists the transaction, its entries, the balance
// adjustments and the optional token consumption in one SQL transaction.
// Account rows are locked FOR UPDATE in ascending id order; the token
// consumption is a compare-and-set on status = 'valid'.
func (s *Store) CommitTransaction(ctx context.Context, tx models.Transaction, deltas map[int64]decimal.Decimal) (err error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	// Lock every affected account in ascending id order.
	ids := sortedKeys(deltas)
	for _, id := range ids {
		var locked int64
		lerr := dbTx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(lerr, sql.ErrNoRows) {
			err = apperrors.Validation(apperrors.CheckUnknownAccount, "account %d", id)
			return err
		}
		if lerr != nil {
			err = lerr
			return err
		}
	}

	if tx.TokenSerial != "" {
		if err = s.consumeToken(ctx, dbTx, tx); err != nil {
			return err
		}
	}

	const insertTx = `INSERT INTO transactions (id, description, external_ref, token_serial, created_at)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)`
	if _, err = dbTx.ExecContext(ctx, insertTx, tx.ID, tx.Description, tx.ExternalRef, tx.TokenSerial, tx.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			err = apperrors.ErrImmutableRecord
		}
		return err
	}

	const insertEntry = `INSERT INTO ledger_entries (id, transaction_id, account_id, direction, amount, position)
	VALUES ($1, $2, $3, $4, $5, $6)`
	for i, e := range tx.Entries {
		if _, err = dbTx.ExecContext(ctx, insertEntry, e.ID, e.TransactionID, e.AccountID, e.Direction, e.Amount, i); err != nil {
			return err
		}
	}

	const updateBalance = `UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3`
	for _, id := range ids {
		if _, err = dbTx.ExecContext(ctx, updateBalance, deltas[id], tx.CreatedAt, id); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// consumeToken flips a valid token to consumed inside the commit
// transaction. Zero rows means the token was either racing (consumed) or
// never redeemable.
func (s *Store) consumeToken(ctx context.Context, dbTx *sql.Tx, tx models.Transaction) error {
	const cas = `UPDATE redemption_tokens SET status = 'consumed', consumed_by = $1, consumed_at = $2
	WHERE serial = $3 AND status = 'valid'`
	res, err := dbTx.ExecContext(ctx, cas, tx.ID, tx.CreatedAt, tx.TokenSerial)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM redemption_tokens WHERE serial = $1`, tx.TokenSerial).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Validation(apperrors.CheckTokenNotValid, "unknown serial %q", tx.TokenSerial)
	}
	if err != nil {
		return err
	}
	if status == string(models.TokenConsumed) {
		return apperrors.ErrConflict
	}
	return apperrors.Validation(apperrors.CheckTokenNotValid, "serial %q is %s", tx.TokenSerial, status)
}

// GetTransaction loads one transaction with its entries in insert order.
func (s *Store) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	const query = `SELECT id, description, COALESCE(external_ref, ''), COALESCE(token_serial, ''), created_at
	FROM transactions WHERE id = $1`

	var tx models.Transaction
	err := s.db.QueryRowContext(ctx, query, id).Scan(&tx.ID, &tx.Description, &tx.ExternalRef, &tx.TokenSerial, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}

	tx.Entries, err = s.entriesFor(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) entriesFor(ctx context.Context, txID string) ([]models.LedgerEntry, error) {
	const query = `SELECT id, transaction_id, account_id, direction, amount
	FROM ledger_entries WHERE transaction_id = $1 ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Direction, &e.Amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListTransactions returns transactions matching the filter in commit
// order, entries included.
func (s *Store) ListTransactions(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT DISTINCT t.id, t.description, COALESCE(t.external_ref, ''), COALESCE(t.token_serial, ''), t.created_at
	FROM transactions t`
	var conds []string
	var params []any

	if filter.AccountID != 0 {
		query += ` JOIN ledger_entries e ON e.transaction_id = t.id`
		params = append(params, filter.AccountID)
		conds = append(conds, fmt.Sprintf("e.account_id = $%d", len(params)))
	}
	if filter.ExternalRef != "" {
		params = append(params, filter.ExternalRef)
		conds = append(conds, fmt.Sprintf("t.external_ref = $%d", len(params)))
	}
	if !filter.From.IsZero() {
		params = append(params, filter.From)
		conds = append(conds, fmt.Sprintf("t.created_at >= $%d", len(params)))
	}
	if !filter.To.IsZero() {
		params = append(params, filter.To)
		conds = append(conds, fmt.Sprintf("t.created_at <= $%d", len(params)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY t.created_at, t.id"
	if filter.Limit > 0 {
		params = append(params, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.Description, &tx.ExternalRef, &tx.TokenSerial, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Entries, err = s.entriesFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetEntriesByAccount returns one account's entry history in commit order.
func (s *Store) GetEntriesByAccount(ctx context.Context, accountID int64) ([]models.LedgerEntry, error) {
	const query = `SELECT e.id, e.transaction_id, e.account_id, e.direction, e.amount
	FROM ledger_entries e
	JOIN transactions t ON t.id = e.transaction_id
	WHERE e.account_id = $1
	ORDER BY t.created_at, e.position`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Direction, &e.Amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// TokenStore
// ---------------------------------------------------------------------------

// GetToken loads one token row.
func (s *Store) GetToken(ctx context.Context, serial string) (models.RedemptionToken, error) {
	const query = `SELECT serial, status, imported_at, COALESCE(consumed_by, ''), COALESCE(consumed_at, 'epoch'::timestamptz)
	FROM redemption_tokens WHERE serial = $1`

	var tok models.RedemptionToken
	err := s.db.QueryRowContext(ctx, query, serial).Scan(&tok.Serial, &tok.Status, &tok.ImportedAt, &tok.ConsumedBy, &tok.ConsumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RedemptionToken{}, apperrors.ErrNotFound
	}
	if err != nil {
		return models.RedemptionToken{}, err
	}
	return tok, nil
}

// ImportSerials inserts new serials as valid; existing serials are left
// untouched.
func (s *Store) ImportSerials(ctx context.Context, serials []string, now time.Time) (int, error) {
	const query = `INSERT INTO redemption_tokens (serial, status, imported_at)
	VALUES ($1, 'valid', $2) ON CONFLICT (serial) DO NOTHING`

	imported := 0
	for _, serial := range serials {
		res, err := s.db.ExecContext(ctx, query, serial, now)
		if err != nil {
			return imported, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return imported, err
		}
		imported += int(n)
	}
	return imported, nil
}

// ---------------------------------------------------------------------------
// ExternalStore
// ---------------------------------------------------------------------------

// GetExternal loads one external transaction row.
func (s *Store) GetExternal(ctx context.Context, id int64) (models.ExternalTransaction, error) {
	const query = externalSelect + ` WHERE id = $1`

	var ext models.ExternalTransaction
	err := s.db.QueryRowContext(ctx, query, id).Scan(externalFields(&ext)...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ExternalTransaction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return models.ExternalTransaction{}, err
	}
	return ext, nil
}

const externalSelect = `SELECT id, source_id, COALESCE(reference_id, ''), transaction_date, posting_date,
	amount, currency, description, status, COALESCE(matched_tx_id, '')
	FROM external_transactions`

func externalFields(ext *models.ExternalTransaction) []any {
	return []any{
		&ext.ID, &ext.SourceID, &ext.ReferenceID, &ext.TransactionDate, &ext.PostingDate,
		&ext.Amount, &ext.Currency, &ext.Description, &ext.Status, &ext.MatchedTxID,
	}
}

// ListByStatus returns external transactions in the given statuses,
// optionally scoped to a source, in ingestion order.
func (s *Store) ListByStatus(ctx context.Context, sourceID int64, statuses ...models.ExternalStatus) ([]models.ExternalTransaction, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := externalSelect + ` WHERE status = ANY($1)`
	params := []any{pq.Array(names)}
	if sourceID != 0 {
		query += ` AND source_id = $2`
		params = append(params, sourceID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExternalTransaction
	for rows.Next() {
		var ext models.ExternalTransaction
		if err := rows.Scan(externalFields(&ext)...); err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, rows.Err()
}

// UpdateStatus is the optimistic status write: the row only changes while
// its status still equals `from`.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to models.ExternalStatus, matchedTxID string) error {
	const query = `UPDATE external_transactions
	SET status = $1, matched_tx_id = COALESCE(NULLIF($2, ''), matched_tx_id)
	WHERE id = $3 AND status = $4`

	res, err := s.db.ExecContext(ctx, query, to, matchedTxID, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM external_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperrors.ErrNotFound
	}
	return apperrors.ErrConflict
}

// SetIgnored applies the manual override unconditionally.
func (s *Store) SetIgnored(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE external_transactions SET status = 'ignored' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// LinkedTransactionIDs returns ledger transaction ids claimed by matched
// or discrepant external items.
func (s *Store) LinkedTransactionIDs(ctx context.Context) (map[string]struct{}, error) {
	const query = `SELECT matched_tx_id FROM external_transactions
	WHERE matched_tx_id IS NOT NULL AND status IN ('matched', 'discrepancy')`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func sortedKeys(m map[int64]decimal.Decimal) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
