package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies an account for balance/sign purposes.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// AccountStatus is the lifecycle state of an account. Accounts are never
// deleted, only transitioned.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusFrozen  AccountStatus = "frozen"
	AccountStatusPending AccountStatus = "pending"
	AccountStatusClosed  AccountStatus = "closed"
)

// Account holds the authoritative balance for one ledger account.
// The balance is mutated only by committed transactions.
type Account struct {
	ID             int64
	Number         string
	Name           string
	Type           AccountType
	Currency       string
	Balance        decimal.Decimal
	Status         AccountStatus
	OverdraftLimit decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AcceptsEntries reports whether the account may participate in a new
// transaction. Closed and frozen accounts reject new entries.
func (a Account) AcceptsEntries() bool {
	return a.Status == AccountStatusActive
}

// BalanceDelta returns the signed change this entry applies to the account
// balance under the fixed sign convention: a debit increases asset and
// expense balances and decreases liability, equity and revenue balances;
// a credit is the inverse.
func (a Account) BalanceDelta(direction EntryDirection, amount decimal.Decimal) decimal.Decimal {
	debitIncreases := a.Type == AccountTypeAsset || a.Type == AccountTypeExpense
	if (direction == Debit) == debitIncreases {
		return amount
	}
	return amount.Neg()
}
