package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryDirection is the side of a ledger entry.
type EntryDirection string

const (
	Debit  EntryDirection = "debit"
	Credit EntryDirection = "credit"
)

// Valid reports whether the direction is one of the two known sides.
func (d EntryDirection) Valid() bool {
	return d == Debit || d == Credit
}

// LedgerEntry is a single debit or credit line belonging to exactly one
// transaction. Immutable once persisted.
type LedgerEntry struct {
	ID            string
	TransactionID string
	AccountID     int64
	Direction     EntryDirection
	Amount        decimal.Decimal // non-negative
}

// Transaction is a committed, append-only money movement. It owns an
// ordered set of entries whose debits and credits balance exactly.
type Transaction struct {
	ID          string
	Description string
	ExternalRef string // optional processor/bank correlation reference
	TokenSerial string // optional redemption token consumed by this transaction
	Entries     []LedgerEntry
	CreatedAt   time.Time
}

// TotalDebits returns the sum of the debit-side entry amounts.
func (t Transaction) TotalDebits() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range t.Entries {
		if e.Direction == Debit {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// TotalCredits returns the sum of the credit-side entry amounts.
func (t Transaction) TotalCredits() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range t.Entries {
		if e.Direction == Credit {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// Balanced reports whether debits equal credits exactly.
func (t Transaction) Balanced() bool {
	return t.TotalDebits().Equal(t.TotalCredits())
}

// Magnitude is the size of the movement: total debits (== total credits
// for any committed transaction).
func (t Transaction) Magnitude() decimal.Decimal {
	return t.TotalDebits()
}

// AmountOnAccount returns the signed sum of this transaction's entries on
// one account: debits positive, credits negative. Used by reconciliation
// when a source maps to a settlement account.
func (t Transaction) AmountOnAccount(accountID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range t.Entries {
		if e.AccountID != accountID {
			continue
		}
		if e.Direction == Debit {
			sum = sum.Add(e.Amount)
		} else {
			sum = sum.Sub(e.Amount)
		}
	}
	return sum
}
