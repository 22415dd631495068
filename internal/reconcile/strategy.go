package reconcile

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finvault/ledger-core/internal/models"
)

const day = 24 * time.Hour

// Strategy is one matching pass: a pure function from an external
// transaction and the candidate pool of unmatched ledger transactions to
// the candidates it selects. Strategies carry configuration but no
// per-run state, so each is independently testable.
type Strategy interface {
	Name() string
	Match(ext models.ExternalTransaction, pool []models.Transaction) []models.Transaction
}

// ---------------------------------------------------------------------------
// Pass 1: exact correlation-reference equality
// ---------------------------------------------------------------------------

// ExactReferenceMatch selects ledger transactions whose stored external
// correlation reference equals the external item's reference id.
type ExactReferenceMatch struct{}

func (ExactReferenceMatch) Name() string { return "exact_reference" }

func (ExactReferenceMatch) Match(ext models.ExternalTransaction, pool []models.Transaction) []models.Transaction {
	if ext.ReferenceID == "" {
		return nil
	}
	var out []models.Transaction
	for _, tx := range pool {
		if tx.ExternalRef == ext.ReferenceID {
			out = append(out, tx)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Pass 2: amount within tolerance + transaction date within a day window
// ---------------------------------------------------------------------------

// AmountDateToleranceMatch selects ledger transactions whose candidate
// amount is within AmountTolerance of the external amount and whose
// timestamp date lies within ±DateToleranceDays of the external
// transaction date. When the external source maps to a settlement
// account, the candidate amount is the signed entry sum on that account;
// otherwise the transaction magnitude is compared against the absolute
// external amount.
type AmountDateToleranceMatch struct {
	DateToleranceDays int
	AmountTolerance   decimal.Decimal
	SettlementAccount int64 // 0 = no mapping for this source
}

func (AmountDateToleranceMatch) Name() string { return "amount_date_window" }

func (s AmountDateToleranceMatch) Match(ext models.ExternalTransaction, pool []models.Transaction) []models.Transaction {
	var out []models.Transaction
	for _, tx := range s.dateCandidates(ext, pool) {
		if s.amountWithinTolerance(ext, tx) {
			out = append(out, tx)
		}
	}
	return out
}

// dateCandidates returns pool members inside the date window regardless
// of amount. The engine uses this to spot discrepancies.
func (s AmountDateToleranceMatch) dateCandidates(ext models.ExternalTransaction, pool []models.Transaction) []models.Transaction {
	var out []models.Transaction
	for _, tx := range pool {
		diff := ext.TransactionDate.Truncate(day).Sub(tx.CreatedAt.Truncate(day))
		if diff < 0 {
			diff = -diff
		}
		if int(diff/day) <= s.DateToleranceDays {
			out = append(out, tx)
		}
	}
	return out
}

func (s AmountDateToleranceMatch) amountWithinTolerance(ext models.ExternalTransaction, tx models.Transaction) bool {
	return s.amountDifference(ext, tx).LessThanOrEqual(s.AmountTolerance)
}

// amountDifference is the absolute gap between the external amount and
// the ledger candidate amount.
func (s AmountDateToleranceMatch) amountDifference(ext models.ExternalTransaction, tx models.Transaction) decimal.Decimal {
	if s.SettlementAccount != 0 {
		return ext.Amount.Sub(tx.AmountOnAccount(s.SettlementAccount)).Abs()
	}
	return ext.Amount.Abs().Sub(tx.Magnitude()).Abs()
}

// ---------------------------------------------------------------------------
// Pass 3: heuristic narrowing of an already-ambiguous pool
// ---------------------------------------------------------------------------

// HeuristicNarrowingMatch filters an ambiguous pool down by description
// keyword overlap. It never introduces candidates the earlier pass did
// not select; the engine only feeds it pools with more than one member.
type HeuristicNarrowingMatch struct {
	// MinKeywordLen drops short tokens ("to", "for") from comparison.
	MinKeywordLen int
}

func (HeuristicNarrowingMatch) Name() string { return "heuristic_narrowing" }

func (s HeuristicNarrowingMatch) Match(ext models.ExternalTransaction, pool []models.Transaction) []models.Transaction {
	extTokens := tokenize(ext.Description, s.minLen())
	if len(extTokens) == 0 {
		return pool
	}
	var out []models.Transaction
	for _, tx := range pool {
		if overlaps(extTokens, tokenize(tx.Description, s.minLen())) {
			out = append(out, tx)
		}
	}
	if len(out) == 0 {
		// Narrowing removed everything; keep the pool ambiguous rather
		// than inventing an empty result that would flip the item to
		// unmatched despite having candidates.
		return pool
	}
	return out
}

func (s HeuristicNarrowingMatch) minLen() int {
	if s.MinKeywordLen <= 0 {
		return 4
	}
	return s.MinKeywordLen
}

func tokenize(text string, minLen int) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) >= minLen {
			out[tok] = struct{}{}
		}
	}
	return out
}

func overlaps(a, b map[string]struct{}) bool {
	for tok := range a {
		if _, ok := b[tok]; ok {
			return true
		}
	}
	return false
}
