package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/models"
)

// Outcome is the result of checking a redemption token against the
// single-use rule.
type Outcome string

const (
	OutcomeReserved        Outcome = "reserved"
	OutcomeAlreadyConsumed Outcome = "already_consumed"
	OutcomeInvalid         Outcome = "invalid"
)

// Reserve applies the valid -> consumed transition to a token snapshot.
// It is a pure transition function: the stores invoke it (or its SQL
// equivalent) while holding their own atomicity guarantees, so the
// transition commits together with the owning transaction and never
// standalone. A token that is not currently valid rejects the transition.
func Reserve(tok models.RedemptionToken, txID string, now time.Time) (models.RedemptionToken, Outcome) {
	switch tok.Status {
	case models.TokenValid:
		tok.Status = models.TokenConsumed
		tok.ConsumedBy = txID
		tok.ConsumedAt = now
		return tok, OutcomeReserved
	case models.TokenConsumed:
		return tok, OutcomeAlreadyConsumed
	default:
		return tok, OutcomeInvalid
	}
}

// Validator exposes token reads and imports. Consumption is deliberately
// absent here: it only happens inside LedgerStore.CommitTransaction.
type Validator struct {
	store interfaces.TokenStore
}

// NewValidator creates a Validator over a token store.
func NewValidator(store interfaces.TokenStore) *Validator {
	return &Validator{store: store}
}

// Check reports whether a serial could currently be redeemed. Unknown
// serials are invalid.
func (v *Validator) Check(ctx context.Context, serial string) (Outcome, error) {
	tok, err := v.store.GetToken(ctx, serial)
	if errors.Is(err, apperrors.ErrNotFound) {
		return OutcomeInvalid, nil
	}
	if err != nil {
		return OutcomeInvalid, err
	}
	switch tok.Status {
	case models.TokenValid:
		return OutcomeReserved, nil
	case models.TokenConsumed:
		return OutcomeAlreadyConsumed, nil
	default:
		return OutcomeInvalid, nil
	}
}

// Import loads a batch of serials as valid tokens. Serials already present
// are skipped, so re-importing a statement file is harmless. Returns the
// number of newly imported serials.
func (v *Validator) Import(ctx context.Context, serials []string, now time.Time) (int, error) {
	return v.store.ImportSerials(ctx, serials, now)
}
