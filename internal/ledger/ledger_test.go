package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/interfaces"
	mock_interfaces "github.com/finvault/ledger-core/internal/interfaces/mocks"
	"github.com/finvault/ledger-core/internal/ledger"
	"github.com/finvault/ledger-core/internal/models"
	"github.com/finvault/ledger-core/internal/models/events"
	"github.com/finvault/ledger-core/internal/storage/memory"
)

const (
	acctCash    int64 = 1
	acctSavings int64 = 2
	acctRevenue int64 = 3
	acctExpense int64 = 4
	acctLoans   int64 = 5 // liability
	acctClosed  int64 = 8
	acctFrozen  int64 = 9
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestStore() *memory.Store {
	store := memory.NewStore()
	seed := []models.Account{
		{ID: acctCash, Number: "1000", Name: "Cash", Type: models.AccountTypeAsset, Currency: "USD", Status: models.AccountStatusActive},
		{ID: acctSavings, Number: "1010", Name: "Savings", Type: models.AccountTypeAsset, Currency: "USD", Status: models.AccountStatusActive},
		{ID: acctRevenue, Number: "4000", Name: "Fees earned", Type: models.AccountTypeRevenue, Currency: "USD", Status: models.AccountStatusActive},
		{ID: acctExpense, Number: "5000", Name: "Bank charges", Type: models.AccountTypeExpense, Currency: "USD", Status: models.AccountStatusActive},
		{ID: acctLoans, Number: "2000", Name: "Customer loans", Type: models.AccountTypeLiability, Currency: "USD", Status: models.AccountStatusActive},
		{ID: acctClosed, Number: "1090", Name: "Old cash", Type: models.AccountTypeAsset, Currency: "USD", Status: models.AccountStatusClosed},
		{ID: acctFrozen, Number: "1091", Name: "Disputed", Type: models.AccountTypeAsset, Currency: "USD", Status: models.AccountStatusFrozen},
	}
	for _, acct := range seed {
		acct.Balance = decimal.Zero
		// Asset accounts get a roomy overdraft allowance so balance checks
		// only bite in the tests that tighten it on purpose.
		if acct.Type == models.AccountTypeAsset && acct.Status == models.AccountStatusActive {
			acct.OverdraftLimit = dec("1000000.00")
		}
		store.PutAccount(acct)
	}
	return store
}

func transfer(from, to int64, amount string) []ledger.EntryInput {
	return []ledger.EntryInput{
		{AccountID: from, Direction: models.Debit, Amount: dec(amount)},
		{AccountID: to, Direction: models.Credit, Amount: dec(amount)},
	}
}

func TestCreateTransaction_BalancedTransfer(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	txID, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "transfer",
		Entries:     transfer(acctCash, acctSavings, "100.00"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	// Debit increases an asset account, credit decreases it.
	cash, err := svc.GetBalance(ctx, acctCash)
	require.NoError(t, err)
	assert.True(t, cash.Equal(dec("100.00")), "cash balance = %s", cash)

	savings, err := svc.GetBalance(ctx, acctSavings)
	require.NoError(t, err)
	assert.True(t, savings.Equal(dec("-100.00")), "savings balance = %s", savings)

	tx, err := svc.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, "transfer", tx.Description)
	assert.Len(t, tx.Entries, 2)
	assert.True(t, tx.Balanced())
}

func TestCreateTransaction_Unbalanced(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "bad",
		Entries: []ledger.EntryInput{
			{AccountID: acctCash, Direction: models.Debit, Amount: dec("100.00")},
			{AccountID: acctSavings, Direction: models.Credit, Amount: dec("90.00")},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, apperrors.CheckUnbalanced, apperrors.CheckOf(err))

	// No partial writes: both balances untouched, no transaction row.
	cash, _ := svc.GetBalance(ctx, acctCash)
	savings, _ := svc.GetBalance(ctx, acctSavings)
	assert.True(t, cash.IsZero())
	assert.True(t, savings.IsZero())

	txs, err := svc.ListTransactions(ctx, interfaces.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCreateTransaction_ValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		entries   []ledger.EntryInput
		wantCheck apperrors.Check
	}{
		{
			name:      "no entries",
			entries:   nil,
			wantCheck: apperrors.CheckEmptyEntries,
		},
		{
			name: "invalid direction",
			entries: []ledger.EntryInput{
				{AccountID: acctCash, Direction: "sideways", Amount: dec("10.00")},
			},
			wantCheck: apperrors.CheckInvalidDirection,
		},
		{
			name: "negative amount",
			entries: []ledger.EntryInput{
				{AccountID: acctCash, Direction: models.Debit, Amount: dec("-10.00")},
				{AccountID: acctSavings, Direction: models.Credit, Amount: dec("-10.00")},
			},
			wantCheck: apperrors.CheckNegativeAmount,
		},
		{
			name:      "unknown account",
			entries:   transfer(404, acctSavings, "10.00"),
			wantCheck: apperrors.CheckUnknownAccount,
		},
		{
			name:      "closed account",
			entries:   transfer(acctClosed, acctSavings, "10.00"),
			wantCheck: apperrors.CheckAccountNotActive,
		},
		{
			name:      "frozen account",
			entries:   transfer(acctFrozen, acctSavings, "10.00"),
			wantCheck: apperrors.CheckAccountNotActive,
		},
		{
			name:      "overdraft exceeded",
			entries:   transfer(acctCash, acctSavings, "10.00"),
			wantCheck: apperrors.CheckInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			svc := ledger.NewLedger(store, store, nil, nil)

			if tt.wantCheck == apperrors.CheckInsufficientFunds {
				// Zero the overdraft allowance; crediting the savings
				// asset account then pushes it below its floor.
				store.PutAccount(models.Account{
					ID: acctSavings, Number: "1010", Name: "Savings",
					Type: models.AccountTypeAsset, Currency: "USD",
					Status: models.AccountStatusActive, Balance: decimal.Zero,
				})
			}

			_, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
				Description: tt.name,
				Entries:     tt.entries,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
			assert.Equal(t, tt.wantCheck, apperrors.CheckOf(err))
		})
	}
}

func TestCreateTransaction_OverdraftAllowance(t *testing.T) {
	store := newTestStore()
	store.PutAccount(models.Account{
		ID: acctSavings, Number: "1010", Name: "Savings",
		Type: models.AccountTypeAsset, Currency: "USD",
		Status: models.AccountStatusActive, Balance: decimal.Zero,
		OverdraftLimit: dec("50.00"),
	})
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	// Within the allowance: savings may go to -50.00.
	_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "within overdraft",
		Entries:     transfer(acctCash, acctSavings, "50.00"),
	})
	require.NoError(t, err)

	// One cent beyond the floor is rejected.
	_, err = svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "beyond overdraft",
		Entries:     transfer(acctCash, acctSavings, "0.01"),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CheckInsufficientFunds, apperrors.CheckOf(err))
}

func TestSignConvention(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	// Fee revenue: debit cash (asset up), credit revenue (revenue up).
	_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "fee income",
		Entries:     transfer(acctCash, acctRevenue, "25.00"),
	})
	require.NoError(t, err)

	// Expense paid: debit expense (expense up), credit cash (asset down).
	_, err = svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "bank charge",
		Entries:     transfer(acctExpense, acctCash, "5.00"),
	})
	require.NoError(t, err)

	// Loan disbursed: debit loans (liability down), credit cash (asset down).
	_, err = svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "loan repayment applied",
		Entries:     transfer(acctLoans, acctCash, "10.00"),
	})
	require.NoError(t, err)

	balances := map[int64]string{
		acctCash:    "10.00",  // +25 -5 -10
		acctRevenue: "25.00",  // credit increases revenue
		acctExpense: "5.00",   // debit increases expense
		acctLoans:   "-10.00", // debit decreases liability
	}
	for id, want := range balances {
		got, err := svc.GetBalance(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(want)), "account %d: got %s want %s", id, got, want)
	}
}

func TestImmutability_RecommitFails(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	txID, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "original",
		Entries:     transfer(acctCash, acctSavings, "75.00"),
	})
	require.NoError(t, err)

	// The commit routine is the only write path; replaying it for an
	// existing id is the closest thing to a mutation attempt and must
	// fail without touching anything.
	tx, err := store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	tx.Description = "tampered"
	err = store.CommitTransaction(ctx, tx, map[int64]decimal.Decimal{})
	assert.ErrorIs(t, err, apperrors.ErrImmutableRecord)

	stored, err := store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Description)
}

func TestReverse_RestoresBalances(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	txID, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "mistake",
		Entries:     transfer(acctCash, acctSavings, "40.00"),
	})
	require.NoError(t, err)

	revID, err := svc.Reverse(ctx, txID, "")
	require.NoError(t, err)
	require.NotEqual(t, txID, revID)

	cash, _ := svc.GetBalance(ctx, acctCash)
	savings, _ := svc.GetBalance(ctx, acctSavings)
	assert.True(t, cash.IsZero(), "cash = %s", cash)
	assert.True(t, savings.IsZero(), "savings = %s", savings)

	rev, err := svc.GetTransaction(ctx, revID)
	require.NoError(t, err)
	assert.Equal(t, "reversal of "+txID, rev.Description)
	assert.True(t, rev.Balanced())

	// Both transactions remain on the books.
	txs, err := svc.ListTransactions(ctx, interfaces.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestRedemptionToken_SingleUse(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	n, err := svc.ImportTokens(ctx, []string{"BOX-001", "BOX-002"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-import is harmless.
	n, err = svc.ImportTokens(ctx, []string{"BOX-001"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	txID, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "box deposit",
		Entries:     transfer(acctCash, acctRevenue, "12.00"),
		TokenSerial: "BOX-001",
	})
	require.NoError(t, err)

	tok, err := store.GetToken(ctx, "BOX-001")
	require.NoError(t, err)
	assert.Equal(t, models.TokenConsumed, tok.Status)
	assert.Equal(t, txID, tok.ConsumedBy)

	// Second redemption of the same serial is rejected and writes nothing.
	_, err = svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "replayed box deposit",
		Entries:     transfer(acctCash, acctRevenue, "12.00"),
		TokenSerial: "BOX-001",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CheckTokenNotValid, apperrors.CheckOf(err))

	txs, err := svc.ListTransactions(ctx, interfaces.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestRedemptionToken_UnknownOrInvalid(t *testing.T) {
	store := newTestStore()
	store.MarkTokenInvalid("BOX-BAD", time.Now())
	svc := ledger.NewLedger(store, store, nil, nil)

	for _, serial := range []string{"BOX-MISSING", "BOX-BAD"} {
		_, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
			Description: "bad token",
			Entries:     transfer(acctCash, acctRevenue, "1.00"),
			TokenSerial: serial,
		})
		require.Error(t, err, serial)
		assert.Equal(t, apperrors.CheckTokenNotValid, apperrors.CheckOf(err), serial)
	}
}

func TestRedemptionToken_ConcurrentRace(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	_, err := svc.ImportTokens(ctx, []string{"BOX-RACE"})
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateTransaction(ctx, ledger.CreateParams{
				Description: "race",
				Entries:     transfer(acctCash, acctRevenue, "3.00"),
				TokenSerial: "BOX-RACE",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.True(t,
				errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrConflict),
				"unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "the token must be consumed exactly once")

	txs, err := svc.ListTransactions(ctx, interfaces.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestConcurrentTransfers_SharedAccounts(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	// Opposite lock orders on the same account pair; ascending-id locking
	// keeps them deadlock-free and fully applied.
	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
				Description: "a to b",
				Entries:     transfer(acctCash, acctRevenue, "1.00"),
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
				Description: "b to a",
				Entries:     transfer(acctRevenue, acctCash, "1.00"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every committed transaction balances, so the book still sums to zero.
	txs, err := svc.ListTransactions(ctx, interfaces.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 2*rounds)
	for _, tx := range txs {
		assert.True(t, tx.Balanced())
	}
}

func TestAuditSink_EventEmitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newTestStore()
	sink := mock_interfaces.NewMockAuditSink(ctrl)
	sink.EXPECT().
		RecordEvent(gomock.Any(), events.KindTransactionCommitted, gomock.Any()).
		Return(nil).
		Times(1)

	svc := ledger.NewLedger(store, store, sink, nil)
	_, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
		Description: "audited",
		Entries:     transfer(acctCash, acctSavings, "9.99"),
	})
	require.NoError(t, err)
}

func TestAuditSink_FailureDoesNotFailCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newTestStore()
	sink := mock_interfaces.NewMockAuditSink(ctrl)
	sink.EXPECT().
		RecordEvent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("broker unreachable")).
		Times(1)

	svc := ledger.NewLedger(store, store, sink, nil)
	txID, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
		Description: "sink down",
		Entries:     transfer(acctCash, acctSavings, "4.00"),
	})
	require.NoError(t, err)

	_, err = store.GetTransaction(context.Background(), txID)
	assert.NoError(t, err, "the ledger write must have committed")
}

func TestEntriesByAccount(t *testing.T) {
	store := newTestStore()
	svc := ledger.NewLedger(store, store, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "first",
		Entries:     transfer(acctCash, acctSavings, "10.00"),
	})
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, ledger.CreateParams{
		Description: "second",
		Entries:     transfer(acctExpense, acctCash, "2.50"),
	})
	require.NoError(t, err)

	entries, err := svc.EntriesByAccount(ctx, acctCash)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.Debit, entries[0].Direction)
	assert.Equal(t, models.Credit, entries[1].Direction)
}
