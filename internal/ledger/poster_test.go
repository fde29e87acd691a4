package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/shared"
)

const (
	company    = int64(1)
	receivable = int64(430)
	income     = int64(700)
	vat        = int64(477)
	bank       = int64(572)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPoster(t *testing.T) (*ledger.Poster, *ledger.Journal) {
	t.Helper()
	repos := ledger.NewMemoryRepos()
	poster := ledger.NewPoster(repos, nil, nil).
		WithNow(func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) })
	journal := &ledger.Journal{Code: "INV", Name: "Sales", Type: ledger.JournalSale}
	journal.CompanyID = company
	require.NoError(t, repos.Journals.Create(context.Background(), journal))
	return poster, journal
}

func invoice(t *testing.T, journalID int64, lines ...ledger.InvoiceLine) *ledger.Move {
	t.Helper()
	move, err := ledger.NewInvoice(ledger.InvoiceInput{
		CompanyID:           company,
		JournalID:           journalID,
		Date:                time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ReceivableAccountID: receivable,
		IncomeAccountID:     income,
		TaxAccountID:        vat,
		TaxIncluded:         true,
		Lines:               lines,
	})
	require.NoError(t, err)
	return move
}

func payment(amount string) *ledger.Move {
	m := &ledger.Move{
		Kind: ledger.MovePayment,
		Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Lines: []ledger.MoveLine{
			{Key: ledger.LineLiquidity, AccountID: bank, Debit: d(amount)},
			{Key: ledger.LineReceivable, AccountID: receivable, Credit: d(amount)},
		},
	}
	m.CompanyID = company
	return m
}

func TestValidateRejectsBadMoves(t *testing.T) {
	m := &ledger.Move{Lines: []ledger.MoveLine{{AccountID: 1, Debit: d("1")}}}
	require.ErrorIs(t, m.Validate(), ledger.ErrTooFewLines)

	m.Lines = append(m.Lines, ledger.MoveLine{AccountID: 2, Credit: d("0.99")})
	require.ErrorIs(t, m.Validate(), ledger.ErrUnbalanced)

	m.Lines[1] = ledger.MoveLine{AccountID: 2, Debit: d("1"), Credit: d("2")}
	require.ErrorContains(t, m.Validate(), "both debit and credit")
}

func TestNewInvoiceSplitsIncludedTax(t *testing.T) {
	move := invoice(t, 0,
		ledger.InvoiceLine{ProductID: 5, Name: "Beer", Quantity: d("2"), PriceUnit: d("12.10"), TaxRate: d("21")},
		ledger.InvoiceLine{ProductID: 6, Name: "Topping", Quantity: d("2"), PriceUnit: d("0"), TaxRate: d("21")},
	)
	require.NoError(t, move.Validate())
	require.Len(t, move.Lines, 3)
	require.True(t, move.Lines[0].Credit.Equal(d("20")))
	require.True(t, move.Lines[1].Credit.Equal(d("4.2")))
	require.Equal(t, ledger.LineReceivable, move.Lines[2].Key)
	require.True(t, move.Lines[2].Debit.Equal(d("24.2")))

	_, err := ledger.NewInvoice(ledger.InvoiceInput{IncomeAccountID: income})
	require.True(t, shared.IsConfiguration(err))
}

func TestRefundMirrorsSides(t *testing.T) {
	move, err := ledger.NewInvoice(ledger.InvoiceInput{
		Kind:                ledger.MoveRefund,
		ReceivableAccountID: receivable,
		IncomeAccountID:     income,
		Lines:               []ledger.InvoiceLine{{Name: "Water", Quantity: d("1"), PriceUnit: d("2.50")}},
	})
	require.NoError(t, err)
	require.True(t, move.Lines[0].Debit.Equal(d("2.5")))
	require.True(t, move.Lines[1].Credit.Equal(d("2.5")))
}

func TestPostNamesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	poster, journal := newPoster(t)

	first := invoice(t, journal.ID, ledger.InvoiceLine{Name: "Coffee", Quantity: d("1"), PriceUnit: d("1.50")})
	require.NoError(t, poster.Post(ctx, first))
	require.Equal(t, "INV/2024/0001", first.Name)
	require.Equal(t, ledger.MovePosted, first.State)
	require.Equal(t, ledger.NotPaid, first.PaymentState)
	require.True(t, first.Lines[1].Residual.Equal(d("1.5")))
	require.True(t, first.Lines[0].Residual.IsZero())

	require.NoError(t, poster.Post(ctx, first))
	require.Equal(t, "INV/2024/0001", first.Name)

	second := invoice(t, journal.ID, ledger.InvoiceLine{Name: "Tea", Quantity: d("1"), PriceUnit: d("1.20")})
	require.NoError(t, poster.Post(ctx, second))
	require.Equal(t, "INV/2024/0002", second.Name)

	named := invoice(t, journal.ID, ledger.InvoiceLine{Name: "Tea", Quantity: d("1"), PriceUnit: d("1.20")})
	named.Name = "T-12"
	require.NoError(t, poster.Post(ctx, named))
	require.Equal(t, "T-12", named.Name)
}

func TestReconcileClosesReceivableOnce(t *testing.T) {
	ctx := context.Background()
	poster, journal := newPoster(t)

	inv := invoice(t, journal.ID, ledger.InvoiceLine{Name: "Menu", Quantity: d("1"), PriceUnit: d("30")})
	require.NoError(t, poster.Post(ctx, inv))

	part := payment("10")
	require.NoError(t, poster.Post(ctx, part))
	matched, err := poster.Reconcile(ctx, part, inv)
	require.NoError(t, err)
	require.True(t, matched.Equal(d("10")))
	require.Equal(t, ledger.Partial, inv.PaymentState)

	rest := payment("20")
	require.NoError(t, poster.Post(ctx, rest))
	matched, err = poster.Reconcile(ctx, rest, inv)
	require.NoError(t, err)
	require.True(t, matched.Equal(d("20")))
	require.Equal(t, ledger.Paid, inv.PaymentState)

	matched, err = poster.Reconcile(ctx, rest, inv)
	require.NoError(t, err)
	require.True(t, matched.IsZero())

	stored, err := poster.Repos().Moves.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.Paid, stored.PaymentState)
	require.Empty(t, stored.OpenLines(receivable))
}

func TestReverseOnce(t *testing.T) {
	ctx := context.Background()
	poster, journal := newPoster(t)

	inv := invoice(t, journal.ID, ledger.InvoiceLine{Name: "Wine", Quantity: d("1"), PriceUnit: d("18")})
	inv.Name = "A-7"
	require.NoError(t, poster.Post(ctx, inv))

	rev, err := poster.Reverse(ctx, inv, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "RA-7", rev.Name)
	require.Equal(t, ledger.MoveRefund, rev.Kind)
	require.Equal(t, inv.ID, rev.ReversedEntryID)
	require.Equal(t, ledger.Reversed, inv.PaymentState)
	require.Empty(t, inv.OpenLines(receivable))
	require.Empty(t, rev.OpenLines(receivable))

	again, err := poster.Reverse(ctx, inv, time.Now())
	require.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	require.Equal(t, rev.ID, again.ID)
}

func TestMappingRules(t *testing.T) {
	ctx := context.Background()
	poster, journal := newPoster(t)

	m := &ledger.AccountMapping{
		ConnectionID:        3,
		ReceivableAccountID: receivable,
		IncomeAccountID:     income,
		SimplifiedJournalID: journal.ID,
		RegularJournalID:    journal.ID,
		Methods: []ledger.MethodAccount{
			{MethodCode: "cash", JournalID: 9, AccountID: 570},
			{MethodCode: "cash", JournalID: 9, AccountID: 571},
		},
	}
	m.CompanyID = company
	require.True(t, shared.IsDuplicate(poster.SaveMapping(ctx, m)))

	m.Methods = m.Methods[:1]
	m.SaleCenters = []ledger.SaleCenterAccount{{SaleCenterID: 4, ReceivableAccountID: 431}}
	require.NoError(t, poster.SaveMapping(ctx, m))
	require.Equal(t, int64(431), m.ReceivableFor(4))
	require.Equal(t, receivable, m.ReceivableFor(5))

	second := *m
	second.ID = 0
	require.True(t, shared.IsDuplicate(poster.SaveMapping(ctx, &second)))

	_, err := poster.Mapping(ctx, company, 99)
	require.True(t, shared.IsConfiguration(err))
	got, err := poster.Mapping(ctx, company, 3)
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)
}
