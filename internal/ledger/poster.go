package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// ErrAlreadyReversed is returned by Reverse when a reversal exists.
var ErrAlreadyReversed = errors.New("ledger: move already reversed")

// Poster posts, reconciles and reverses moves.
type Poster struct {
	repos    Repos
	tx       store.Transactor
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoster constructs a Poster.
func NewPoster(repos Repos, tx store.Transactor, logger *slog.Logger) *Poster {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{
		repos:    repos,
		tx:       tx,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (p *Poster) WithNow(now func() time.Time) *Poster {
	if now != nil {
		p.now = now
	}
	return p
}

// Repos exposes the underlying repositories.
func (p *Poster) Repos() Repos { return p.repos }

// Tx exposes the unit of work used by the poster.
func (p *Poster) Tx() store.Transactor { return p.tx }

// ============================================================================
// CONFIGURATION
// ============================================================================

// SaveMapping validates and stores the account mapping of a connection.
// A connection holds at most one mapping.
func (p *Poster) SaveMapping(ctx context.Context, m *AccountMapping) error {
	if err := p.validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if err := m.CheckDuplicates(); err != nil {
		return err
	}
	q := store.Where().Company(m.CompanyID).Eq("connection_id", m.ConnectionID)
	if m.ID != 0 {
		q = q.Ne("id", m.ID)
	}
	taken, err := store.Exists(ctx, p.repos.Mappings, q)
	if err != nil {
		return err
	}
	if taken {
		return &shared.DuplicateConfigurationError{
			Rule:   "account mapping",
			Detail: fmt.Sprintf("connection %d already has a mapping", m.ConnectionID),
		}
	}
	if m.ID == 0 {
		return p.repos.Mappings.Create(ctx, m)
	}
	return p.repos.Mappings.Update(ctx, m)
}

// Mapping returns the account mapping of a connection.
func (p *Poster) Mapping(ctx context.Context, companyID, connectionID int64) (*AccountMapping, error) {
	m, err := p.repos.Mappings.First(ctx, store.Where().Company(companyID).Eq("connection_id", connectionID))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, &shared.ConfigurationError{
			Setting: "account_mapping",
			Detail:  fmt.Sprintf("connection %d has no account mapping", connectionID),
		}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Journal returns a journal by id.
func (p *Poster) Journal(ctx context.Context, id int64) (*Journal, error) {
	j, err := p.repos.Journals.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("journal %d: %w", id, err)
	}
	return j, nil
}

// ============================================================================
// POSTING
// ============================================================================

// BySource returns the move created for an external event, if any.
func (p *Poster) BySource(ctx context.Context, companyID int64, sourceID string) (*Move, bool, error) {
	m, err := p.repos.Moves.First(ctx, store.Where().Company(companyID).Eq("source_id", sourceID))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Draft stores m without posting it.
func (p *Poster) Draft(ctx context.Context, m *Move) error {
	if m.State == "" {
		m.State = MoveDraft
	}
	if m.ID == 0 {
		return p.repos.Moves.Create(ctx, m)
	}
	return p.repos.Moves.Update(ctx, m)
}

// Post validates m, names it when needed and opens the residuals of its
// receivable lines. Posting a posted move is a no-op.
func (p *Poster) Post(ctx context.Context, m *Move) error {
	if m.State == MovePosted {
		return nil
	}
	if m.State == MoveCancel {
		return fmt.Errorf("%w: move %q is cancelled", ErrInvalidState, m.Name)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Date.IsZero() {
		m.Date = p.now()
	}
	return p.tx.WithTx(ctx, func(ctx context.Context) error {
		if m.Name == "" {
			name, err := p.nextName(ctx, m)
			if err != nil {
				return err
			}
			m.Name = name
		}
		for i := range m.Lines {
			m.Lines[i].Residual = decimal.Zero
			if m.Lines[i].Key == LineReceivable {
				m.Lines[i].Residual = m.Lines[i].Balance()
			}
			m.Lines[i].Reconciled = false
		}
		m.State = MovePosted
		if m.Kind == MoveInvoice || m.Kind == MoveRefund {
			m.PaymentState = NotPaid
		}
		if m.ID == 0 {
			if err := p.repos.Moves.Create(ctx, m); err != nil {
				return fmt.Errorf("post move: %w", err)
			}
		} else if err := p.repos.Moves.Update(ctx, m); err != nil {
			return fmt.Errorf("post move: %w", err)
		}
		p.logger.Debug("move posted", slog.Int64("move_id", m.ID), slog.String("name", m.Name), slog.String("total", m.Total().String()))
		return nil
	})
}

func (p *Poster) nextName(ctx context.Context, m *Move) (string, error) {
	prefix := "MISC"
	if m.JournalID != 0 {
		j, err := p.Journal(ctx, m.JournalID)
		if err != nil {
			return "", err
		}
		prefix = j.Code
	}
	return p.NextName(ctx, m.CompanyID, prefix, m.Date)
}

// NextName draws the next "PREFIX/YYYY/0001" document name.
func (p *Poster) NextName(ctx context.Context, companyID int64, prefix string, date time.Time) (string, error) {
	year := date.Year()
	var next int64
	err := p.tx.WithTx(ctx, func(ctx context.Context) error {
		seq, err := p.repos.Sequences.First(ctx, store.Where().Company(companyID).Eq("prefix", prefix).Eq("year", year))
		if errors.Is(err, shared.ErrNotFound) {
			seq = &Sequence{Prefix: prefix, Year: year, Next: 2}
			seq.CompanyID = companyID
			next = 1
			return p.repos.Sequences.Create(ctx, seq)
		}
		if err != nil {
			return err
		}
		next = seq.Next
		seq.Next++
		return p.repos.Sequences.Update(ctx, seq)
	})
	if err != nil {
		return "", fmt.Errorf("sequence %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s/%d/%04d", prefix, year, next), nil
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// Reconcile closes the open lines of src against the open lines of
// targets that share an account and sit on the opposite side. It returns
// the amount matched; reconciling twice matches nothing the second time.
func (p *Poster) Reconcile(ctx context.Context, src *Move, targets ...*Move) (decimal.Decimal, error) {
	matched := decimal.Zero
	if src.State != MovePosted {
		return matched, fmt.Errorf("%w: move %q is not posted", ErrInvalidState, src.Name)
	}
	for _, t := range targets {
		if t.State != MovePosted {
			return matched, fmt.Errorf("%w: move %q is not posted", ErrInvalidState, t.Name)
		}
	}
	err := p.tx.WithTx(ctx, func(ctx context.Context) error {
		touched := make(map[*Move]bool)
		for i := range src.Lines {
			sl := &src.Lines[i]
			for _, t := range targets {
				for j := range t.Lines {
					if sl.Residual.IsZero() {
						break
					}
					tl := &t.Lines[j]
					if tl.AccountID != sl.AccountID || tl.Residual.IsZero() || tl.Residual.Sign() == sl.Residual.Sign() {
						continue
					}
					amount := decimal.Min(sl.Residual.Abs(), tl.Residual.Abs())
					sl.Residual = towardZero(sl.Residual, amount)
					tl.Residual = towardZero(tl.Residual, amount)
					sl.Reconciled = sl.Residual.IsZero()
					tl.Reconciled = tl.Residual.IsZero()
					matched = matched.Add(amount)
					touched[src] = true
					touched[t] = true
				}
			}
		}
		for m := range touched {
			m.refreshPaymentState()
			if err := p.repos.Moves.Update(ctx, m); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
		}
		return nil
	})
	return matched, err
}

func towardZero(v, amount decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return v.Add(amount)
	}
	return v.Sub(amount)
}

// refreshPaymentState derives the payment state of an invoice or refund
// from its receivable lines.
func (m *Move) refreshPaymentState() {
	if m.Kind != MoveInvoice && m.Kind != MoveRefund {
		return
	}
	if m.PaymentState == Reversed {
		return
	}
	open, total := decimal.Zero, decimal.Zero
	for _, l := range m.Lines {
		if l.Key != LineReceivable {
			continue
		}
		open = open.Add(l.Residual.Abs())
		total = total.Add(l.Balance().Abs())
	}
	switch {
	case total.IsZero():
		return
	case open.IsZero():
		m.PaymentState = Paid
	case open.LessThan(total):
		m.PaymentState = Partial
	default:
		m.PaymentState = NotPaid
	}
}

// OpenLines returns the unreconciled lines of m on account.
func (m *Move) OpenLines(accountID int64) []MoveLine {
	var out []MoveLine
	for _, l := range m.Lines {
		if l.AccountID == accountID && !l.Residual.IsZero() {
			out = append(out, l)
		}
	}
	return out
}

// ============================================================================
// REVERSAL
// ============================================================================

// ReversalOf returns the reversal of move id, if one exists.
func (p *Poster) ReversalOf(ctx context.Context, companyID, id int64) (*Move, bool, error) {
	m, err := p.repos.Moves.First(ctx, store.Where().Company(companyID).Eq("reversed_entry_id", id))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Reverse posts the mirror image of original, named "R" plus the original
// name, and reconciles whatever of the original is still open against it.
func (p *Poster) Reverse(ctx context.Context, original *Move, date time.Time) (*Move, error) {
	if original.State != MovePosted {
		return nil, fmt.Errorf("%w: only posted moves can be reversed", ErrInvalidState)
	}
	if existing, ok, err := p.ReversalOf(ctx, original.CompanyID, original.ID); err != nil {
		return nil, err
	} else if ok {
		return existing, ErrAlreadyReversed
	}
	kind := MoveEntry
	if original.Kind == MoveInvoice {
		kind = MoveRefund
	}
	reversal := &Move{
		Name:            defaultReversalName(original.Name),
		Kind:            kind,
		JournalID:       original.JournalID,
		CustomerID:      original.CustomerID,
		OrderID:         original.OrderID,
		Ref:             original.Ref,
		Date:            date,
		SaleCenterID:    original.SaleCenterID,
		SourceID:        SourceID("REVERSAL:", original.ID),
		ReversedEntryID: original.ID,
		Lines:           reverseLines(original.Lines),
	}
	reversal.CompanyID = original.CompanyID
	err := p.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := p.Post(ctx, reversal); err != nil {
			return err
		}
		if _, err := p.Reconcile(ctx, reversal, original); err != nil {
			return err
		}
		original.PaymentState = Reversed
		return p.repos.Moves.Update(ctx, original)
	})
	if err != nil {
		return nil, fmt.Errorf("reverse %q: %w", original.Name, err)
	}
	p.logger.Info("move reversed",
		slog.Int64("move_id", original.ID),
		slog.Int64("reversal_id", reversal.ID),
		slog.String("name", reversal.Name))
	return reversal, nil
}

func reverseLines(lines []MoveLine) []MoveLine {
	out := make([]MoveLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, MoveLine{
			Key:       line.Key,
			AccountID: line.AccountID,
			Debit:     line.Credit,
			Credit:    line.Debit,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Name:      line.Name,
		})
	}
	return out
}

func defaultReversalName(name string) string {
	if name == "" {
		return ""
	}
	return "R" + name
}
