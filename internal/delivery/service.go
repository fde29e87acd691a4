package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// Repos bundles the delivery repositories.
type Repos struct {
	Deliveries store.Repository[Delivery]
	Levels     store.Repository[StockLevel]
	Scraps     store.Repository[Scrap]
}

func NewMemoryRepos() Repos {
	return Repos{
		Deliveries: store.NewMemory[Delivery](KindDelivery),
		Levels:     store.NewMemory[StockLevel](KindStockLevel),
		Scraps:     store.NewMemory[Scrap](KindScrap),
	}
}

func NewPostgresRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Deliveries: store.NewPostgres[Delivery](pool, KindDelivery),
		Levels:     store.NewPostgres[StockLevel](pool, KindStockLevel),
		Scraps:     store.NewPostgres[Scrap](pool, KindScrap),
	}
}

// Service drives deliveries through confirm, assign and validate.
type Service struct {
	repos  Repos
	tx     store.Transactor
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a delivery service.
func NewService(repos Repos, tx store.Transactor, logger *slog.Logger) *Service {
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repos: repos, tx: tx, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create stores a draft delivery. Moves with a non-positive quantity are
// dropped and quantities of one product are merged.
func (s *Service) Create(ctx context.Context, companyID, orderID int64, origin string, moves []Move) (*Delivery, error) {
	merged := make([]Move, 0, len(moves))
	index := make(map[int64]int)
	for _, m := range moves {
		if !m.Quantity.IsPositive() {
			continue
		}
		if i, ok := index[m.ProductID]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(m.Quantity)
			continue
		}
		index[m.ProductID] = len(merged)
		merged = append(merged, m)
	}
	d := &Delivery{OrderID: orderID, Origin: origin, State: StateDraft, Moves: merged}
	d.CompanyID = companyID
	if err := s.repos.Deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	return d, nil
}

// Get loads a delivery.
func (s *Service) Get(ctx context.Context, id int64) (*Delivery, error) {
	d, err := s.repos.Deliveries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delivery %d: %w", id, err)
	}
	return d, nil
}

// Confirm moves a draft delivery to confirmed.
func (s *Service) Confirm(ctx context.Context, d *Delivery) error {
	if !d.State.CanConfirm() {
		return fmt.Errorf("%w: confirm %s delivery %d", ErrInvalidState, d.State, d.ID)
	}
	d.State = StateConfirmed
	return s.repos.Deliveries.Update(ctx, d)
}

// Assign reserves stock for every move. When any tracked product is short
// nothing is reserved, the attempt is counted and false is returned.
func (s *Service) Assign(ctx context.Context, d *Delivery) (bool, error) {
	if !d.State.CanAssign() {
		return false, fmt.Errorf("%w: assign %s delivery %d", ErrInvalidState, d.State, d.ID)
	}
	assigned := false
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		levels := make([]*StockLevel, len(d.Moves))
		var short []int64
		for i, m := range d.Moves {
			level, err := s.level(ctx, d.CompanyID, m.ProductID)
			if err != nil {
				return err
			}
			levels[i] = level
			if level != nil && level.Available().LessThan(m.Quantity) {
				short = append(short, m.ProductID)
			}
		}
		now := s.now()
		d.Attempts++
		d.LastAttemptAt = &now
		if len(short) > 0 {
			d.LastError = fmt.Sprintf("insufficient stock for products %v", short)
			return s.repos.Deliveries.Update(ctx, d)
		}
		for i, m := range d.Moves {
			if levels[i] == nil {
				continue
			}
			levels[i].Reserved = levels[i].Reserved.Add(m.Quantity)
			if err := s.repos.Levels.Update(ctx, levels[i]); err != nil {
				return err
			}
		}
		d.State = StateAssigned
		d.LastError = ""
		assigned = true
		return s.repos.Deliveries.Update(ctx, d)
	})
	return assigned, err
}

// Validate consumes the reserved stock and completes the delivery.
func (s *Service) Validate(ctx context.Context, d *Delivery) error {
	if !d.State.CanValidate() {
		return fmt.Errorf("%w: validate %s delivery %d", ErrInvalidState, d.State, d.ID)
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, m := range d.Moves {
			level, err := s.level(ctx, d.CompanyID, m.ProductID)
			if err != nil {
				return err
			}
			if level == nil {
				continue
			}
			level.OnHand = level.OnHand.Sub(m.Quantity)
			level.Reserved = decimal.Max(level.Reserved.Sub(m.Quantity), decimal.Zero)
			if err := s.repos.Levels.Update(ctx, level); err != nil {
				return err
			}
		}
		now := s.now()
		d.State = StateDone
		d.DoneAt = &now
		return s.repos.Deliveries.Update(ctx, d)
	})
}

// Fulfil drives a delivery as far as stock allows and reports whether it
// ended done. A short delivery stays pending for a later sweep.
func (s *Service) Fulfil(ctx context.Context, d *Delivery) (bool, error) {
	if d.State == StateDone {
		return true, nil
	}
	if !d.State.Open() {
		return false, fmt.Errorf("%w: fulfil %s delivery %d", ErrInvalidState, d.State, d.ID)
	}
	if d.State == StateDraft {
		if err := s.Confirm(ctx, d); err != nil {
			return false, err
		}
	}
	if d.State == StateConfirmed {
		ok, err := s.Assign(ctx, d)
		if err != nil || !ok {
			return false, err
		}
	}
	if err := s.Validate(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel cancels an open delivery, releasing its reservations. A done
// delivery is returned to stock instead. It reports the resulting state.
func (s *Service) Cancel(ctx context.Context, d *Delivery) (State, error) {
	switch {
	case d.State == StateCancel || d.State == StateReturned:
		return d.State, nil
	case d.State == StateDone:
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.adjust(ctx, d, func(l *StockLevel, q decimal.Decimal) { l.OnHand = l.OnHand.Add(q) }); err != nil {
				return err
			}
			d.State = StateReturned
			return s.repos.Deliveries.Update(ctx, d)
		})
		return d.State, err
	default:
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			if d.State == StateAssigned {
				release := func(l *StockLevel, q decimal.Decimal) {
					l.Reserved = decimal.Max(l.Reserved.Sub(q), decimal.Zero)
				}
				if err := s.adjust(ctx, d, release); err != nil {
					return err
				}
			}
			d.State = StateCancel
			return s.repos.Deliveries.Update(ctx, d)
		})
		return d.State, err
	}
}

func (s *Service) adjust(ctx context.Context, d *Delivery, fn func(*StockLevel, decimal.Decimal)) error {
	for _, m := range d.Moves {
		level, err := s.level(ctx, d.CompanyID, m.ProductID)
		if err != nil {
			return err
		}
		if level == nil {
			continue
		}
		fn(level, m.Quantity)
		if err := s.repos.Levels.Update(ctx, level); err != nil {
			return err
		}
	}
	return nil
}

// Pending lists open deliveries, least recently attempted first with
// never-attempted ones leading.
func (s *Service) Pending(ctx context.Context, companyID int64, limit int) ([]*Delivery, error) {
	q := store.Where().
		In("state", string(StateDraft), string(StateConfirmed), string(StateAssigned)).
		OrderBy("last_attempt_at", false, true).
		Limit(limit)
	if companyID != 0 {
		q = q.Company(companyID)
	}
	return s.repos.Deliveries.Find(ctx, q)
}

// Receive adds quantity to the tracked stock of a product.
func (s *Service) Receive(ctx context.Context, companyID, productID int64, qty decimal.Decimal) error {
	level, err := s.level(ctx, companyID, productID)
	if err != nil {
		return err
	}
	if level == nil {
		level = &StockLevel{ProductID: productID, OnHand: qty, Tracked: true}
		level.CompanyID = companyID
		return s.repos.Levels.Create(ctx, level)
	}
	level.OnHand = level.OnHand.Add(qty)
	return s.repos.Levels.Update(ctx, level)
}

// WriteOff records a loss once per loss id and removes the quantity from
// tracked stock. It reports whether a write-off was created.
func (s *Service) WriteOff(ctx context.Context, sc Scrap) (*Scrap, bool, error) {
	existing, err := s.repos.Scraps.First(ctx, store.Where().Company(sc.CompanyID).Eq("loss_id", sc.LossID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, false, err
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Scraps.Create(ctx, &sc); err != nil {
			return err
		}
		level, err := s.level(ctx, sc.CompanyID, sc.ProductID)
		if err != nil || level == nil {
			return err
		}
		level.OnHand = level.OnHand.Sub(sc.Quantity)
		return s.repos.Levels.Update(ctx, level)
	})
	if err != nil {
		return nil, false, fmt.Errorf("write off loss %d: %w", sc.LossID, err)
	}
	return &sc, true, nil
}

// level returns the tracked stock level of a product or nil.
func (s *Service) level(ctx context.Context, companyID, productID int64) (*StockLevel, error) {
	level, err := s.repos.Levels.First(ctx, store.Where().Company(companyID).Eq("product_id", productID))
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !level.Tracked {
		return nil, nil
	}
	return level, nil
}
