package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// ErrInvalidRange rejects a date window whose start is after its end.
var ErrInvalidRange = fmt.Errorf("%w: from date is after to date", shared.ErrValidation)

type batchKey struct {
	date         string
	methodCode   string
	journalID    int64
	methodLineID int64
}

// BatchDeposits groups posted inbound payments dated within [from, to]
// that are not batched yet, one batch per day, method, journal and
// journal method line. Payments join an open batch with the same key
// when one exists.
func (s *Service) BatchDeposits(ctx context.Context, companyID int64, from, to time.Time) ([]*ledger.PaymentBatch, error) {
	from, to = day(from), day(to)
	if from.After(to) {
		return nil, ErrInvalidRange
	}
	repos := s.poster.Repos()
	pending, err := repos.Payments.Find(ctx, store.Where().
		Company(companyID).
		Eq("direction", ledger.Inbound).
		In("state", ledger.PaymentPosted, ledger.PaymentReconciled).
		Eq("batch_id", 0).
		OrderBy("date", false, false))
	if err != nil {
		return nil, fmt.Errorf("batch deposits: %w", err)
	}

	var (
		order   []batchKey
		grouped = make(map[batchKey][]*ledger.Payment)
	)
	for _, p := range pending {
		d := day(p.Date)
		if d.Before(from) || d.After(to) {
			continue
		}
		key := batchKey{date: d.Format(agora.DayLayout), methodCode: p.MethodCode, journalID: p.JournalID, methodLineID: p.MethodLineID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], p)
	}

	var touched []*ledger.PaymentBatch
	err = s.poster.Tx().WithTx(ctx, func(ctx context.Context) error {
		for _, key := range order {
			batch, err := s.openBatch(ctx, companyID, key)
			if err != nil {
				return err
			}
			for _, p := range grouped[key] {
				batch.PaymentIDs = append(batch.PaymentIDs, p.ID)
				batch.Amount = batch.Amount.Add(p.Amount)
				p.BatchID = batch.ID
				if err := repos.Payments.Update(ctx, p); err != nil {
					return err
				}
			}
			if err := repos.Batches.Update(ctx, batch); err != nil {
				return err
			}
			touched = append(touched, batch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch deposits: %w", err)
	}
	if len(touched) > 0 {
		s.logger.Info("payment batches updated",
			slog.Int64("company_id", companyID),
			slog.Int("batches", len(touched)),
			slog.Int("payments", len(pending)))
	}
	return touched, nil
}

func (s *Service) openBatch(ctx context.Context, companyID int64, key batchKey) (*ledger.PaymentBatch, error) {
	repos := s.poster.Repos()
	batch, err := repos.Batches.First(ctx, store.Where().
		Company(companyID).
		Eq("date", key.date).
		Eq("method_code", key.methodCode).
		Eq("journal_id", key.journalID).
		Eq("method_line_id", key.methodLineID).
		Eq("state", ledger.BatchOpen))
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	date, _ := time.Parse(agora.DayLayout, key.date)
	name, err := s.poster.NextName(ctx, companyID, "BATCH", date)
	if err != nil {
		return nil, err
	}
	batch = &ledger.PaymentBatch{
		Name:         name,
		Date:         key.date,
		MethodCode:   key.methodCode,
		JournalID:    key.journalID,
		MethodLineID: key.methodLineID,
		State:        ledger.BatchOpen,
	}
	batch.CompanyID = companyID
	if err := repos.Batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// SendBatch closes a batch; later payments of the same key open a new one.
func (s *Service) SendBatch(ctx context.Context, id int64) (*ledger.PaymentBatch, error) {
	batch, err := s.poster.Repos().Batches.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", id, err)
	}
	if batch.State == ledger.BatchSent {
		return batch, nil
	}
	batch.State = ledger.BatchSent
	if err := s.poster.Repos().Batches.Update(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
