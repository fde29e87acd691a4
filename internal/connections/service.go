// Package connections manages the configured POS instances and their
// connectivity state.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

// ClientFactory builds a transport client for a connection.
type ClientFactory func(conn *Connection) (*agora.Client, error)

// NewClientFactory returns a factory applying the given transport settings.
func NewClientFactory(timeout time.Duration, ratePerSecond float64) ClientFactory {
	return func(conn *Connection) (*agora.Client, error) {
		return agora.NewClient(agora.Config{
			BaseURL:       conn.BaseURL,
			Token:         conn.APIToken,
			Timeout:       timeout,
			RatePerSecond: ratePerSecond,
		})
	}
}

// Service validates and persists connections.
type Service struct {
	repo     store.Repository[Connection]
	clients  ClientFactory
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a connection service.
func NewService(repo store.Repository[Connection], clients ClientFactory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		clients:  clients,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, used in tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Get loads a connection by id.
func (s *Service) Get(ctx context.Context, id int64) (*Connection, error) {
	conn, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", id, err)
	}
	return conn, nil
}

// Client builds the transport client for conn.
func (s *Service) Client(conn *Connection) (*agora.Client, error) {
	return s.clients(conn)
}

// Save creates or updates conn. A transition into the connected state is
// only accepted after a successful probe, and a company may hold a single
// connected connection.
func (s *Service) Save(ctx context.Context, conn *Connection) error {
	conn.applyDefaults()
	if err := s.validate.Struct(conn); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if conn.State == StateConnected {
		if err := s.ensureSingleConnected(ctx, conn); err != nil {
			return err
		}
		verified := false
		if conn.ID != 0 {
			prev, err := s.repo.Get(ctx, conn.ID)
			if err != nil {
				return fmt.Errorf("connection %d: %w", conn.ID, err)
			}
			verified = prev.State == StateConnected &&
				prev.BaseURL == conn.BaseURL &&
				prev.APIToken == conn.APIToken
		}
		if !verified {
			if err := s.probe(ctx, conn); err != nil {
				return err
			}
			at := s.now()
			conn.LastConnection = &at
			conn.StatusMessage = ""
		}
	}
	if conn.ID == 0 {
		return s.repo.Create(ctx, conn)
	}
	return s.repo.Update(ctx, conn)
}

// TestConnection probes the POS and records the outcome on the connection.
// The probe error is returned after the disconnected state is persisted.
func (s *Service) TestConnection(ctx context.Context, id int64) (*Connection, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if probeErr := s.probe(ctx, conn); probeErr != nil {
		conn.State = StateDisconnected
		conn.StatusMessage = probeErr.Error()
		if err := s.repo.Update(ctx, conn); err != nil {
			return nil, errors.Join(probeErr, err)
		}
		s.logger.Warn("connection probe failed", slog.Int64("connection_id", id), slog.Any("error", probeErr))
		return conn, probeErr
	}
	if err := s.ensureSingleConnected(ctx, conn); err != nil {
		return nil, err
	}
	at := s.now()
	conn.State = StateConnected
	conn.LastConnection = &at
	conn.StatusMessage = ""
	if err := s.repo.Update(ctx, conn); err != nil {
		return nil, err
	}
	s.logger.Info("connection verified", slog.Int64("connection_id", id))
	return conn, nil
}

// MarkDisconnected flips a connection to disconnected after a connectivity
// failure observed by a sync run. The stored record is reloaded so counters
// advanced during the run are kept.
func (s *Service) MarkDisconnected(ctx context.Context, id int64, cause error) error {
	conn, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("connection %d: %w", id, err)
	}
	if conn.State == StateDisconnected {
		return nil
	}
	conn.State = StateDisconnected
	if cause != nil {
		conn.StatusMessage = cause.Error()
	}
	if err := s.repo.Update(ctx, conn); err != nil {
		return fmt.Errorf("connection %d: %w", id, err)
	}
	s.logger.Warn("connection marked disconnected", slog.Int64("connection_id", id), slog.Any("error", cause))
	return nil
}

// Disconnect moves the connection to the disconnected state.
func (s *Service) Disconnect(ctx context.Context, id int64) (*Connection, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	conn.State = StateDisconnected
	conn.StatusMessage = ""
	if err := s.repo.Update(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// ActiveConnections lists every connected connection across companies.
func (s *Service) ActiveConnections(ctx context.Context) ([]*Connection, error) {
	return s.repo.Find(ctx, store.Where().Eq("state", StateConnected))
}

func (s *Service) ensureSingleConnected(ctx context.Context, conn *Connection) error {
	others, err := s.repo.Find(ctx, store.Where().Company(conn.CompanyID).Eq("state", StateConnected))
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID != conn.ID {
			return &shared.DuplicateConfigurationError{
				Rule:   "one connected connection per company",
				Detail: fmt.Sprintf("company %d already connected through %q", conn.CompanyID, other.Name),
			}
		}
	}
	return nil
}

func (s *Service) probe(ctx context.Context, conn *Connection) error {
	client, err := s.clients(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if err := client.Probe(ctx); err != nil {
		return fmt.Errorf("probe %s: %w", conn.Name, err)
	}
	return nil
}
