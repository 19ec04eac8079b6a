package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the requested counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// orderNumberFormat renders year and sequence into the customer-facing
// order number, e.g. CB-2024-000042.
const orderNumberFormat = "CB-%04d-%06d"

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo       repositories.CounterRepository
	clock      func() time.Time
	configMu   sync.Mutex
	configured map[string]struct{}
}

// NewCounterService constructs a service that manages counter sequences on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &counterService{
		repo: deps.Repository,
		clock: func() time.Time {
			return clock().UTC()
		},
		configured: make(map[string]struct{}),
	}, nil
}

func (s *counterService) Next(ctx context.Context, cmd CounterCommand) (int64, error) {
	counterID := strings.TrimSpace(cmd.CounterID)
	if counterID == "" {
		return 0, fmt.Errorf("%w: counter id is required", ErrCounterInvalidInput)
	}

	if err := s.ensureConfiguration(ctx, counterID, cmd.Step); err != nil {
		return 0, err
	}

	value, err := s.repo.Next(ctx, counterID, cmd.Step)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return 0, fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return 0, fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return 0, err
	}
	return value, nil
}

// NextOrderNumber draws from a per-year sequence so numbering restarts each
// calendar year.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	now := s.clock()
	counterID := fmt.Sprintf("orders:%04d", now.Year())
	value, err := s.Next(ctx, CounterCommand{CounterID: counterID, Step: 1})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(orderNumberFormat, now.Year(), value), nil
}

func (s *counterService) ensureConfiguration(ctx context.Context, counterID string, step int64) error {
	if step <= 0 {
		return nil
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()

	if _, ok := s.configured[counterID]; ok {
		return nil
	}
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{Step: step}); err != nil {
		return err
	}
	s.configured[counterID] = struct{}{}
	return nil
}
