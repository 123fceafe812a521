package db

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"firerisk/internal/archive"
	"firerisk/internal/types"
)

// BreakerConfig tunes the inventory circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
}

// BreakingInventory guards an archive.Inventory with a circuit breaker.
// Client faults such as a missing file do not count as failures.
type BreakingInventory struct {
	next    archive.Inventory
	breaker *gobreaker.CircuitBreaker[[]archive.Entry]
}

// NewBreakingInventory wraps next.
func NewBreakingInventory(next archive.Inventory, cfg BreakerConfig) *BreakingInventory {
	if cfg.Name == "" {
		cfg.Name = "inventory"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	maxFailures := cfg.MaxFailures

	cb := gobreaker.NewCircuitBreaker[[]archive.Entry](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var appErr *types.AppError
			return errors.As(err, &appErr) && appErr.Code.IsClientFault()
		},
	})
	return &BreakingInventory{next: next, breaker: cb}
}

// State reports the breaker state, for health output.
func (b *BreakingInventory) State() string {
	return b.breaker.State().String()
}

// FindByDate implements archive.Inventory.
func (b *BreakingInventory) FindByDate(ctx context.Context, dataset string, selector time.Time) (archive.Entry, error) {
	out, err := b.breaker.Execute(func() ([]archive.Entry, error) {
		e, err := b.next.FindByDate(ctx, dataset, selector)
		if err != nil {
			return nil, err
		}
		return []archive.Entry{e}, nil
	})
	if err != nil {
		return archive.Entry{}, mapBreakerError(err)
	}
	return out[0], nil
}

// List implements archive.Inventory.
func (b *BreakingInventory) List(ctx context.Context, dataset string) ([]archive.Entry, error) {
	out, err := b.breaker.Execute(func() ([]archive.Entry, error) {
		return b.next.List(ctx, dataset)
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return out, nil
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamInventory,
			"circuit breaker is open; raw file inventory unavailable",
			err,
		)
	}
	return err
}
