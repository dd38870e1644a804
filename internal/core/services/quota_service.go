package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
	"github.com/scripthub/licensing/internal/infrastructure/metrics"
)

type quotaService struct {
	store  ports.Store
	clock  ports.Clock
	policy domain.PlanPolicy
	logger *slog.Logger
}

// NewQuotaService returns the quota engine. Every check-and-deduct runs under
// the user's maximums row lock.
func NewQuotaService(store ports.Store, clock ports.Clock, policy domain.PlanPolicy, logger *slog.Logger) ports.QuotaService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &quotaService{store: store, clock: clock, policy: policy, logger: logger}
}

func (s *quotaService) DeductMaximum(ctx context.Context, userID string, maximum domain.MaximumType, amount int) (*domain.UserMaximums, error) {
	counter, err := domain.ParseDeductible(string(maximum))
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if amount < 1 {
		return nil, fmt.Errorf("%w: amount must be at least 1", domain.ErrInvalidArgument)
	}

	now := s.clock.Now()
	var updated *domain.UserMaximums
	err = s.store.InTx(ctx, func(tx ports.Tx) error {
		plan, errPlan := resolvePlan(ctx, tx, userID, now, s.policy, s.logger)
		if errPlan != nil {
			return errPlan
		}
		maximums, errMax := resolveMaximums(ctx, tx, userID, plan.PlanType, now, s.policy)
		if errMax != nil {
			return errMax
		}

		available := maximums.Get(counter)
		if available < amount {
			return &domain.QuotaError{Kind: domain.InsufficientQuota, Maximum: counter, Required: amount, Available: available}
		}

		var upd domain.MaximumsUpdate
		upd.SetCounter(counter, available-amount)
		if errUpd := tx.UpdateMaximums(ctx, userID, upd); errUpd != nil {
			return fmt.Errorf("deduct %s: %w", counter, errUpd)
		}
		switch counter {
		case domain.MaximumObfuscation:
			maximums.MaximumObfuscation -= amount
		case domain.MaximumKeys:
			maximums.MaximumKeys -= amount
		case domain.MaximumDeployments:
			maximums.MaximumDeployments -= amount
		}
		updated = maximums
		return nil
	})

	switch {
	case err == nil:
		metrics.QuotaDeductions.WithLabelValues(string(counter), "ok").Inc()
		return updated, nil
	case errors.Is(err, domain.ErrInsufficientQuota):
		metrics.QuotaDeductions.WithLabelValues(string(counter), "insufficient").Inc()
		return nil, err
	default:
		metrics.QuotaDeductions.WithLabelValues(string(counter), "error").Inc()
		s.logger.Error("failed to deduct maximum", "user_id", userID, "maximum", counter, "amount", amount, "error", err)
		return nil, domain.Storage("deduct maximum", err)
	}
}

func (s *quotaService) VerifyKeyQuota(ctx context.Context, userID string, requested int) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if requested < 1 {
		return fmt.Errorf("%w: requested quantity must be at least 1", domain.ErrInvalidArgument)
	}
	now := s.clock.Now()
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		_, errVerify := verifyKeyCeiling(ctx, tx, userID, requested, now, s.policy, s.logger)
		return errVerify
	})
	if err != nil && !errors.Is(err, domain.ErrQuotaExceeded) {
		s.logger.Error("failed to verify key quota", "user_id", userID, "requested", requested, "error", err)
		return domain.Storage("verify key quota", err)
	}
	return err
}

// verifyKeyCeiling checks that the user's unused and active keys plus requested
// stay within maximum_keys. The maximums row stays locked until tx ends, so an
// insert in the same tx cannot race another verification for the same user.
func verifyKeyCeiling(ctx context.Context, tx ports.Tx, userID string, requested int, now time.Time, policy domain.PlanPolicy, logger *slog.Logger) (*domain.UserMaximums, error) {
	plan, err := resolvePlan(ctx, tx, userID, now, policy, logger)
	if err != nil {
		return nil, err
	}
	maximums, err := resolveMaximums(ctx, tx, userID, plan.PlanType, now, policy)
	if err != nil {
		return nil, err
	}
	current, err := tx.CountLiveKeys(ctx, userID)
	if err != nil {
		metrics.KeyQuotaChecks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("count keys: %w", err)
	}
	if current+requested > maximums.MaximumKeys {
		metrics.KeyQuotaChecks.WithLabelValues("exceeded").Inc()
		available := maximums.MaximumKeys - current
		if available < 0 {
			available = 0
		}
		return nil, &domain.QuotaError{
			Kind:      domain.QuotaExceeded,
			Maximum:   domain.MaximumKeys,
			Required:  requested,
			Available: available,
			Current:   current,
			Limit:     maximums.MaximumKeys,
		}
	}
	metrics.KeyQuotaChecks.WithLabelValues("allowed").Inc()
	return maximums, nil
}
