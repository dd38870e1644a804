package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
	"github.com/scripthub/licensing/internal/infrastructure/metrics"
)

type planService struct {
	store  ports.Store
	clock  ports.Clock
	policy domain.PlanPolicy
	logger *slog.Logger
}

// NewPlanService returns the plan and maximums resolver. A nil clock reads the
// system time and a nil logger uses slog.Default().
func NewPlanService(store ports.Store, clock ports.Clock, policy domain.PlanPolicy, logger *slog.Logger) ports.PlanService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &planService{store: store, clock: clock, policy: policy, logger: logger}
}

func (s *planService) GetUserPlan(ctx context.Context, userID string) (*domain.UserPlan, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	now := s.clock.Now()
	var plan *domain.UserPlan
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errResolve error
		plan, errResolve = resolvePlan(ctx, tx, userID, now, s.policy, s.logger)
		return errResolve
	})
	if err != nil {
		s.logger.Error("failed to resolve user plan", "user_id", userID, "error", err)
		return nil, domain.Storage("get user plan", err)
	}
	return plan, nil
}

func (s *planService) GetUserMaximums(ctx context.Context, userID string, planType domain.PlanType) (*domain.UserMaximums, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if !planType.Valid() {
		return nil, fmt.Errorf("%w: unknown plan type %q", domain.ErrInvalidArgument, planType)
	}
	now := s.clock.Now()
	var maximums *domain.UserMaximums
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errResolve error
		maximums, errResolve = resolveMaximums(ctx, tx, userID, planType, now, s.policy)
		return errResolve
	})
	if err != nil {
		s.logger.Error("failed to resolve user maximums", "user_id", userID, "error", err)
		return nil, domain.Storage("get user maximums", err)
	}
	return maximums, nil
}

func (s *planService) GetUserPlanWithMaximums(ctx context.Context, userID string) (*domain.PlanWithMaximums, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	now := s.clock.Now()
	res := &domain.PlanWithMaximums{}
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		plan, errPlan := resolvePlan(ctx, tx, userID, now, s.policy, s.logger)
		if errPlan != nil {
			return errPlan
		}
		maximums, errMax := resolveMaximums(ctx, tx, userID, plan.PlanType, now, s.policy)
		if errMax != nil {
			return errMax
		}
		res.Plan, res.Maximums = plan, maximums
		return nil
	})
	if err != nil {
		s.logger.Error("failed to resolve user plan with maximums", "user_id", userID, "error", err)
		return nil, domain.Storage("get user plan with maximums", err)
	}
	return res, nil
}

// resolvePlan returns the user's locked plan, creating a free plan on first
// access and downgrading an expired plan to free. A downgrade also resets the
// user's maximums to the free tier.
// Lock order is always plan, then maximums.
func resolvePlan(ctx context.Context, tx ports.Tx, userID string, now time.Time, policy domain.PlanPolicy, logger *slog.Logger) (*domain.UserPlan, error) {
	seed := &domain.UserPlan{UserID: userID, PlanType: domain.PlanFree, StartedAt: now}
	if err := tx.EnsurePlan(ctx, seed); err != nil {
		return nil, fmt.Errorf("ensure plan: %w", err)
	}
	plan, err := tx.GetPlanForUpdate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan for user %s missing after insert", userID)
	}
	if !plan.IsExpiredAt(now) {
		return plan, nil
	}

	previous := plan.PlanType
	plan.PlanType = domain.PlanFree
	plan.StartedAt = now
	plan.ExpiresAt = nil
	if policy.FreshWindowOnDowngrade {
		expires := now.Add(policy.ResetWindow)
		plan.ExpiresAt = &expires
	}
	if err := tx.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("downgrade plan: %w", err)
	}

	free := policy.Tiers.For(domain.PlanFree)
	if err := tx.EnsureMaximums(ctx, seedMaximums(userID, free, now, policy)); err != nil {
		return nil, fmt.Errorf("ensure maximums: %w", err)
	}
	if err := tx.UpdateMaximums(ctx, userID, domain.ResetTo(free, now.Add(policy.ResetWindow))); err != nil {
		return nil, fmt.Errorf("reset maximums on downgrade: %w", err)
	}

	metrics.PlanDowngrades.WithLabelValues(string(previous)).Inc()
	logger.Info("plan expired, downgraded to free", "user_id", userID, "from", previous)
	return plan, nil
}

// resolveMaximums returns the user's locked counters, creating them with the
// tier defaults on first access and resetting them when the window has passed.
func resolveMaximums(ctx context.Context, tx ports.Tx, userID string, planType domain.PlanType, now time.Time, policy domain.PlanPolicy) (*domain.UserMaximums, error) {
	tier := policy.Tiers.For(planType)
	if err := tx.EnsureMaximums(ctx, seedMaximums(userID, tier, now, policy)); err != nil {
		return nil, fmt.Errorf("ensure maximums: %w", err)
	}
	maximums, err := tx.GetMaximumsForUpdate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock maximums: %w", err)
	}
	if maximums == nil {
		return nil, fmt.Errorf("maximums for user %s missing after insert", userID)
	}
	if !maximums.MaximumsResetAt.Before(now) {
		return maximums, nil
	}

	resetAt := now.Add(policy.ResetWindow)
	if err := tx.UpdateMaximums(ctx, userID, domain.ResetTo(tier, resetAt)); err != nil {
		return nil, fmt.Errorf("reset maximums: %w", err)
	}
	maximums.Apply(tier)
	maximums.MaximumsResetAt = resetAt
	metrics.MaximumsResets.WithLabelValues(string(planType)).Inc()
	return maximums, nil
}

func seedMaximums(userID string, tier domain.TierDefaults, now time.Time, policy domain.PlanPolicy) *domain.UserMaximums {
	m := &domain.UserMaximums{UserID: userID, MaximumsResetAt: now.Add(policy.ResetWindow)}
	m.Apply(tier)
	return m
}
