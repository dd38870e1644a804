package services

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/infrastructure/metrics"
	mocks "github.com/scripthub/licensing/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const month = 30 * 24 * time.Hour

func newPlanFixture(t *testing.T, policy domain.PlanPolicy) (*planService, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc := NewPlanService(store, mocks.NewFixedClock(epoch), policy, nil).(*planService)
	return svc, store
}

func TestGetUserPlan_CreatesFreePlan(t *testing.T) {
	svc, store := newPlanFixture(t, domain.DefaultPlanPolicy())

	plan, err := svc.GetUserPlan(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFree, plan.PlanType)
	assert.Equal(t, epoch, plan.StartedAt)
	assert.Nil(t, plan.ExpiresAt)

	// A second read finds the same row.
	again, err := svc.GetUserPlan(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.StartedAt, again.StartedAt)
	assert.Len(t, store.state.plans, 1)
}

func TestGetUserPlanWithMaximums_ResetsProWindow(t *testing.T) {
	svc, store := newPlanFixture(t, domain.DefaultPlanPolicy())
	seedPro(store, "u1", epoch.Add(15*24*time.Hour), domain.UserMaximums{
		MaximumObfuscation: 3, MaximumKeys: 12, MaximumDeployments: 0, MaximumDevicesPerKey: 2,
		MaximumsResetAt: epoch.Add(-time.Second),
	})

	before := testutil.ToFloat64(metrics.MaximumsResets.WithLabelValues("pro"))
	pm, err := svc.GetUserPlanWithMaximums(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, domain.PlanPro, pm.Plan.PlanType)
	want := domain.UserMaximums{
		UserID: "u1", MaximumObfuscation: 50, MaximumKeys: 5000, MaximumDeployments: 100, MaximumDevicesPerKey: 2,
		MaximumsResetAt: epoch.Add(month),
	}
	assert.Equal(t, want, *pm.Maximums)
	assert.Equal(t, want, store.state.maximums["u1"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MaximumsResets.WithLabelValues("pro")))
}

func TestGetUserPlanWithMaximums_KeepsCurrentWindow(t *testing.T) {
	svc, store := newPlanFixture(t, domain.DefaultPlanPolicy())
	current := domain.UserMaximums{MaximumObfuscation: 3, MaximumKeys: 12, MaximumDeployments: 0, MaximumDevicesPerKey: 2, MaximumsResetAt: epoch.Add(time.Hour)}
	seedPro(store, "u1", epoch.Add(15*24*time.Hour), current)

	pm, err := svc.GetUserPlanWithMaximums(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, pm.Maximums.MaximumObfuscation)
	assert.Zero(t, store.countCalls("UpdateMaximums"))
}

func TestResolvePlan_DowngradesExpiredPlan(t *testing.T) {
	tests := []struct {
		name        string
		freshWindow bool
		wantExpiry  *time.Time
	}{
		{"fresh window", true, ptrTime(epoch.Add(month))},
		{"no expiry", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := domain.DefaultPlanPolicy()
			policy.FreshWindowOnDowngrade = tt.freshWindow
			svc, store := newPlanFixture(t, policy)
			seedPro(store, "u1", epoch.Add(-time.Hour), domain.UserMaximums{
				MaximumObfuscation: 40, MaximumKeys: 4000, MaximumDeployments: 90, MaximumDevicesPerKey: 2,
				MaximumsResetAt: epoch.Add(10 * 24 * time.Hour),
			})

			before := testutil.ToFloat64(metrics.PlanDowngrades.WithLabelValues("pro"))
			pm, err := svc.GetUserPlanWithMaximums(context.Background(), "u1")
			require.NoError(t, err)

			assert.Equal(t, domain.PlanFree, pm.Plan.PlanType)
			assert.Equal(t, epoch, pm.Plan.StartedAt)
			assert.Equal(t, tt.wantExpiry, pm.Plan.ExpiresAt)
			assert.Equal(t, domain.UserMaximums{
				UserID: "u1", MaximumObfuscation: 0, MaximumKeys: 10, MaximumDeployments: 3, MaximumDevicesPerKey: 1,
				MaximumsResetAt: epoch.Add(month),
			}, *pm.Maximums)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.PlanDowngrades.WithLabelValues("pro")))
		})
	}
}

func TestGetUserMaximums(t *testing.T) {
	ctx := context.Background()
	svc, store := newPlanFixture(t, domain.DefaultPlanPolicy())

	m, err := svc.GetUserMaximums(ctx, "u2", domain.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, 50000, m.MaximumKeys)
	assert.Equal(t, 10, m.MaximumDevicesPerKey)
	assert.Empty(t, store.state.plans, "reading maximums alone does not create a plan")

	_, err = svc.GetUserMaximums(ctx, "u2", domain.PlanType("platinum"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.GetUserMaximums(ctx, "", domain.PlanFree)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPlanService_ConfiguredTiers(t *testing.T) {
	policy := domain.DefaultPlanPolicy()
	policy.Tiers[domain.PlanFree] = domain.TierDefaults{Obfuscation: 1, Keys: 2, Deployments: 3, DevicesPerKey: 4}
	policy.ResetWindow = 7 * 24 * time.Hour
	svc, _ := newPlanFixture(t, policy)

	pm, err := svc.GetUserPlanWithMaximums(context.Background(), "u3")
	require.NoError(t, err)
	assert.Equal(t, 2, pm.Maximums.MaximumKeys)
	assert.Equal(t, 4, pm.Maximums.MaximumDevicesPerKey)
	assert.Equal(t, epoch.Add(7*24*time.Hour), pm.Maximums.MaximumsResetAt)
}

func TestPlanService_StorageError(t *testing.T) {
	svc, store := newPlanFixture(t, domain.DefaultPlanPolicy())
	store.failOn["GetPlanForUpdate"] = errInjected

	_, err := svc.GetUserPlan(context.Background(), "u1")
	assert.True(t, domain.IsStorage(err))
	assert.ErrorIs(t, err, errInjected)
	assert.Empty(t, store.state.plans)

	_, err = svc.GetUserPlan(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func ptrTime(t time.Time) *time.Time { return &t }
