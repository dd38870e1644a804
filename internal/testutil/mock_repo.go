package testutil

import (
	"context"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockAPIKeyRepo implements ports.APIKeyRepository for testing.
type MockAPIKeyRepo struct {
	mock.Mock
}

func (m *MockAPIKeyRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	args := m.Called(keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepo) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockAPIKeyRepo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepo) RevokeAPIKey(ctx context.Context, userID string, id string) error {
	args := m.Called(userID, id)
	return args.Error(0)
}

// MockLicenseService implements ports.LicenseService for testing.
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) GenerateKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LicenseKey), args.Error(1)
}

func (m *MockLicenseService) IssueKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LicenseKey), args.Error(1)
}

func (m *MockLicenseService) ValidateKey(ctx context.Context, req domain.ValidateRequest) (*domain.ValidationResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ValidationResult), args.Error(1)
}

func (m *MockLicenseService) RevokeKey(ctx context.Context, ownerID string, keyID string) (*domain.LicenseKey, error) {
	args := m.Called(ownerID, keyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LicenseKey), args.Error(1)
}

func (m *MockLicenseService) ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error) {
	args := m.Called(ownerID, scriptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LicenseKey), args.Error(1)
}

func (m *MockLicenseService) ExpireOverdueKeys(ctx context.Context) (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLicenseService) HealthCheck(ctx context.Context) map[string]error {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]error)
}

// MockQuotaService implements ports.QuotaService for testing.
type MockQuotaService struct {
	mock.Mock
}

func (m *MockQuotaService) DeductMaximum(ctx context.Context, userID string, maximum domain.MaximumType, amount int) (*domain.UserMaximums, error) {
	args := m.Called(userID, maximum, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserMaximums), args.Error(1)
}

func (m *MockQuotaService) VerifyKeyQuota(ctx context.Context, userID string, requested int) error {
	args := m.Called(userID, requested)
	return args.Error(0)
}

// MockPlanService implements ports.PlanService for testing.
type MockPlanService struct {
	mock.Mock
}

func (m *MockPlanService) GetUserPlan(ctx context.Context, userID string) (*domain.UserPlan, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserPlan), args.Error(1)
}

func (m *MockPlanService) GetUserMaximums(ctx context.Context, userID string, planType domain.PlanType) (*domain.UserMaximums, error) {
	args := m.Called(userID, planType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserMaximums), args.Error(1)
}

func (m *MockPlanService) GetUserPlanWithMaximums(ctx context.Context, userID string) (*domain.PlanWithMaximums, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PlanWithMaximums), args.Error(1)
}
