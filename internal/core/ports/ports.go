package ports

import (
	"context"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
)

// KeyRepository persists license keys and their device bindings.
type KeyRepository interface {
	// GetScriptOwner returns the owner of a script, or "" when it does not exist.
	GetScriptOwner(ctx context.Context, scriptID string) (string, error)
	CreateKey(ctx context.Context, key *domain.LicenseKey) error
	// GetKeyByValueForUpdate loads a key with its script title and locks the row
	// for the rest of the transaction. Returns nil, nil when absent.
	GetKeyByValueForUpdate(ctx context.Context, keyValue string) (*domain.LicenseKey, error)
	// GetKeyForUpdate loads and locks a key owned by ownerID. Returns nil, nil when absent.
	GetKeyForUpdate(ctx context.Context, keyID string, ownerID string) (*domain.LicenseKey, error)
	ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error)
	UpdateKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error
	TouchKey(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error
	ExpireOverdueKeys(ctx context.Context, now time.Time) (int64, error)
	CountLiveKeys(ctx context.Context, ownerID string) (int, error)
	ListDevices(ctx context.Context, keyID string) ([]domain.KeyDevice, error)
	CreateDevice(ctx context.Context, device *domain.KeyDevice) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
}

// PlanRepository persists subscription plans and quota counters.
type PlanRepository interface {
	// EnsurePlan inserts the plan unless the user already has one.
	EnsurePlan(ctx context.Context, plan *domain.UserPlan) error
	// GetPlanForUpdate loads and locks a user's plan. Returns nil, nil when absent.
	GetPlanForUpdate(ctx context.Context, userID string) (*domain.UserPlan, error)
	UpdatePlan(ctx context.Context, plan *domain.UserPlan) error
	// EnsureMaximums inserts the counters unless the user already has them.
	EnsureMaximums(ctx context.Context, maximums *domain.UserMaximums) error
	// GetMaximumsForUpdate loads and locks a user's counters. Returns nil, nil when absent.
	GetMaximumsForUpdate(ctx context.Context, userID string) (*domain.UserMaximums, error)
	UpdateMaximums(ctx context.Context, userID string, update domain.MaximumsUpdate) error
}

// Tx is a unit of work over every licensing table.
type Tx interface {
	KeyRepository
	PlanRepository
}

// Store opens transactions. fn's error rolls the transaction back; nil commits it.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// APIKeyRepository persists developer API keys.
type APIKeyRepository interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID string, id string) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RateLimiter decides whether a caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type LicenseService interface {
	GenerateKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error)
	IssueKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error)
	ValidateKey(ctx context.Context, req domain.ValidateRequest) (*domain.ValidationResult, error)
	RevokeKey(ctx context.Context, ownerID string, keyID string) (*domain.LicenseKey, error)
	ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error)
	ExpireOverdueKeys(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) map[string]error
}

type QuotaService interface {
	DeductMaximum(ctx context.Context, userID string, maximum domain.MaximumType, amount int) (*domain.UserMaximums, error)
	VerifyKeyQuota(ctx context.Context, userID string, requested int) error
}

type PlanService interface {
	GetUserPlan(ctx context.Context, userID string) (*domain.UserPlan, error)
	GetUserMaximums(ctx context.Context, userID string, planType domain.PlanType) (*domain.UserMaximums, error)
	GetUserPlanWithMaximums(ctx context.Context, userID string) (*domain.PlanWithMaximums, error)
}
