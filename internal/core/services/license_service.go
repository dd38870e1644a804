package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
	"github.com/scripthub/licensing/internal/infrastructure/metrics"
)

const (
	msgNotFound    = "Invalid license key"
	msgWrongScript = "License key is not valid for this script"
	msgRevoked     = "License key has been revoked"
	msgExpired     = "License key has expired"
)

type licenseService struct {
	store  ports.Store
	clock  ports.Clock
	policy domain.PlanPolicy
	logger *slog.Logger
	newID  func() (uuid.UUID, error)
}

// NewLicenseService returns the key lifecycle engine. A nil clock reads the
// system time and a nil logger uses slog.Default().
func NewLicenseService(store ports.Store, clock ports.Clock, policy domain.PlanPolicy, logger *slog.Logger) ports.LicenseService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		store:  store,
		clock:  clock,
		policy: policy,
		logger: logger,
		newID:  uuid.NewRandom,
	}
}

// GenerateKeys inserts a batch of unused keys in one transaction. Quota is the
// caller's concern; IssueKeys is the quota-enforcing variant.
func (s *licenseService) GenerateKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error) {
	now := s.clock.Now()
	if err := domain.ValidateGenerateParams(params, now); err != nil {
		return nil, err
	}

	var keys []domain.LicenseKey
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errInsert error
		keys, errInsert = s.insertBatch(ctx, tx, params, now)
		return errInsert
	})
	if err != nil {
		s.logger.Error("failed to generate keys", "script_id", params.ScriptID, "owner_id", params.OwnerID, "quantity", params.Quantity, "error", err)
		return nil, domain.Storage("generate keys", err)
	}
	metrics.KeysGenerated.Add(float64(len(keys)))
	return keys, nil
}

// IssueKeys checks script ownership and the owner's key ceiling, then inserts
// the batch, all under the owner's maximums row lock.
func (s *licenseService) IssueKeys(ctx context.Context, params domain.GenerateKeysParams) ([]domain.LicenseKey, error) {
	now := s.clock.Now()
	if err := domain.ValidateGenerateParams(params, now); err != nil {
		return nil, err
	}

	var keys []domain.LicenseKey
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		owner, errOwner := tx.GetScriptOwner(ctx, params.ScriptID)
		if errOwner != nil {
			return fmt.Errorf("load script: %w", errOwner)
		}
		if owner == "" || owner != params.OwnerID {
			return domain.ErrScriptNotFound
		}

		maximums, errQuota := verifyKeyCeiling(ctx, tx, params.OwnerID, params.Quantity, now, s.policy, s.logger)
		if errQuota != nil {
			return errQuota
		}
		if params.MaxDevices > maximums.MaximumDevicesPerKey {
			return &domain.QuotaError{
				Kind:      domain.QuotaExceeded,
				Maximum:   domain.MaximumDevicesPerKey,
				Required:  params.MaxDevices,
				Available: maximums.MaximumDevicesPerKey,
				Limit:     maximums.MaximumDevicesPerKey,
			}
		}

		var errInsert error
		keys, errInsert = s.insertBatch(ctx, tx, params, now)
		return errInsert
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) || errors.Is(err, domain.ErrScriptNotFound) {
			return nil, err
		}
		s.logger.Error("failed to issue keys", "script_id", params.ScriptID, "owner_id", params.OwnerID, "quantity", params.Quantity, "error", err)
		return nil, domain.Storage("issue keys", err)
	}
	metrics.KeysGenerated.Add(float64(len(keys)))
	return keys, nil
}

func (s *licenseService) insertBatch(ctx context.Context, tx ports.Tx, params domain.GenerateKeysParams, now time.Time) ([]domain.LicenseKey, error) {
	keys := make([]domain.LicenseKey, 0, params.Quantity)
	for i := 0; i < params.Quantity; i++ {
		rowID, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate key id: %w", err)
		}
		material, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate key material: %w", err)
		}
		key := domain.LicenseKey{
			ID:         rowID.String(),
			KeyValue:   domain.NewKeyValue(material),
			ScriptID:   params.ScriptID,
			OwnerID:    params.OwnerID,
			Type:       params.Type,
			Status:     domain.KeyStatusUnused,
			MaxDevices: params.MaxDevices,
			ExpiresAt:  params.ExpiresAt,
			Note:       params.Note,
			CreatedAt:  now,
		}
		if err := tx.CreateKey(ctx, &key); err != nil {
			return nil, fmt.Errorf("insert key %d of %d: %w", i+1, params.Quantity, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ValidateKey runs the validation state machine for one request. The key row
// is locked for the whole call so device binding and activation cannot race
// another validation of the same key. Rejections come back as results; the
// error is reserved for invalid input and storage failures.
func (s *licenseService) ValidateKey(ctx context.Context, req domain.ValidateRequest) (*domain.ValidationResult, error) {
	if err := domain.ValidateValidateRequest(req); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var result *domain.ValidationResult
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		key, errGet := tx.GetKeyByValueForUpdate(ctx, req.KeyValue)
		if errGet != nil {
			return fmt.Errorf("load key: %w", errGet)
		}
		if key == nil {
			result = domain.Rejected(domain.ReasonNotFound, msgNotFound)
			return nil
		}
		if req.ScriptID != "" && !sameID(req.ScriptID, key.ScriptID) {
			result = domain.Rejected(domain.ReasonWrongScript, msgWrongScript)
			return nil
		}

		switch key.Status {
		case domain.KeyStatusRevoked:
			result = domain.Rejected(domain.ReasonRevoked, msgRevoked)
			return nil
		case domain.KeyStatusExpired:
			result = domain.Rejected(domain.ReasonExpired, msgExpired)
			return nil
		}

		if key.IsExpiredAt(now) {
			if errExp := tx.UpdateKeyStatus(ctx, key.ID, domain.KeyStatusExpired); errExp != nil {
				return fmt.Errorf("expire key: %w", errExp)
			}
			metrics.KeysExpired.WithLabelValues("validate").Inc()
			result = domain.Rejected(domain.ReasonExpired, msgExpired)
			return nil
		}

		if req.HWID != "" {
			rejected, errBind := s.bindDevice(ctx, tx, key, req.HWID, now)
			if errBind != nil {
				return errBind
			}
			if rejected != nil {
				result = rejected
				return nil
			}
		}

		if errTouch := tx.TouchKey(ctx, key.ID, domain.KeyStatusActive, now); errTouch != nil {
			return fmt.Errorf("activate key: %w", errTouch)
		}
		key.Status = domain.KeyStatusActive
		key.LastActivityAt = &now
		result = domain.Accepted(key)
		return nil
	})
	if err != nil {
		metrics.KeyValidations.WithLabelValues("error").Inc()
		s.logger.Error("failed to validate key", "script_id", req.ScriptID, "hwid", req.HWID, "error", err)
		return nil, domain.Storage("validate key", err)
	}

	label := "valid"
	if !result.Valid {
		label = string(result.Reason)
	}
	metrics.KeyValidations.WithLabelValues(label).Inc()
	return result, nil
}

// bindDevice records hwid against key. It returns a rejection when a new
// device would exceed max_devices, in which case nothing is written.
func (s *licenseService) bindDevice(ctx context.Context, tx ports.Tx, key *domain.LicenseKey, hwid string, now time.Time) (*domain.ValidationResult, error) {
	devices, err := tx.ListDevices(ctx, key.ID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.HWID == hwid {
			if err := tx.TouchDevice(ctx, d.ID, now); err != nil {
				return nil, fmt.Errorf("touch device: %w", err)
			}
			return nil, nil
		}
	}

	if len(devices) >= key.MaxDevices {
		msg := fmt.Sprintf("Device limit reached: %d of %d devices already bound to this key", len(devices), key.MaxDevices)
		return domain.Rejected(domain.ReasonDeviceLimitReached, msg), nil
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate device id: %w", err)
	}
	device := &domain.KeyDevice{
		ID:         id.String(),
		KeyID:      key.ID,
		HWID:       hwid,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := tx.CreateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("bind device: %w", err)
	}
	return nil, nil
}

// RevokeKey moves an owned key to revoked. Keys already in a terminal state are
// returned unchanged.
func (s *licenseService) RevokeKey(ctx context.Context, ownerID string, keyID string) (*domain.LicenseKey, error) {
	if ownerID == "" || keyID == "" {
		return nil, fmt.Errorf("%w: owner and key id are required", domain.ErrInvalidArgument)
	}
	var key *domain.LicenseKey
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errGet error
		key, errGet = tx.GetKeyForUpdate(ctx, keyID, ownerID)
		if errGet != nil {
			return fmt.Errorf("load key: %w", errGet)
		}
		if key == nil {
			return domain.ErrKeyNotFound
		}
		if !key.Status.CanTransitionTo(domain.KeyStatusRevoked) {
			return nil
		}
		if errUpd := tx.UpdateKeyStatus(ctx, key.ID, domain.KeyStatusRevoked); errUpd != nil {
			return fmt.Errorf("revoke key: %w", errUpd)
		}
		key.Status = domain.KeyStatusRevoked
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return nil, err
		}
		s.logger.Error("failed to revoke key", "key_id", keyID, "owner_id", ownerID, "error", err)
		return nil, domain.Storage("revoke key", err)
	}
	s.logger.Info("license key revoked", "key_id", keyID, "owner_id", ownerID)
	return key, nil
}

func (s *licenseService) ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrInvalidArgument)
	}
	var keys []domain.LicenseKey
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errList error
		keys, errList = tx.ListKeys(ctx, ownerID, scriptID)
		return errList
	})
	if err != nil {
		return nil, domain.Storage("list keys", err)
	}
	return keys, nil
}

// ExpireOverdueKeys moves every unused or active key whose expiry has passed to expired.
func (s *licenseService) ExpireOverdueKeys(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var n int64
	err := s.store.InTx(ctx, func(tx ports.Tx) error {
		var errExp error
		n, errExp = tx.ExpireOverdueKeys(ctx, now)
		return errExp
	})
	if err != nil {
		return 0, domain.Storage("expire overdue keys", err)
	}
	metrics.KeysExpired.WithLabelValues("sweeper").Add(float64(n))
	return n, nil
}

func (s *licenseService) HealthCheck(ctx context.Context) map[string]error {
	return map[string]error{"postgres": s.store.Ping(ctx)}
}

// sameID compares two UUIDs in any form uuid.Parse accepts.
func sameID(a, b string) bool {
	ua, err := uuid.Parse(a)
	if err != nil {
		return false
	}
	ub, err := uuid.Parse(b)
	return err == nil && ua == ub
}
