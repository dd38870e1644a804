package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxHWIDLength bounds the hardware identifier accepted by validation.
const MaxHWIDLength = 128

// MaxBatchQuantity bounds a single key generation request.
const MaxBatchQuantity = 1000

// ValidateValidateRequest checks the shape of a validation request.
func ValidateValidateRequest(req ValidateRequest) error {
	if strings.TrimSpace(req.KeyValue) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidArgument)
	}
	if req.ScriptID != "" {
		if _, err := uuid.Parse(req.ScriptID); err != nil {
			return fmt.Errorf("%w: scriptId must be a UUID", ErrInvalidArgument)
		}
	}
	if len(req.HWID) > MaxHWIDLength {
		return fmt.Errorf("%w: hwid exceeds %d characters", ErrInvalidArgument, MaxHWIDLength)
	}
	return nil
}

// ValidateGenerateParams checks a key generation batch before any storage work.
func ValidateGenerateParams(p GenerateKeysParams, now time.Time) error {
	if p.ScriptID == "" || p.OwnerID == "" {
		return fmt.Errorf("%w: script and owner are required", ErrInvalidArgument)
	}
	if _, err := uuid.Parse(p.ScriptID); err != nil {
		return fmt.Errorf("%w: script id must be a UUID", ErrInvalidArgument)
	}
	if p.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidArgument)
	}
	if p.Quantity > MaxBatchQuantity {
		return fmt.Errorf("%w: quantity must not exceed %d", ErrInvalidArgument, MaxBatchQuantity)
	}
	if p.MaxDevices < 0 {
		return fmt.Errorf("%w: max devices must not be negative", ErrInvalidArgument)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidArgument)
	}
	return nil
}
