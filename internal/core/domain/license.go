// Package domain contains the core business entities for the ScriptHub licensing service.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyStatus is the lifecycle state of a license key.
type KeyStatus string

const (
	// KeyStatusUnused is the state of a freshly generated key that has never been validated.
	KeyStatusUnused KeyStatus = "unused"
	// KeyStatusActive is the state of a key after its first successful validation.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusExpired is terminal; the key passed its expires_at.
	KeyStatusExpired KeyStatus = "expired"
	// KeyStatusRevoked is terminal; the issuer withdrew the key.
	KeyStatusRevoked KeyStatus = "revoked"
)

// Terminal reports whether no further transitions are possible from s.
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusExpired || s == KeyStatusRevoked
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	switch s {
	case KeyStatusUnused:
		return next == KeyStatusActive || next == KeyStatusExpired || next == KeyStatusRevoked
	case KeyStatusActive:
		return next == KeyStatusExpired || next == KeyStatusRevoked
	default:
		return false
	}
}

const (
	// KeyPrefix is prepended to every generated key value.
	KeyPrefix = "SH-id"
	// KeyLength is the fixed length of a key value, prefix included.
	KeyLength = 32
)

// NewKeyValue builds a key value from a random identifier: the constant prefix
// followed by the first 27 hex digits of the identifier.
func NewKeyValue(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return KeyPrefix + hex[:KeyLength-len(KeyPrefix)]
}

// LicenseKey is a redeemable credential scoped to one script.
type LicenseKey struct {
	ID             string     `json:"id"`
	KeyValue       string     `json:"key"`
	ScriptID       string     `json:"script_id"`
	OwnerID        string     `json:"owner_id"`
	Type           string     `json:"type"`
	Status         KeyStatus  `json:"status"`
	MaxDevices     int        `json:"max_devices"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Note           *string    `json:"note,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Populated by reads that join the owning script or count devices.
	ScriptTitle string `json:"script_title,omitempty"`
	DeviceCount int    `json:"device_count"`
}

// IsExpiredAt reports whether the key's expiry has passed at now.
func (k *LicenseKey) IsExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// KeyDevice binds a hardware identifier to a license key.
type KeyDevice struct {
	ID         string    `json:"id"`
	KeyID      string    `json:"key_id"`
	HWID       string    `json:"hwid"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// GenerateKeysParams describes a batch of keys to create for a script.
type GenerateKeysParams struct {
	ScriptID   string
	OwnerID    string
	Type       string
	MaxDevices int
	ExpiresAt  *time.Time
	Note       *string
	Quantity   int
}

// ValidateRequest is the input of a key validation.
type ValidateRequest struct {
	KeyValue string
	ScriptID string // optional
	HWID     string // optional
}

// ValidationReason classifies why a validation was rejected.
type ValidationReason string

const (
	ReasonNone               ValidationReason = ""
	ReasonNotFound           ValidationReason = "not_found"
	ReasonWrongScript        ValidationReason = "wrong_script"
	ReasonRevoked            ValidationReason = "revoked"
	ReasonExpired            ValidationReason = "expired"
	ReasonDeviceLimitReached ValidationReason = "device_limit_reached"
)

// KeyInfo is the public view of a key returned by a successful validation.
type KeyInfo struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      KeyStatus  `json:"status"`
	MaxDevices  int        `json:"max_devices"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ScriptTitle string     `json:"script_title"`
}

// ValidationResult is the outcome of validating a key. Rejections are results, not errors.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Reason  ValidationReason `json:"reason,omitempty"`
	Message string           `json:"message,omitempty"`
	Key     *KeyInfo         `json:"key,omitempty"`
}

// Rejected builds a failed ValidationResult.
func Rejected(reason ValidationReason, message string) *ValidationResult {
	return &ValidationResult{Valid: false, Reason: reason, Message: message}
}

// Accepted builds a successful ValidationResult. An unused key is reported as active.
func Accepted(k *LicenseKey) *ValidationResult {
	status := k.Status
	if status == KeyStatusUnused {
		status = KeyStatusActive
	}
	return &ValidationResult{
		Valid: true,
		Key: &KeyInfo{
			ID:          k.ID,
			Type:        k.Type,
			Status:      status,
			MaxDevices:  k.MaxDevices,
			ExpiresAt:   k.ExpiresAt,
			ScriptTitle: k.ScriptTitle,
		},
	}
}
