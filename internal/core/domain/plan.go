package domain

import (
	"fmt"
	"time"
)

// PlanType is a subscription tier.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
	PlanCustom     PlanType = "custom"
)

// Valid reports whether p is a known tier.
func (p PlanType) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise, PlanCustom:
		return true
	}
	return false
}

// UserPlan is a user's subscription.
type UserPlan struct {
	UserID    string     `json:"user_id"`
	PlanType  PlanType   `json:"plan_type"`
	StartedAt time.Time  `json:"started_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpiredAt reports whether the plan's validity window has passed at now.
func (p *UserPlan) IsExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// MaximumType names a consumable counter on UserMaximums.
type MaximumType string

const (
	MaximumObfuscation   MaximumType = "maximum_obfuscation"
	MaximumKeys          MaximumType = "maximum_keys"
	MaximumDeployments   MaximumType = "maximum_deployments"
	MaximumDevicesPerKey MaximumType = "maximum_devices_per_key"
)

// ParseDeductible validates that s names a counter that can be deducted.
func ParseDeductible(s string) (MaximumType, error) {
	switch t := MaximumType(s); t {
	case MaximumObfuscation, MaximumKeys, MaximumDeployments:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown maximum type %q", ErrInvalidArgument, s)
}

// UserMaximums holds a user's consumable monthly quotas.
type UserMaximums struct {
	UserID               string    `json:"user_id"`
	MaximumObfuscation   int       `json:"maximum_obfuscation"`
	MaximumKeys          int       `json:"maximum_keys"`
	MaximumDeployments   int       `json:"maximum_deployments"`
	MaximumDevicesPerKey int       `json:"maximum_devices_per_key"`
	MaximumsResetAt      time.Time `json:"maximums_reset_at"`
}

// Get returns the current value of counter t.
func (m *UserMaximums) Get(t MaximumType) int {
	switch t {
	case MaximumObfuscation:
		return m.MaximumObfuscation
	case MaximumKeys:
		return m.MaximumKeys
	case MaximumDeployments:
		return m.MaximumDeployments
	case MaximumDevicesPerKey:
		return m.MaximumDevicesPerKey
	}
	return 0
}

// Apply copies tier defaults onto m.
func (m *UserMaximums) Apply(d TierDefaults) {
	m.MaximumObfuscation = d.Obfuscation
	m.MaximumKeys = d.Keys
	m.MaximumDeployments = d.Deployments
	m.MaximumDevicesPerKey = d.DevicesPerKey
}

// MaximumsUpdate is a partial update of a UserMaximums row; nil fields are left untouched.
type MaximumsUpdate struct {
	MaximumObfuscation   *int
	MaximumKeys          *int
	MaximumDeployments   *int
	MaximumDevicesPerKey *int
	MaximumsResetAt      *time.Time
}

// Empty reports whether the update changes nothing.
func (u MaximumsUpdate) Empty() bool {
	return u.MaximumObfuscation == nil && u.MaximumKeys == nil && u.MaximumDeployments == nil &&
		u.MaximumDevicesPerKey == nil && u.MaximumsResetAt == nil
}

// SetCounter sets the field for counter t.
func (u *MaximumsUpdate) SetCounter(t MaximumType, v int) {
	switch t {
	case MaximumObfuscation:
		u.MaximumObfuscation = &v
	case MaximumKeys:
		u.MaximumKeys = &v
	case MaximumDeployments:
		u.MaximumDeployments = &v
	case MaximumDevicesPerKey:
		u.MaximumDevicesPerKey = &v
	}
}

// ResetTo builds an update that restores every counter to d and moves the reset mark.
func ResetTo(d TierDefaults, resetAt time.Time) MaximumsUpdate {
	u := MaximumsUpdate{MaximumsResetAt: &resetAt}
	u.SetCounter(MaximumObfuscation, d.Obfuscation)
	u.SetCounter(MaximumKeys, d.Keys)
	u.SetCounter(MaximumDeployments, d.Deployments)
	u.SetCounter(MaximumDevicesPerKey, d.DevicesPerKey)
	return u
}

// PlanWithMaximums pairs a plan with its current quotas.
type PlanWithMaximums struct {
	Plan     *UserPlan     `json:"plan"`
	Maximums *UserMaximums `json:"maximums"`
}

// TierDefaults are the counters a tier starts each window with.
type TierDefaults struct {
	Obfuscation   int `mapstructure:"obfuscation" json:"obfuscation"`
	Keys          int `mapstructure:"keys" json:"keys"`
	Deployments   int `mapstructure:"deployments" json:"deployments"`
	DevicesPerKey int `mapstructure:"devices_per_key" json:"devices_per_key"`
}

// TierTable maps each tier to its defaults.
type TierTable map[PlanType]TierDefaults

// DefaultTierTable returns the built-in tier quotas.
func DefaultTierTable() TierTable {
	return TierTable{
		PlanFree:       {Obfuscation: 0, Keys: 10, Deployments: 3, DevicesPerKey: 1},
		PlanPro:        {Obfuscation: 50, Keys: 5000, Deployments: 100, DevicesPerKey: 2},
		PlanEnterprise: {Obfuscation: 50000, Keys: 50000, Deployments: 10000, DevicesPerKey: 10},
		PlanCustom:     {Obfuscation: 50000, Keys: 50000, Deployments: 10000, DevicesPerKey: 50},
	}
}

// For returns the defaults of tier p, falling back to the free tier.
func (t TierTable) For(p PlanType) TierDefaults {
	if d, ok := t[p]; ok {
		return d
	}
	return t[PlanFree]
}

// Validate checks that every tier is present and non-negative.
func (t TierTable) Validate() error {
	for _, p := range []PlanType{PlanFree, PlanPro, PlanEnterprise, PlanCustom} {
		d, ok := t[p]
		if !ok {
			return fmt.Errorf("tier %q missing", p)
		}
		if d.Obfuscation < 0 || d.Keys < 0 || d.Deployments < 0 || d.DevicesPerKey < 0 {
			return fmt.Errorf("tier %q has negative defaults", p)
		}
	}
	return nil
}

// PlanPolicy controls plan expiry and quota windows.
type PlanPolicy struct {
	// ResetWindow is the length of a quota window and of a fresh plan window.
	ResetWindow time.Duration
	// FreshWindowOnDowngrade gives a downgraded free plan a new expires_at instead of none.
	FreshWindowOnDowngrade bool
	Tiers                  TierTable
}

// DefaultPlanPolicy returns the 30-day policy with the built-in tiers.
func DefaultPlanPolicy() PlanPolicy {
	return PlanPolicy{
		ResetWindow:            30 * 24 * time.Hour,
		FreshWindowOnDowngrade: true,
		Tiers:                  DefaultTierTable(),
	}
}
