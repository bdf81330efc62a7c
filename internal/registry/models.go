package registry

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fitjourney/subscriptions/internal/tiers"
)

// SubscriptionStatus represents the lifecycle state of a user's subscription.
type SubscriptionStatus string

const (
	StatusNone      SubscriptionStatus = "none"
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusNone, StatusActive, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// User represents an application account and its subscription state.
type User struct {
	ID          string             `json:"id"`
	Email       string             `json:"email"`
	FullName    string             `json:"full_name"`
	Tier        tiers.Tier         `json:"tier"`
	Status      SubscriptionStatus `json:"status"`
	PeriodStart *time.Time         `json:"period_start,omitempty"`
	PeriodEnd   *time.Time         `json:"period_end,omitempty"`
	SaleRef     string             `json:"external_sale_reference,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// HasActiveSubscription reports whether the user is entitled at now.
func (u *User) HasActiveSubscription(now time.Time) bool {
	return u != nil && u.Status == StatusActive && u.PeriodEnd != nil && u.PeriodEnd.After(now)
}

// Subscription is the set of fields written when a purchase is applied.
type Subscription struct {
	Tier        tiers.Tier
	Status      SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
	SaleRef     string
}

// PendingActivation holds a paid purchase for an email with no account yet.
type PendingActivation struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	Tier        tiers.Tier      `json:"tier"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	SaleRef     string          `json:"external_sale_reference"`
	Provider    string          `json:"provider"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	Activated   bool            `json:"activated"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NormalizeEmail trims and lower-cases an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
