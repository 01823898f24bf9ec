package models

import "time"

// Plan is a named service tier. It determines the daily message quota and
// which models a license may use.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPro   Plan = "pro"
	PlanUltra Plan = "ultra"
)

// SubscriptionStatus mirrors the subscription state held by the billing side.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusInactive  SubscriptionStatus = "inactive"
)

// Subscription is the raw row returned by the key/subscription store,
// before any grace-period degradation is applied.
type Subscription struct {
	OwnerID   string             `json:"owner_id"`
	Plan      Plan               `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// LicenseRecord is the resolved view of a license key served from the
// resolver cache. Plan is the effective plan: a past_due subscription is
// downgraded to free here, its true plan is never stored in the cache.
type LicenseRecord struct {
	OwnerID  string             `json:"owner_id"`
	Plan     Plan               `json:"plan"`
	Status   SubscriptionStatus `json:"status"`
	CachedAt time.Time          `json:"cached_at"`
}

// QuotaDecision is the outcome of a quota check for one request.
type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// UsageRecord is the fire-and-forget metering entry emitted once per
// completed forward attempt.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	OwnerID      string    `json:"owner_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostCents    int       `json:"cost_cents"`
	ParseFailed  bool      `json:"parse_failed,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}
